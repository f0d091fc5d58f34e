// Package resolver classifies DNS query clients and destinations as cluster
// pods, cluster services, or external hosts.
//
// # Snapshot
//
// The resolver periodically lists pods and services and publishes an
// immutable snapshot:
//   - pod IP → pod identity (host-network pods excluded)
//   - namespace/name → service identity
//   - ClusterIP → service identity
//
// Classification reads the current snapshot without locking and never calls
// the cluster API, so a pod or service created since the last refresh is
// classified as External until the next one. Forget drops a pod IP
// immediately and triggers an early refresh, which is how a pod re-created
// under a new IP is picked up without a restart.
//
// # Usage
//
//	r := resolver.New(client, resolver.Options{ClusterDomain: "cluster.local"})
//	go r.Start(ctx)
//
//	src := r.ResolveClient("10.244.1.7")
//	dst := r.Classify("api.default.svc.cluster.local")
package resolver
