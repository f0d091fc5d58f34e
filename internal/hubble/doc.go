// Package hubble streams DNS queries observed by Cilium's Hubble.
//
// # Overview
//
// On clusters running Cilium with DNS visibility, Hubble Relay sees every
// query at the pod's network boundary, including the identity of the pod
// that asked. This package subscribes to DNS flows over the Observer gRPC
// API and converts each response flow into a query event, which the pipeline
// routes like a parsed CoreDNS log line. Hubble is an optional second source;
// the CoreDNS logs remain the primary one.
//
// # Usage
//
//	client := hubble.NewClient(hubble.ClientOptions{
//	    RelayAddress: "hubble-relay.kube-system.svc:4245",
//	    Logger:       logger,
//	})
//	go client.Start(ctx)
//
//	for ev := range client.Queries() {
//	    // route ev
//	}
//
// # Graceful Degradation
//
// The client reconnects with exponential backoff. While Relay is
// unreachable the graph keeps being fed from the CoreDNS logs alone.
//
// # Metrics
//
//   - dnsgraph_hubble_connected (gauge): 1 if connected, 0 if disconnected
//   - dnsgraph_hubble_queries_total (counter): DNS queries received
//   - dnsgraph_hubble_queries_dropped_total (counter): queries dropped on a full buffer
//   - dnsgraph_hubble_reconnects_total (counter): reconnection attempts
package hubble
