// Package logsource streams query logs from every CoreDNS pod in the
// cluster.
//
// # Overview
//
// The Source lists and watches pods matching a namespace and label selector
// and runs one follow stream per running pod. Each line is tagged with the
// pod's identity and sent on a single bounded channel; a full channel blocks
// the streams, which is the pipeline's backpressure.
//
// A stream that ends or fails is reopened after a jittered exponential
// backoff, with a limiter shared by all pods on top. Reconnects resume from
// the timestamp of the last line read. A deleted pod has its stream cancelled
// and its identity sent on Removals.
//
// Repeated list or watch failures mark the source degraded. Check exposes
// that as a readiness probe; nothing in this package exits the process after
// startup.
//
// # Usage
//
//	src := logsource.New(clientset, logsource.Options{Logger: logger})
//	go src.Start(ctx)
//	for line := range src.Lines() {
//		...
//	}
package logsource
