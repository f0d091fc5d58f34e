package logsource

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	linesTotal = promauto.With(ctrlmetrics.Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "dnsgraph_logsource_lines_total",
			Help: "Log lines read from CoreDNS pods.",
		},
	)
	linesDroppedTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsgraph_logsource_lines_dropped_total",
			Help: "Log lines dropped before parsing, by reason.",
		},
		[]string{"reason"},
	)
	reconnectsTotal = promauto.With(ctrlmetrics.Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "dnsgraph_logsource_stream_reconnects_total",
			Help: "Pod log stream reconnect attempts.",
		},
	)
	activeStreams = promauto.With(ctrlmetrics.Registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "dnsgraph_logsource_active_streams",
			Help: "CoreDNS pods currently being followed.",
		},
	)
	apiFailuresTotal = promauto.With(ctrlmetrics.Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "dnsgraph_logsource_api_failures_total",
			Help: "Failed list or watch calls against the cluster API.",
		},
	)
	apiHealthy = promauto.With(ctrlmetrics.Registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "dnsgraph_logsource_api_healthy",
			Help: "1 when the cluster API is reachable, 0 when degraded.",
		},
	)
)
