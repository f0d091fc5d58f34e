package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	subscriberCount = promauto.With(ctrlmetrics.Registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "dnsgraph_hub_subscribers",
			Help: "Currently registered subscribers.",
		},
	)
	messagesTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsgraph_hub_messages_total",
			Help: "Messages queued to subscribers by type.",
		},
		[]string{"type"},
	)
	slowConsumerTotal = promauto.With(ctrlmetrics.Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "dnsgraph_hub_slow_consumer_disconnects_total",
			Help: "Subscribers disconnected because their queue was full.",
		},
	)
	resyncTotal = promauto.With(ctrlmetrics.Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "dnsgraph_hub_resyncs_total",
			Help: "Times the hub replica was rebuilt from the aggregator after a gap.",
		},
	)
)
