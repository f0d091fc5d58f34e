package hubble

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	connected = promauto.With(ctrlmetrics.Registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "dnsgraph_hubble_connected",
			Help: "1 if connected to Hubble Relay, 0 otherwise.",
		},
	)
	queriesTotal = promauto.With(ctrlmetrics.Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "dnsgraph_hubble_queries_total",
			Help: "DNS queries received from Hubble flows.",
		},
	)
	queriesDroppedTotal = promauto.With(ctrlmetrics.Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "dnsgraph_hubble_queries_dropped_total",
			Help: "DNS queries dropped because the consumer fell behind.",
		},
	)
	reconnectsTotal = promauto.With(ctrlmetrics.Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "dnsgraph_hubble_reconnects_total",
			Help: "Reconnection attempts to Hubble Relay.",
		},
	)
)
