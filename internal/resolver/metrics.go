package resolver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	refreshTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsgraph_resolver_refresh_total",
			Help: "Identity snapshot refreshes by result.",
		},
		[]string{"result"},
	)
	refreshDuration = promauto.With(ctrlmetrics.Registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dnsgraph_resolver_refresh_duration_seconds",
			Help:    "Duration of successful identity snapshot refreshes.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
	identityCount = promauto.With(ctrlmetrics.Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dnsgraph_resolver_identities",
			Help: "Identities in the current snapshot by kind.",
		},
		[]string{"kind"},
	)
)
