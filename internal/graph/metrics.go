package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	nodeCount = promauto.With(ctrlmetrics.Registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "dnsgraph_graph_nodes",
			Help: "Nodes currently in the graph.",
		},
	)
	edgeCount = promauto.With(ctrlmetrics.Registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "dnsgraph_graph_edges",
			Help: "Edges currently in the graph.",
		},
	)
	eventsTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsgraph_graph_events_total",
			Help: "Query events ingested by destination classification.",
		},
		[]string{"classification"},
	)
	evictionsTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsgraph_graph_evictions_total",
			Help: "Nodes and edges evicted, by reason.",
		},
		[]string{"reason"},
	)
	tickDuration = promauto.With(ctrlmetrics.Registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dnsgraph_graph_tick_duration_seconds",
			Help:    "Time spent computing a graph diff.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)
)
