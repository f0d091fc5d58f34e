package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	linesTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsgraph_pipeline_lines_total",
			Help: "Log lines seen by the pipeline, by parse result.",
		},
		[]string{"result"},
	)
	parseErrorsTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsgraph_pipeline_parse_errors_total",
			Help: "Lines that did not parse as a query, by reason.",
		},
		[]string{"reason"},
	)
	eventsFilteredTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsgraph_pipeline_events_filtered_total",
			Help: "Parsed queries not forwarded to the graph, by reason.",
		},
		[]string{"reason"},
	)
	eventsTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsgraph_pipeline_events_total",
			Help: "Classified queries forwarded to the graph, by classification.",
		},
		[]string{"classification"},
	)
)
