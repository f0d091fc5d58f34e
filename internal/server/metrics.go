package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	connectionsActive = promauto.With(ctrlmetrics.Registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "dnsgraph_server_connections",
			Help: "Open websocket connections.",
		},
	)
	clientMessagesTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsgraph_server_client_messages_total",
			Help: "Messages received from websocket clients, by type.",
		},
		[]string{"type"},
	)
)
