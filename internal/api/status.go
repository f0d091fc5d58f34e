// Package api provides the HTTP API endpoints of dnsgraph.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dnsgraph/dnsgraph/internal/hub"
	"github.com/dnsgraph/dnsgraph/internal/logsource"
	"github.com/dnsgraph/dnsgraph/internal/types"
)

// GraphReader serves filtered views of the current graph.
type GraphReader interface {
	Snapshot(f hub.Filter) types.Snapshot
	Subscribers() int
}

// StreamReporter reports the state of the CoreDNS log streams.
type StreamReporter interface {
	Streams() []logsource.StreamStatus
	Health() types.HealthState
}

// HubbleReporter reports the Hubble Relay connection.
type HubbleReporter interface {
	IsConnected() bool
}

// Dependencies are the components the handlers read from. Hubble may be nil.
type Dependencies struct {
	Graph   GraphReader
	Streams StreamReporter
	Hubble  HubbleReporter

	// HubbleAddress is reported in the status when Hubble is enabled.
	HubbleAddress string
}

// StatusResponse is the response for GET /api/v1/status.
type StatusResponse struct {
	// Version is the API schema version. Currently "1".
	Version string `json:"version"`

	// ClusterAPI is "ok" or "degraded".
	ClusterAPI types.HealthState `json:"clusterAPI"`

	Graph GraphStatus `json:"graph"`

	// Streams lists one entry per followed CoreDNS pod.
	Streams []logsource.StreamStatus `json:"streams"`

	// Subscribers is the number of connected update subscribers.
	Subscribers int `json:"subscribers"`

	// HubbleStatus describes Hubble integration status.
	HubbleStatus *HubbleStatus `json:"hubbleStatus,omitempty"`

	// UpSince is when the process started.
	UpSince string `json:"upSince,omitempty"`
}

// GraphStatus summarises the graph.
type GraphStatus struct {
	Version       uint64 `json:"version"`
	Nodes         int    `json:"nodes"`
	Edges         int    `json:"edges"`
	InternalEdges int    `json:"internalEdges"`
	ExternalEdges int    `json:"externalEdges"`
}

// HubbleStatus describes Hubble integration.
type HubbleStatus struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	Address   string `json:"address,omitempty"`
}

// StatusHandler handles GET /api/v1/status.
type StatusHandler struct {
	logger    *zap.Logger
	deps      Dependencies
	startTime time.Time
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(deps Dependencies, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		logger:    logger.Named("status"),
		deps:      deps,
		startTime: time.Now(),
	}
}

// ServeHTTP implements http.Handler.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := h.buildResponse()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode status response", zap.Error(err))
	}
}

// buildResponse constructs the StatusResponse from current state.
func (h *StatusHandler) buildResponse() StatusResponse {
	resp := StatusResponse{
		Version:    "1",
		ClusterAPI: types.HealthOK,
		Streams:    []logsource.StreamStatus{},
		UpSince:    h.startTime.UTC().Format(time.RFC3339),
	}

	if h.deps.Graph != nil {
		snap := h.deps.Graph.Snapshot(hub.All)
		resp.Graph = GraphStatus{
			Version: snap.Version,
			Nodes:   len(snap.Nodes),
			Edges:   len(snap.Edges),
		}
		for _, e := range snap.Edges {
			if e.Classification == types.ClassificationExternal {
				resp.Graph.ExternalEdges++
			} else {
				resp.Graph.InternalEdges++
			}
		}
		resp.Subscribers = h.deps.Graph.Subscribers()
	}

	if h.deps.Streams != nil {
		resp.ClusterAPI = h.deps.Streams.Health()
		resp.Streams = h.deps.Streams.Streams()
	}

	if h.deps.Hubble != nil {
		resp.HubbleStatus = &HubbleStatus{
			Enabled:   true,
			Connected: h.deps.Hubble.IsConnected(),
			Address:   h.deps.HubbleAddress,
		}
	}

	return resp
}

// HealthHandler handles GET /health and GET /api/v1/health.
type HealthHandler struct {
	logger  *zap.Logger
	streams StreamReporter
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(streams StreamReporter, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		logger:  logger.Named("health"),
		streams: streams,
	}
}

// HealthResponse is the response for health endpoints.
type HealthResponse struct {
	Status     string `json:"status"` // healthy, degraded, unhealthy
	ClusterAPI string `json:"clusterAPI"`
	Timestamp  string `json:"timestamp"`
}

// ServeHTTP implements http.Handler. Degraded and unhealthy respond 503.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "healthy"
	clusterAPI := string(types.HealthOK)
	code := http.StatusOK

	switch {
	case h.streams == nil:
		status = "unhealthy"
		clusterAPI = "not initialized"
		code = http.StatusServiceUnavailable
	case h.streams.Health() != types.HealthOK:
		status = "degraded"
		clusterAPI = string(h.streams.Health())
		code = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:     status,
		ClusterAPI: clusterAPI,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// RegisterHandlers registers API handlers on the given mux.
func RegisterHandlers(mux *http.ServeMux, deps Dependencies, logger *zap.Logger) {
	for path, handler := range Handlers(deps, logger) {
		mux.Handle(path, handler)
	}
}

// Handlers returns a map of path → http.Handler, suitable for
// controller-runtime's metricsserver.Options.ExtraHandlers.
func Handlers(deps Dependencies, logger *zap.Logger) map[string]http.Handler {
	healthHandler := NewHealthHandler(deps.Streams, logger)

	return map[string]http.Handler{
		"/api/v1/status": NewStatusHandler(deps, logger),
		"/api/v1/graph":  NewGraphHandler(deps.Graph, logger),
		"/api/v1/health": healthHandler,
		"/health":        healthHandler,
	}
}
