package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/dnsgraph/dnsgraph/internal/hub"
	"github.com/dnsgraph/dnsgraph/internal/types"
)

// GraphResponse is the wire format for GET /api/v1/graph. Nodes and edges
// are sorted by key.
type GraphResponse struct {
	Version uint64       `json:"version"`
	Filter  string       `json:"filter"`
	Nodes   []types.Node `json:"nodes"`
	Edges   []types.Edge `json:"edges"`
}

// GraphHandler handles GET /api/v1/graph?filter=<kind>:<name>.
type GraphHandler struct {
	logger *zap.Logger
	graph  GraphReader
}

// NewGraphHandler creates a new GraphHandler.
func NewGraphHandler(graph GraphReader, logger *zap.Logger) *GraphHandler {
	return &GraphHandler{
		logger: logger.Named("graph"),
		graph:  graph,
	}
}

// ServeHTTP implements http.Handler.
func (h *GraphHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter, err := hub.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap := types.NewSnapshot()
	if h.graph != nil {
		snap = h.graph.Snapshot(filter)
	}

	response := GraphResponse{
		Version: snap.Version,
		Filter:  filter.String(),
		Nodes:   snap.NodeList(),
		Edges:   snap.EdgeList(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode graph response", zap.Error(err))
	}
}
