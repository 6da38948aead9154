package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/vulnproof/internal/fabric"
)

// FabricHandler exposes the isolation topology the server runs with.
type FabricHandler struct {
	topology *fabric.Topology
	logger   *slog.Logger
}

func NewFabricHandler(t *fabric.Topology, logger *slog.Logger) *FabricHandler {
	return &FabricHandler{topology: t, logger: logger}
}

type fabricResponse struct {
	Schema     string             `json:"schema"`
	Zones      []fabric.Zone      `json:"zones"`
	Verified   bool               `json:"verified"`
	Violations []fabric.Violation `json:"violations"`
}

// HandleFabric serves GET /api/fabric.
func (h *FabricHandler) HandleFabric(w http.ResponseWriter, r *http.Request) {
	zones := h.topology.Zones()
	violations := fabric.Check(zones)
	if violations == nil {
		violations = []fabric.Violation{}
	}
	writeJSON(w, http.StatusOK, fabricResponse{
		Schema:     fabric.SchemaV1,
		Zones:      zones,
		Verified:   len(violations) == 0,
		Violations: violations,
	})
}

// HandleHealth serves GET /healthz. The server is unhealthy when its topology
// no longer verifies, since every launch would be refused.
func (h *FabricHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.topology.Verify(); err != nil {
		h.logger.Error("health check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
