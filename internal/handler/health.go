package handler

import (
	"net/http"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/events"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/store"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	natsClient *events.Client
	store      *store.Store
}

// NewHealthHandler creates a new health handler. natsClient may be nil
// when event publication is disabled.
func NewHealthHandler(natsClient *events.Client, st *store.Store) *HealthHandler {
	return &HealthHandler{natsClient: natsClient, store: st}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database unavailable",
		})
		return
	}

	if h.natsClient != nil && !h.natsClient.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
