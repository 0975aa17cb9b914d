// Package handler provides the service's HTTP endpoints.
package handler

import (
	"net/http"
	"time"

	"github.com/elevate-ai/coaching-platform/internal/broker"
	"github.com/elevate-ai/coaching-platform/internal/bus"
	"github.com/elevate-ai/coaching-platform/internal/storage"
)

// HealthHandler handles health check and stats endpoints.
type HealthHandler struct {
	store    storage.Store
	broker   broker.Broker
	eventBus *bus.EventBus
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(st storage.Store, b broker.Broker, eventBus *bus.EventBus) *HealthHandler {
	return &HealthHandler{store: st, broker: b, eventBus: eventBus}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := timeoutContext(r, 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "store unreachable",
		})
		return
	}
	if err := h.broker.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "broker unreachable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// Stats handles GET /stats, exposing bus statistics.
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eventBus.Stats())
}
