package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// RegisterHealth mounts unauthenticated readiness routes.
func (h *Handler) RegisterHealth(r chi.Router) {
	r.Get("/ready", h.handleReady)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.history.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			h.logger.Error("Readiness check failed", "error", err)
			JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "history": err.Error()})
			return
		}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": h.sessions.Count(),
	})
}
