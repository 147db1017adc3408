package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// Pinger reports storage reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store Pinger
	mode  string
}

// NewHealthHandler creates a new health handler. mode is reported as is
// ("local" or "chain").
func NewHealthHandler(store Pinger, mode string) *HealthHandler {
	return &HealthHandler{store: store, mode: mode}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"mode":   h.mode,
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["storage"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["storage"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
