// health_handler.go -- Health check handler for GET /health.
package auth

import (
	"errors"
	"net/http"

	"github.com/agencydash/warden/internal/store"
)

type healthStatus struct {
	Postgres string `json:"postgres"`
	Redis    string `json:"redis"`
}

// CheckHealth handles GET /health. Pings Postgres and Redis and reports each.
// Returns 503 if Postgres or a configured Redis is down.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{Postgres: "ok", Redis: "disabled"}

	if h.Postgres != nil {
		if err := h.Postgres(r.Context()); err != nil {
			logError(r, "postgres health check failed", "error", err)
			status.Postgres = "error"
		}
	}
	if h.Redis != nil {
		status.Redis = "ok"
		if err := h.Redis(r.Context()); err != nil {
			if errors.Is(err, store.ErrCacheDisabled) {
				status.Redis = "disabled"
			} else {
				logError(r, "redis health check failed", "error", err)
				status.Redis = "error"
			}
		}
	}

	code := http.StatusOK
	if status.Postgres == "error" || status.Redis == "error" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
