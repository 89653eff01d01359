package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ailways/study-relay/internal/config"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

type HealthHandler struct {
	deps   map[string]Check
	active func() int
}

func NewHealthHandler(deps map[string]Check, active func() int) *HealthHandler {
	return &HealthHandler{deps: deps, active: active}
}

// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.deps))
	for name, check := range h.deps {
		if err := check(ctx); err != nil {
			log.Warn().Err(err).Str("dependency", name).Msg("health check failed")
			checks[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
		"checks":    checks,
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if h.active != nil {
		body["activeSessions"] = h.active()
	}

	writeJSON(w, status, body)
}
