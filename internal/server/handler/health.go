package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const probeTimeout = 2 * time.Second

// Probe checks one backing dependency.
type Probe func(ctx context.Context) error

// HealthInfo is the deployment description reported by /health. Probes are
// optional; without them /health is a pure liveness check.
type HealthInfo struct {
	Chain         string
	EscrowEnabled bool
	DemoMode      bool
	Probes        map[string]Probe
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	info   HealthInfo
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(info HealthInfo, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{info: info, logger: logHandler(logger, "health")}
}

// HealthCheck reports liveness, the payment configuration and, when probes
// are configured, the state of each dependency. A failing probe turns the
// response into a 503 with status "degraded".
// GET /health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"chain":          h.info.Chain,
		"escrow_enabled": h.info.EscrowEnabled,
		"demo_mode":      h.info.DemoMode,
	}
	status := http.StatusOK

	if len(h.info.Probes) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		checks := make(map[string]string, len(h.info.Probes))
		for name, probe := range h.info.Probes {
			if err := probe(ctx); err != nil {
				h.logger.WarnContext(ctx, "handler: health probe failed",
					slog.String("dependency", name),
					slog.String("error", err.Error()),
				)
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		body["checks"] = checks
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
	}

	writeJSON(w, status, body)
}
