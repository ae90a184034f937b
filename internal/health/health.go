// Package health provides health check handlers for the service.
//
// Health checks are essential for:
//   - Load balancer health checks
//   - Kubernetes liveness/readiness probes
//   - Monitoring and alerting
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nrjones/ratelimitd/internal/engine"
	"github.com/nrjones/ratelimitd/internal/rules"
)

// Prober is the slice of AdmissionEngine's behavior the health surface
// depends on.
type Prober interface {
	Probe() engine.HealthReport
}

// Handler provides HTTP handlers for health checks.
type Handler struct {
	prober   Prober
	postgres *rules.PostgresStore // nil when rules are in-memory only
}

// NewHandler creates a new health check handler. postgres may be nil
// when the service runs without durable rule persistence.
func NewHandler(prober Prober, postgres *rules.PostgresStore) *Handler {
	return &Handler{prober: prober, postgres: postgres}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string                 `json:"status"` // "healthy" or "unhealthy"
	Uptime   string                 `json:"uptime,omitempty"`
	Store    map[string]interface{} `json:"store"`
	Postgres map[string]interface{} `json:"postgres,omitempty"`
	Checks   map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of an individual health check.
type CheckResult struct {
	Status  string `json:"status"` // "pass" or "fail"
	Message string `json:"message,omitempty"`
}

var startTime = time.Now()

// Health handles the /health endpoint.
//
// Returns detailed health information including:
//   - Overall status
//   - Distributed store reachability
//   - Postgres rule-store reachability, if configured
//   - Uptime
//
// Returns 200 if healthy, 503 if unhealthy.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report := h.prober.Probe()
	storeHealth := map[string]interface{}{
		"reachable":       report.StoreReachable,
		"fallback_active": report.FallbackActive,
	}
	if report.LastError != "" {
		storeHealth["last_error"] = report.LastError
	}

	overallStatus := "healthy"
	statusCode := http.StatusOK
	checks := map[string]CheckResult{
		"store": {Status: checkStatus(report.StoreReachable), Message: checkMessage(report.StoreReachable, report.LastError)},
	}

	if !report.StoreReachable && !report.FallbackActive {
		overallStatus = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	var pgHealth map[string]interface{}
	if h.postgres != nil {
		pgHealth = h.postgres.Health(ctx)
		pgOK := pgHealth["status"] == "healthy"
		checks["postgres"] = CheckResult{Status: checkStatus(pgOK), Message: fmt.Sprintf("%v", pgHealth["status"])}
		if !pgOK {
			overallStatus = "unhealthy"
			statusCode = http.StatusServiceUnavailable
		}
	}

	response := HealthResponse{
		Status:   overallStatus,
		Uptime:   formatDuration(time.Since(startTime)),
		Store:    storeHealth,
		Postgres: pgHealth,
		Checks:   checks,
	}

	log.Debug().
		Str("component", "health").
		Str("status", overallStatus).
		Str("remote_addr", r.RemoteAddr).
		Msg("Health check requested")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode health response")
	}
}

// Ready handles the /ready endpoint.
//
// This is specifically for Kubernetes readiness probes. Returns 200 if
// the service can accept traffic, 503 otherwise. A service running in
// open-local fallback is still ready — it is serving admissions from
// the local store, just in degraded mode.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	report := h.prober.Probe()
	if !report.StoreReachable && !report.FallbackActive {
		log.Warn().
			Str("component", "health").
			Msg("Readiness check failed: store unreachable and fallback inactive")

		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready","reason":"store unavailable"}`))
		return
	}

	log.Debug().
		Str("component", "health").
		Str("remote_addr", r.RemoteAddr).
		Msg("Readiness check passed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// checkStatus converts a reachability bool to a check status.
func checkStatus(ok bool) string {
	if ok {
		return "pass"
	}
	return "fail"
}

// checkMessage builds a human-readable message for a check result.
func checkMessage(ok bool, lastError string) string {
	if ok {
		return "operational"
	}
	if lastError != "" {
		return lastError
	}
	return "unreachable"
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
