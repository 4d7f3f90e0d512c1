package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// HealthCheckFunc is a function that performs a health check.
type HealthCheckFunc func(ctx context.Context) error

// HealthChecker runs the registered dependency checks behind /ready.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]HealthCheckFunc
	timeout time.Duration
	logger  *slog.Logger
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{
		checks:  make(map[string]HealthCheckFunc),
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

// Register registers a health check.
func (h *HealthChecker) Register(name string, check HealthCheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check runs all health checks and returns the results.
func (h *HealthChecker) Check(ctx context.Context) *HealthCheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	result := &HealthCheckResult{
		Status:     StatusHealthy,
		Components: make(map[string]*ComponentHealthResult, len(h.checks)),
	}
	for name, check := range h.checks {
		component := &ComponentHealthResult{Status: StatusHealthy}
		if err := check(ctx); err != nil {
			component.Status = StatusUnhealthy
			component.Error = err.Error()
			result.Status = StatusUnhealthy
			h.logger.WarnContext(ctx, "health check failed", "component", name, "error", err)
		}
		result.Components[name] = component
	}
	return result
}

// Health states.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HealthCheckResult represents the result of health checks.
type HealthCheckResult struct {
	Status     string                            `json:"status"`
	Version    string                            `json:"version,omitempty"`
	Components map[string]*ComponentHealthResult `json:"components,omitempty"`
}

// ComponentHealthResult represents the result of a component health check.
type ComponentHealthResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func handleHealth(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthCheckResult{Status: StatusHealthy, Version: version})
	}
}

func handleReady(checker *HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker == nil {
			writeJSON(w, http.StatusOK, HealthCheckResult{Status: StatusHealthy})
			return
		}
		result := checker.Check(r.Context())
		status := http.StatusOK
		if result.Status != StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, result)
	}
}
