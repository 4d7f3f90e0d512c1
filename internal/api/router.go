// Package api serves the HTTP side of the server: artifact downloads
// against one-time ids, liveness, readiness and metrics.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/witlox/dmfgate/pkg/metrics"
	"github.com/witlox/dmfgate/pkg/telemetry"
)

// DownloadRoute is the download redemption route.
const DownloadRoute = "/api/v1/downloadserver/downloadId/{tenant}/{downloadId}"

// RouterConfig holds router configuration.
type RouterConfig struct {
	ServiceName string
	Version     string
	Logger      *slog.Logger

	// Metrics instruments every request when set.
	Metrics *metrics.ServiceMetrics
	// MetricsHandler serves /metrics; metrics.Handler() when nil.
	MetricsHandler http.Handler
	Tracing        bool

	Health    *HealthChecker
	Downloads *DownloadHandler
}

// NewRouter creates a new chi router with all middleware and routes.
func NewRouter(cfg RouterConfig) chi.Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "dmfgate"
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(middleware.RealIP)
	if cfg.Tracing {
		r.Use(telemetry.Middleware(cfg.ServiceName, metrics.SanitizePath))
	}
	if cfg.Metrics != nil {
		r.Use(metrics.Middleware(cfg.Metrics))
	}

	r.Get("/health", handleHealth(cfg.Version))
	r.Get("/ready", handleReady(cfg.Health))

	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = metrics.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	if cfg.Downloads != nil {
		r.Group(func(r chi.Router) {
			r.Use(LoggingMiddleware(cfg.Logger, metrics.SanitizePath))
			r.Method(http.MethodGet, DownloadRoute, cfg.Downloads)
		})
	}
	return r
}
