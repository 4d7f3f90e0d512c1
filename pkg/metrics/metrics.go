// Package metrics provides Prometheus metrics instrumentation for dmfgate.
// Device and tenant identifiers never appear in clear as label values.
package metrics

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"regexp"
	"runtime"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dmfgate"

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
	registryMu   sync.Mutex
)

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// GetRegistry returns the process-wide metrics registry.
func GetRegistry() *prometheus.Registry {
	registryMu.Lock()
	defer registryMu.Unlock()
	registryOnce.Do(func() {
		registry = newRegistry()
	})
	return registry
}

// ResetRegistry replaces the registry. Tests only.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = newRegistry()
	registryOnce = sync.Once{}
	registryOnce.Do(func() {})
}

// ServiceMetrics contains the HTTP and authentication metrics of a service.
type ServiceMetrics struct {
	ServiceName string

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	ServiceInfo *prometheus.GaugeVec

	// AuthAttempts counts device authentication by strategy and result.
	AuthAttempts *prometheus.CounterVec

	ErrorsTotal *prometheus.CounterVec
}

// NewServiceMetrics creates metrics for a service on the global registry.
func NewServiceMetrics(serviceName, version string) *ServiceMetrics {
	return NewServiceMetricsFor(GetRegistry(), serviceName, version)
}

// NewServiceMetricsFor creates metrics for a service on reg.
func NewServiceMetricsFor(reg prometheus.Registerer, serviceName, version string) *ServiceMetrics {
	subsystem := strings.ReplaceAll(serviceName, "-", "_")
	m := &ServiceMetrics{
		ServiceName: serviceName,

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_active_requests",
				Help:      "Number of active HTTP requests",
			},
		),

		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "info",
				Help:      "Service information",
			},
			[]string{"version", "go_version"},
		),

		AuthAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "auth_attempts_total",
				Help:      "Total device authentication attempts",
			},
			[]string{"strategy", "result"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type"},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.ServiceInfo,
		m.AuthAttempts,
		m.ErrorsTotal,
	)

	m.ServiceInfo.WithLabelValues(version, runtime.Version()).Set(1)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// HashID creates a short hash of an identifier for safe metric labels.
func HashID(id string) string {
	if id == "" {
		return "unknown"
	}
	h := sha256.Sum256([]byte(id))
	return hex.EncodeToString(h[:8])
}

var (
	downloadPathPattern = regexp.MustCompile(`^(/api/v1/downloadserver/downloadId)/[^/]+/[^/]+$`)
	uuidPattern         = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
)

// SanitizePath collapses identifiers in a request path into placeholders.
// Example: /api/v1/downloadserver/downloadId/DEFAULT/<uuid> ->
// /api/v1/downloadserver/downloadId/{tenant}/{download_id}
func SanitizePath(path string) string {
	if m := downloadPathPattern.FindStringSubmatch(path); m != nil {
		return m[1] + "/{tenant}/{download_id}"
	}
	return uuidPattern.ReplaceAllString(path, "{id}")
}
