// Package telemetry provides OpenTelemetry tracing for dmfgate. Span
// attributes are restricted to the safe set built by SafeAttributes.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	SampleRate     float64
	Enabled        bool
}

// TracerProvider wraps the OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// Init initializes the telemetry provider. When disabled the global no-op
// tracer is used.
func Init(ctx context.Context, cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{
			tracer: otel.Tracer(cfg.ServiceName),
		}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}, nil
}

// Shutdown flushes and stops the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		if err := tp.provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
	}
	return nil
}

// Tracer returns the tracer for creating spans.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpan starts a new span.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, name, opts...)
}

// InjectHeaders writes the trace context of ctx into a message header map.
func InjectHeaders(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// ExtractHeaders returns ctx enriched with the trace context found in a
// message header map.
func ExtractHeaders(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// SafeAttributes builds attributes that are safe to include in traces.
type SafeAttributes struct {
	attrs []attribute.KeyValue
}

// NewSafeAttributes creates a new safe attributes builder.
func NewSafeAttributes() *SafeAttributes {
	return &SafeAttributes{
		attrs: make([]attribute.KeyValue, 0),
	}
}

// HTTPMethod adds the HTTP method.
func (sa *SafeAttributes) HTTPMethod(method string) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.String("http.request.method", method))
	return sa
}

// HTTPRoute adds the route template, never the concrete path.
func (sa *SafeAttributes) HTTPRoute(route string) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.String("http.route", route))
	return sa
}

// HTTPStatusCode adds the HTTP status code.
func (sa *SafeAttributes) HTTPStatusCode(code int) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.Int("http.response.status_code", code))
	return sa
}

// MessagingSystem adds the messaging system name.
func (sa *SafeAttributes) MessagingSystem(system string) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.String("messaging.system", system))
	return sa
}

// MessagingDestination adds the topic a message was read from or sent to.
func (sa *SafeAttributes) MessagingDestination(topic string) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.String("messaging.destination.name", topic))
	return sa
}

// MessageType adds the DMF message type and optional topic header.
func (sa *SafeAttributes) MessageType(msgType, topic string) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.String("dmf.type", msgType))
	if topic != "" {
		sa.attrs = append(sa.attrs, attribute.String("dmf.topic", topic))
	}
	return sa
}

// Redelivered marks a message delivered more than once.
func (sa *SafeAttributes) Redelivered(attempt int) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.Int("dmf.delivery_attempt", attempt))
	return sa
}

// DBSystem adds the database system.
func (sa *SafeAttributes) DBSystem(system string) *SafeAttributes {
	sa.attrs = append(sa.attrs, semconv.DBSystemKey.String(system))
	return sa
}

// Operation adds a generic operation name.
func (sa *SafeAttributes) Operation(op string) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.String("operation", op))
	return sa
}

// Result adds an operation result.
func (sa *SafeAttributes) Result(result string) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.String("result", result))
	return sa
}

// Duration adds a duration in milliseconds.
func (sa *SafeAttributes) Duration(d time.Duration) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.Int64("duration_ms", d.Milliseconds()))
	return sa
}

// Build returns the safe attributes.
func (sa *SafeAttributes) Build() []attribute.KeyValue {
	return sa.attrs
}

// NEVER include these in traces:
// - Message bodies
// - Controller ids, tenant names
// - Gateway tokens, target tokens
// - Certificate headers
// - Download ids
