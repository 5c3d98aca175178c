package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	tracer   oteltrace.Tracer
	provider *trace.TracerProvider
)

// Config holds tracing configuration
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Initialize sets up minimal OTLP tracing
func Initialize(cfg Config, logger *zap.Logger) error {
	// Always initialize a tracer handle, even if the provider is disabled,
	// so the Start* helpers never panic.
	if cfg.ServiceName == "" {
		cfg.ServiceName = "loom-orchestrator"
	}
	tracer = otel.Tracer(cfg.ServiceName)

	if !cfg.Enabled {
		logger.Info("Tracing disabled")
		return nil
	}

	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "localhost:4317"
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)

	otel.SetTracerProvider(provider)
	tracer = otel.Tracer(cfg.ServiceName)

	logger.Info("Tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
	return nil
}

// Shutdown flushes buffered spans. Safe to call when tracing is disabled.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}

// W3CTraceparent generates a W3C traceparent header value
func W3CTraceparent(ctx context.Context) string {
	span := oteltrace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}

	sc := span.SpanContext()
	return fmt.Sprintf("00-%s-%s-%02x",
		sc.TraceID().String(),
		sc.SpanID().String(),
		sc.TraceFlags(),
	)
}

// InjectTraceparent adds W3C traceparent header to HTTP request
func InjectTraceparent(ctx context.Context, req *http.Request) {
	if traceparent := W3CTraceparent(ctx); traceparent != "" {
		req.Header.Set("traceparent", traceparent)
	}
}

// StartSpan creates a new span with the given name
func StartSpan(ctx context.Context, spanName string) (context.Context, oteltrace.Span) {
	if tracer == nil {
		tracer = otel.Tracer("loom-orchestrator")
	}
	return tracer.Start(ctx, spanName)
}

// StartRequestSpan creates the root span for one request's pipeline run.
func StartRequestSpan(ctx context.Context, requestID string, tasks int) (context.Context, oteltrace.Span) {
	ctx, span := StartSpan(ctx, "run request")
	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.Int("request.tasks", tasks),
	)
	return ctx, span
}

// StartDispatchSpan creates a span covering one worker dispatch.
func StartDispatchSpan(ctx context.Context, taskID, capability string, attempt int) (context.Context, oteltrace.Span) {
	ctx, span := StartSpan(ctx, "dispatch "+capability)
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("task.capability", capability),
		attribute.Int("task.attempt", attempt),
	)
	return ctx, span
}

// StartGateSpan creates a span covering one quality gate evaluation.
func StartGateSpan(ctx context.Context, taskID, capability string, attempt int) (context.Context, oteltrace.Span) {
	ctx, span := StartSpan(ctx, "evaluate "+capability)
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.Int("task.attempt", attempt),
	)
	return ctx, span
}

// StartStoreSpan creates a span covering one knowledge store write.
func StartStoreSpan(ctx context.Context, op, key string) (context.Context, oteltrace.Span) {
	ctx, span := StartSpan(ctx, "knowledge "+op)
	span.SetAttributes(attribute.String("knowledge.key", key))
	return ctx, span
}

// StartHTTPSpan creates a span for HTTP operations with method and URL
func StartHTTPSpan(ctx context.Context, method, url string) (context.Context, oteltrace.Span) {
	ctx, span := StartSpan(ctx, fmt.Sprintf("HTTP %s", method))
	span.SetAttributes(
		semconv.HTTPRequestMethodKey.String(method),
		semconv.URLFull(url),
	)
	return ctx, span
}
