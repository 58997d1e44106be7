// Package traces wires OpenTelemetry tracing for the engine.
//
// Spans cover the hot coordination paths: key selection, admission, and
// outcome reporting. Until Init runs with a collector endpoint the
// package tracer is a no-op, so instrumented code pays nothing when
// tracing is off.
package traces

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentation = "github.com/mbd888/keymux"

// tracer is swapped exactly once, in Init, before the server accepts
// traffic.
var tracer trace.Tracer = noop.NewTracerProvider().Tracer(instrumentation)

// Init installs a tracer provider exporting to the OTLP gRPC collector
// at endpoint. An empty endpoint leaves the no-op tracer in place. The
// returned function flushes pending spans and stops the provider.
func Init(ctx context.Context, endpoint string, logger *slog.Logger) (func(context.Context) error, error) {
	if endpoint == "" {
		logger.Info("tracing disabled, no collector endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("keymux"),
		semconv.ServiceVersion("0.1.0"),
	))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	tracer = provider.Tracer(instrumentation)

	logger.Info("tracing enabled", "endpoint", endpoint)
	return provider.Shutdown, nil
}

// StartSpan opens a span on the engine tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Attribute constructors keep span decoration consistent across the
// selection, admission, and outcome paths.

func Group(group string) attribute.KeyValue {
	return attribute.String("pool.group", group)
}

func Key(masked string) attribute.KeyValue {
	return attribute.String("pool.key", masked)
}

func Strategy(strategy string) attribute.KeyValue {
	return attribute.String("pool.strategy", strategy)
}

func StatusCode(code int) attribute.KeyValue {
	return attribute.Int("outcome.code", code)
}

func LeaseID(id string) attribute.KeyValue {
	return attribute.String("lease.id", id)
}
