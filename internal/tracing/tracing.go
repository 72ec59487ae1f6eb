// Package tracing wires optional OpenTelemetry export into the gateway.
// Spans cover the inbound request, each upstream attempt, and streamed
// response bodies; context propagates to providers via W3C traceparent.
// With Enabled false every entry point degrades to a pass-through.
package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects the OTLP collector endpoint ("host:port", plain HTTP)
// and the service.name reported on every span.
type Config struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

func noopShutdown(context.Context) error { return nil }

// Setup installs a global TracerProvider backed by a batching OTLP/HTTP
// exporter, plus composite TraceContext+Baggage propagation. The returned
// function flushes and stops the provider; call it during server shutdown.
// A disabled config yields a working no-op shutdown so callers never need
// to branch.
func Setup(cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	ctx := context.Background()

	// Local collectors speak plain HTTP on 4318.
	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// Middleware instruments inbound requests. Without a configured provider
// otelhttp records against the global no-op tracer, so it is safe to
// mount unconditionally.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "modelrelay.request")
	}
}

// HTTPTransport instruments an outbound round-tripper so provider calls
// carry traceparent/tracestate headers. A nil base means
// http.DefaultTransport.
func HTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base)
}
