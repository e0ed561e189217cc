// Package tracing provides shared OTel tracer initialization for
// Trinity's HTTP surface and outbound Container Engine / agent-local
// server calls.
//
// Real tracing requires TRINITY_TRACING_ENDPOINT (or config.tracing.endpoint)
// to be set. Without it a no-op tracer is used (zero overhead).
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// Init wires the global tracer provider from the given endpoint and service
// name. Safe to call once at process startup; a zero-value endpoint leaves
// tracing as a no-op. Subsequent calls are ignored (mirrors the lazy-init
// pattern used for the HTTP client transports).
func Init(endpoint, serviceName string) {
	initOnce.Do(func() {
		if endpoint == "" {
			endpoint = os.Getenv("TRINITY_TRACING_ENDPOINT")
		}
		if endpoint == "" {
			return
		}
		if serviceName == "" {
			serviceName = "trinityd"
		}

		ctx := context.Background()

		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpointHost(endpoint)),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return
		}

		res, err := resource.New(ctx,
			resource.WithAttributes(semconv.ServiceName(serviceName)),
		)
		if err != nil {
			res = resource.Default()
		}

		sdkProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		tracerProvider = sdkProvider
		otel.SetTracerProvider(tracerProvider)
	})
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op when tracing was never initialized.
func Tracer(name string) trace.Tracer {
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}
