package observe

import (
	"context"
	"errors"

	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TelemetryConfig configures the process-wide OTel SDK.
type TelemetryConfig struct {
	// ServiceName appears on every exported metric and span.
	// Default: "voicepipeline".
	ServiceName string

	// ServiceVersion is reported alongside the service name.
	ServiceVersion string

	// SpanExporter receives finished spans. Nil keeps spans process-local,
	// which suits tests and single-node deployments; wire an OTLP exporter
	// here once a collector exists.
	SpanExporter sdktrace.SpanExporter
}

// Setup installs the global OTel meter and tracer providers: metrics flow
// through a Prometheus exporter (scraped at /metrics), spans through the
// configured exporter if any. The returned shutdown flushes both; call it
// during process teardown.
func Setup(ctx context.Context, cfg TelemetryConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voicepipeline"
	}
	res, err := serviceResource(cfg)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.SpanExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.SpanExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	shutdown = func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}
	return shutdown, nil
}

// serviceResource merges the service identity into the default resource
// (host, process, SDK attributes).
func serviceResource(cfg TelemetryConfig) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
}
