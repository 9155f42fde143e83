// Package telemetry installs the OpenTelemetry trace and metric providers used by the
// pipeline. Without an endpoint the global no-op providers stay in place.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName identifies this process in exported telemetry.
const DefaultServiceName = "contact-extractor"

// Config selects the OTLP/HTTP endpoints.
type Config struct {
	ServiceName     string            `yaml:"service_name"`
	TracesEndpoint  string            `yaml:"traces_endpoint"`
	MetricsEndpoint string            `yaml:"metrics_endpoint"`
	Headers         map[string]string `yaml:"headers"`
	MetricInterval  time.Duration     `yaml:"metric_interval"`
}

// ShutdownFunc flushes and stops the installed providers.
type ShutdownFunc func(ctx context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup installs the providers named by cfg as the otel globals.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if cfg.TracesEndpoint == "" && cfg.MetricsEndpoint == "" {
		slog.Debug("telemetry disabled")
		return noopShutdown, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	r, err := newResource(cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	var shutdowns []ShutdownFunc
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdowns {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}

	if cfg.TracesEndpoint != "" {
		tp, err := newTraceProvider(ctx, r, cfg)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	if cfg.MetricsEndpoint != "" {
		mp, err := newMetricProvider(ctx, r, cfg)
		if err != nil {
			_ = shutdown(ctx)
			return nil, err
		}
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	}

	return shutdown, nil
}

func newResource(serviceName string) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
}

func newTraceProvider(ctx context.Context, r *resource.Resource, cfg Config) (*trace.TracerProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	slog.Info("tracer export initialized",
		"type", "http",
		"endpoint", cfg.TracesEndpoint,
		"headers", len(cfg.Headers) > 0,
	)
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(cfg.TracesEndpoint),
		otlptracehttp.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return nil, err
	}
	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(r),
	), nil
}

func newMetricProvider(ctx context.Context, r *resource.Resource, cfg Config) (*metric.MeterProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	slog.Info("metric exporter initialized",
		"type", "http",
		"endpoint", cfg.MetricsEndpoint,
		"headers", len(cfg.Headers) > 0,
	)
	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpointURL(cfg.MetricsEndpoint),
		otlpmetrichttp.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return nil, err
	}
	return metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(interval))),
		metric.WithResource(r),
	), nil
}
