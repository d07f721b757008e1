// Package otel wires OpenTelemetry tracing and metrics for evolution runs and
// telemetry ingest. Traces and metrics are configured independently; anything
// left off gets a no-op provider.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/rulesymbiosis/internal/config"
)

const (
	TracerName = "rulesymbiosis"
	MeterName  = "rulesymbiosis"
	Version    = "v0.1.0"
)

// Metric exporters.
const (
	MetricsNone       = "none"
	MetricsPrometheus = "prometheus"
	MetricsStdout     = "stdout"
)

var ErrUnknownExporter = errors.New("unknown exporter")

type Config struct {
	// Enabled turns on tracing.
	Enabled bool
	// Exporter is the span exporter: otlp-http (default), stdout or none.
	// none keeps recording spans in-process without shipping them.
	Exporter    string
	Endpoint    string
	ServiceName string
	SampleRate  float64
	// Metrics is the metric exporter: none (default), prometheus or stdout.
	Metrics string
	// Attributes are added to the resource of both signals.
	Attributes []attribute.KeyValue
}

// FromConfig maps the yaml-facing options onto Config.
func FromConfig(c config.OTelConfig) Config {
	return Config{
		Enabled:     c.Enabled,
		Exporter:    c.Exporter,
		Endpoint:    c.Endpoint,
		ServiceName: c.ServiceName,
		SampleRate:  c.SampleRate,
		Metrics:     c.Metrics,
	}
}

func (c Config) metricsOn() bool {
	return c.Metrics != "" && c.Metrics != MetricsNone
}

// Provider holds the active tracer and meter. TracerProvider is nil while
// tracing is off.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	metricsHandler http.Handler
	closers        []func(context.Context) error
}

// Init builds both signals. The returned Provider must be Shut down on exit.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
		MeterProvider: noop.NewMeterProvider(),
	}
	p.Meter = p.MeterProvider.Meter(MeterName)
	if !cfg.Enabled && !cfg.metricsOn() {
		return p, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Enabled {
		if err := p.initTraces(ctx, cfg, res); err != nil {
			return nil, err
		}
	}
	if cfg.metricsOn() {
		if err := p.initMetrics(cfg, res); err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
	}
	return p, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "symbiosis"
	}
	attrs := append([]attribute.KeyValue{
		semconv.ServiceName(serviceName),
		attribute.String("symbiosis.version", Version),
	}, cfg.Attributes...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

func (p *Provider) initTraces(ctx context.Context, cfg Config, res *resource.Resource) error {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1.0
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	}
	exp, err := spanExporter(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create span exporter: %w", err)
	}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	p.TracerProvider = tp
	p.Tracer = tp.Tracer(TracerName)
	p.closers = append(p.closers, tp.Shutdown)
	return nil
}

// spanExporter returns nil for exporter=none.
func spanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %s (supported: otlp-http, stdout, none)", ErrUnknownExporter, cfg.Exporter)
	}
}

// initMetrics registers prometheus collectors on a private registry so two
// providers in one process never collide.
func (p *Provider) initMetrics(cfg Config, res *resource.Resource) error {
	var reader sdkmetric.Reader
	switch cfg.Metrics {
	case MetricsPrometheus:
		reg := prometheus.NewRegistry()
		exp, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return fmt.Errorf("create prometheus exporter: %w", err)
		}
		reader = exp
		p.metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	case MetricsStdout:
		exp, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("create stdout metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	default:
		return fmt.Errorf("%w: metrics %s (supported: prometheus, stdout, none)", ErrUnknownExporter, cfg.Metrics)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	p.MeterProvider = mp
	p.Meter = mp.Meter(MeterName)
	p.closers = append(p.closers, mp.Shutdown)
	return nil
}

// MetricsHandler serves the prometheus scrape endpoint; nil unless the
// metrics exporter is prometheus.
func (p *Provider) MetricsHandler() http.Handler { return p.metricsHandler }

// Shutdown flushes both signals, newest first, and reports every failure.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}
