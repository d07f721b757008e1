package otel

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/rulesymbiosis/internal/config"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil meter (noop)")
	}
}

func TestInit_Disabled_ShutdownNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	// Shutdown should be a no-op and not error
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	if p.Tracer == nil {
		t.Fatal("expected non-nil Tracer")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil Meter")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "magic-pixie-dust",
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInit_ServiceNameDefault(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	// Service name defaults to "symbiosis"; no way to assert from outside,
	// but we verify no error on init.
}

func TestInit_CustomServiceName(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    "none",
		ServiceName: "my-custom-service",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
}

func TestInit_SampleRate(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:    true,
		Exporter:   "none",
		SampleRate: 0.5,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
}

func TestInit_TracerCreatesSpans(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := p.Tracer.Start(context.Background(), "test.span")
	if span == nil {
		t.Fatal("expected non-nil span")
	}
	span.End()
	_ = ctx
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "evolver.generation",
		AttrRunID.String("run-1"),
		AttrGeneration.Int(3),
	)
	if !span.SpanContext().IsValid() {
		t.Fatal("expected a recording span context")
	}
	span.End()

	_, span2 := StartServerSpan(context.Background(), p.Tracer, "gateway.ingest", AttrRoute.String("/v1/outcomes"))
	span2.End()
}

func TestFromConfig(t *testing.T) {
	c := FromConfig(config.OTelConfig{Enabled: true, Exporter: "stdout", SampleRate: 0.5, Metrics: "prometheus"})
	if !c.Enabled || c.Exporter != "stdout" || c.SampleRate != 0.5 || c.Metrics != MetricsPrometheus {
		t.Fatalf("unexpected mapping: %+v", c)
	}
}

func TestInit_PrometheusMetricsWithoutTracing(t *testing.T) {
	p, err := Init(context.Background(), Config{Metrics: MetricsPrometheus})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.TracerProvider != nil {
		t.Fatal("expected tracing to stay off")
	}
	if p.MetricsHandler() == nil {
		t.Fatal("expected prometheus handler")
	}

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.Generations.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != 200 || !strings.Contains(string(body), "symbiosis_generations") {
		t.Fatalf("expected generations counter in scrape, got %d:\n%s", rec.Code, body)
	}
}

func TestInit_PrometheusProvidersAreIsolated(t *testing.T) {
	for i := 0; i < 2; i++ {
		p, err := Init(context.Background(), Config{Metrics: MetricsPrometheus})
		if err != nil {
			t.Fatalf("Init %d: %v", i, err)
		}
		if _, err := NewMetrics(p.Meter); err != nil {
			t.Fatalf("NewMetrics %d: %v", i, err)
		}
		_ = p.Shutdown(context.Background())
	}
}

func TestInit_StdoutMetrics(t *testing.T) {
	p, err := Init(context.Background(), Config{Metrics: MetricsStdout})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.MetricsHandler() != nil {
		t.Fatal("expected no scrape handler for stdout metrics")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_UnknownMetricsExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", Metrics: "carrier-pigeon"})
	if !errors.Is(err, ErrUnknownExporter) {
		t.Fatalf("expected ErrUnknownExporter, got %v", err)
	}
}
