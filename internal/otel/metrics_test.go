package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.GenerationDuration == nil || m.Generations == nil || m.BestFitness == nil {
		t.Fatal("generation instruments missing")
	}
	if m.EvaluationErrors == nil || m.RunsFinished == nil {
		t.Fatal("run instruments missing")
	}
	if m.Ingested == nil || m.PatternsFound == nil {
		t.Fatal("telemetry instruments missing")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	m.Generations.Add(context.Background(), 1)
	m.BestFitness.Record(context.Background(), 0.5)
}
