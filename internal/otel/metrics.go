package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the evolution and ingest instruments.
type Metrics struct {
	GenerationDuration metric.Float64Histogram
	Generations        metric.Int64Counter
	BestFitness        metric.Float64Gauge
	EvaluationErrors   metric.Int64Counter
	RunsFinished       metric.Int64Counter
	Ingested           metric.Int64Counter
	PatternsFound      metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.GenerationDuration, err = meter.Float64Histogram("symbiosis.generation.duration",
		metric.WithDescription("Wall time of one evolved generation in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Generations, err = meter.Int64Counter("symbiosis.generations",
		metric.WithDescription("Generations completed"),
	)
	if err != nil {
		return nil, err
	}

	m.BestFitness, err = meter.Float64Gauge("symbiosis.fitness.best",
		metric.WithDescription("Best fitness in the latest generation"),
	)
	if err != nil {
		return nil, err
	}

	m.EvaluationErrors, err = meter.Int64Counter("symbiosis.evaluation.errors",
		metric.WithDescription("Generations aborted by a fitness evaluation error"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsFinished, err = meter.Int64Counter("symbiosis.runs.finished",
		metric.WithDescription("Evolution runs finished, by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.Ingested, err = meter.Int64Counter("symbiosis.telemetry.ingested",
		metric.WithDescription("Telemetry records accepted, by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.PatternsFound, err = meter.Int64Counter("symbiosis.patterns.discovered",
		metric.WithDescription("Patterns produced by discovery runs"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
