package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrRunID       = attribute.Key("symbiosis.run.id")
	AttrGeneration  = attribute.Key("symbiosis.generation")
	AttrPopulation  = attribute.Key("symbiosis.population")
	AttrBestFitness = attribute.Key("symbiosis.fitness.best")
	AttrReason      = attribute.Key("symbiosis.run.reason")
	AttrKind        = attribute.Key("symbiosis.telemetry.kind")
	AttrTaskID      = attribute.Key("symbiosis.task.id")
	AttrRoute       = attribute.Key("symbiosis.http.route")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
