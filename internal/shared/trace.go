// Package shared holds the correlation ids carried through request and run
// contexts.
package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type ctxKey uint8

const (
	traceKey ctxKey = iota
	runKey
	taskKey
)

func with(ctx context.Context, k ctxKey, id string) context.Context {
	return context.WithValue(ctx, k, id)
}

func lookup(ctx context.Context, k ctxKey) string {
	id, _ := ctx.Value(k).(string)
	return id
}

// WithTraceID tags a gateway request.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return with(ctx, traceKey, traceID)
}

// TraceID returns "-" outside a request so log lines keep a fixed shape.
func TraceID(ctx context.Context) string {
	if id := lookup(ctx, traceKey); id != "" {
		return id
	}
	return "-"
}

// WithRunID tags an evolution run; the evolver adopts it instead of minting one.
func WithRunID(ctx context.Context, runID string) context.Context {
	return with(ctx, runKey, runID)
}

func RunID(ctx context.Context) string { return lookup(ctx, runKey) }

// WithTaskID tags work done on behalf of one observed task.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return with(ctx, taskKey, taskID)
}

func TaskID(ctx context.Context) string { return lookup(ctx, taskKey) }

// LogAttrs returns the ids present in ctx. trace_id is always included.
func LogAttrs(ctx context.Context) []slog.Attr {
	attrs := []slog.Attr{slog.String("trace_id", TraceID(ctx))}
	if id := RunID(ctx); id != "" {
		attrs = append(attrs, slog.String("run_id", id))
	}
	if id := TaskID(ctx); id != "" {
		attrs = append(attrs, slog.String("task_id", id))
	}
	return attrs
}

func NewTraceID() string { return uuid.NewString() }

func NewRunID() string { return uuid.NewString() }
