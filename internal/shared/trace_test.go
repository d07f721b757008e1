package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestRunID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RunID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	id := NewRunID()
	if id == "" || id == NewRunID() {
		t.Fatalf("expected unique non-empty run ids, got %q", id)
	}
	ctx = WithRunID(ctx, id)
	if got := RunID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestLogAttrs_OnlyPresentIDs(t *testing.T) {
	attrs := LogAttrs(context.Background())
	if len(attrs) != 1 || attrs[0].Key != "trace_id" || attrs[0].Value.String() != "-" {
		t.Fatalf("expected lone trace_id placeholder, got %v", attrs)
	}

	ctx := WithTaskID(WithRunID(WithTraceID(context.Background(), "tr"), "run"), "task")
	attrs = LogAttrs(ctx)
	got := map[string]string{}
	for _, a := range attrs {
		got[a.Key] = a.Value.String()
	}
	if got["trace_id"] != "tr" || got["run_id"] != "run" || got["task_id"] != "task" {
		t.Fatalf("expected all three ids, got %v", got)
	}
}
