// Package ingest validates externally produced telemetry records against
// JSON schemas and writes them to the telemetry store.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	otelx "github.com/basket/rulesymbiosis/internal/otel"
	"github.com/basket/rulesymbiosis/internal/persistence"
	"github.com/basket/rulesymbiosis/internal/rules"
)

// ActivationRecorder stores an activation and feeds the transition learner.
type ActivationRecorder interface {
	Record(ctx context.Context, a rules.RuleActivation) (string, error)
}

type RecordStore interface {
	RecordOutcome(ctx context.Context, o rules.TaskOutcome) error
	RecordInteraction(ctx context.Context, in rules.RuleInteraction) (rules.RuleInteraction, error)
}

type Config struct {
	Recorder ActivationRecorder
	Store    RecordStore
	Metrics  *otelx.Metrics
	Logger   *slog.Logger
	// Now stamps activations that arrive without a timestamp.
	Now func() time.Time
}

type Ingester struct {
	recorder ActivationRecorder
	store    RecordStore
	metrics  *otelx.Metrics
	logger   *slog.Logger
	now      func() time.Time
	schemas  schemas
}

func New(cfg Config) (*Ingester, error) {
	if cfg.Recorder == nil || cfg.Store == nil {
		return nil, errors.New("ingest: recorder and store are required")
	}
	s, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Ingester{
		recorder: cfg.Recorder,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		logger:   logger,
		now:      now,
		schemas:  s,
	}, nil
}

// Result reports what a single Apply wrote.
type Result struct {
	Kind        string                 `json:"kind"`
	TaskID      string                 `json:"task_id,omitempty"`
	PrevRule    string                 `json:"prev_rule,omitempty"`
	Interaction *rules.RuleInteraction `json:"interaction,omitempty"`
}

// Apply validates raw against the schema for kind and records it.
func (in *Ingester) Apply(ctx context.Context, kind string, raw []byte) (Result, error) {
	if err := in.schemas.validate(kind, raw); err != nil {
		return Result{Kind: kind}, err
	}
	res := Result{Kind: kind}
	switch kind {
	case KindActivation:
		var a rules.RuleActivation
		if err := json.Unmarshal(raw, &a); err != nil {
			return res, &ValidationError{Kind: kind, Message: err.Error()}
		}
		if a.Timestamp.IsZero() {
			a.Timestamp = in.now()
		}
		if a.ContextType == "" {
			a.ContextType = rules.ContextGeneral
		}
		prev, err := in.recorder.Record(ctx, a)
		if err != nil {
			return res, err
		}
		res.TaskID, res.PrevRule = a.TaskID, prev
	case KindOutcome:
		var o rules.TaskOutcome
		if err := json.Unmarshal(raw, &o); err != nil {
			return res, &ValidationError{Kind: kind, Message: err.Error()}
		}
		if err := in.store.RecordOutcome(ctx, o); err != nil {
			return res, err
		}
		res.TaskID = o.TaskID
	case KindInteraction:
		var ri rules.RuleInteraction
		if err := json.Unmarshal(raw, &ri); err != nil {
			return res, &ValidationError{Kind: kind, Message: err.Error()}
		}
		// "kind" names the record type here; the interaction kind is derived
		// from the effect.
		ri.Kind = ""
		stored, err := in.store.RecordInteraction(ctx, ri)
		if err != nil {
			return res, err
		}
		res.TaskID, res.Interaction = stored.TaskID, &stored
	}
	if in.metrics != nil {
		in.metrics.Ingested.Add(ctx, 1, metric.WithAttributes(otelx.AttrKind.String(kind)))
	}
	return res, nil
}

// Stats counts the outcome of a batch ingest.
type Stats struct {
	Accepted   map[string]int `json:"accepted"`
	Rejected   int            `json:"rejected"`
	Duplicates int            `json:"duplicates"`
}

// ReadJSONL applies one record per line. Each line carries a "kind" field
// naming its schema. Invalid and duplicate lines are counted and skipped;
// a storage failure stops the batch.
func (in *Ingester) ReadJSONL(ctx context.Context, r io.Reader) (Stats, error) {
	st := Stats{Accepted: map[string]int{}}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}
		var env struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			st.Rejected++
			in.logger.Warn("ingest: unreadable line", "line", line, "error", err)
			continue
		}
		_, err := in.Apply(ctx, env.Kind, []byte(raw))
		var verr *ValidationError
		switch {
		case err == nil:
			st.Accepted[env.Kind]++
		case errors.As(err, &verr), errors.Is(err, persistence.ErrInvalidRecord):
			st.Rejected++
			in.logger.Warn("ingest: rejected line", "line", line, "error", err)
		case errors.Is(err, persistence.ErrDuplicateTask):
			st.Duplicates++
			in.logger.Warn("ingest: duplicate outcome", "line", line, "error", err)
		default:
			return st, fmt.Errorf("ingest line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("read ingest stream: %w", err)
	}
	return st, nil
}
