// Package collector turns live rule execution callbacks into telemetry:
// activations as they happen, then one outcome and one interaction record
// per completed task.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/basket/rulesymbiosis/internal/config"
	"github.com/basket/rulesymbiosis/internal/patterns"
	"github.com/basket/rulesymbiosis/internal/persistence"
	"github.com/basket/rulesymbiosis/internal/rules"
	"github.com/basket/rulesymbiosis/internal/shared"
)

// ActivationRecorder stores an activation and returns the task's previous rule.
type ActivationRecorder interface {
	Record(ctx context.Context, a rules.RuleActivation) (string, error)
}

type OutcomeStore interface {
	RecordOutcome(ctx context.Context, o rules.TaskOutcome) error
	RecordInteraction(ctx context.Context, in rules.RuleInteraction) (rules.RuleInteraction, error)
}

// Event describes one rule activation as reported by the execution environment.
type Event struct {
	TaskID       string
	ContextType  string
	TokensBefore int
	TokensAfter  int
	DurationMS   int64
	Success      bool
	ErrorKind    string
}

// Report is the completion summary of a task.
type Report struct {
	Status          rules.OutcomeStatus
	Quality         float64
	Creativity      float64
	SafetyIncidents int
	Revisions       int
	// TotalTokens of 0 sums TokensAfter over the task's activations.
	TotalTokens int
}

type Options struct {
	Recorder ActivationRecorder
	Store    OutcomeStore
	Emergent []config.EmergentTag
	Clock    func() time.Time
	Logger   *slog.Logger
}

type taskState struct {
	rules   []string
	started time.Time
	tokens  int
}

// Collector is safe for concurrent producers.
type Collector struct {
	recorder ActivationRecorder
	store    OutcomeStore
	emergent []config.EmergentTag
	clock    func() time.Time
	logger   *slog.Logger

	mu    sync.Mutex
	tasks map[string]*taskState
}

func New(opts Options) (*Collector, error) {
	if opts.Recorder == nil || opts.Store == nil {
		return nil, &config.ConfigurationError{Field: "collector", Reason: "recorder and store are required"}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		recorder: opts.Recorder,
		store:    opts.Store,
		emergent: opts.Emergent,
		clock:    clock,
		logger:   logger,
		tasks:    make(map[string]*taskState),
	}, nil
}

// OnRuleActivated records the activation and tracks it against its task.
func (c *Collector) OnRuleActivated(ctx context.Context, ruleID string, ev Event) error {
	if strings.TrimSpace(ev.TaskID) == "" {
		return fmt.Errorf("rule %s activated without a task id", ruleID)
	}
	ctx = shared.WithTaskID(ctx, ev.TaskID)
	contextType := ev.ContextType
	if contextType == "" {
		contextType = rules.ContextGeneral
	}
	now := c.clock()
	a := rules.RuleActivation{
		RuleID:       ruleID,
		Timestamp:    now,
		TaskID:       ev.TaskID,
		ContextType:  contextType,
		TokensBefore: ev.TokensBefore,
		TokensAfter:  ev.TokensAfter,
		DurationMS:   ev.DurationMS,
		Success:      ev.Success,
		ErrorKind:    ev.ErrorKind,
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if _, err := c.recorder.Record(ctx, a); err != nil {
		return fmt.Errorf("record activation: %w", err)
	}

	c.mu.Lock()
	st, ok := c.tasks[ev.TaskID]
	if !ok {
		st = &taskState{started: now}
		c.tasks[ev.TaskID] = st
	}
	st.rules = append(st.rules, ruleID)
	st.tokens += ev.TokensAfter
	c.mu.Unlock()
	return nil
}

// OnTaskCompleted records the task outcome and, when two or more distinct
// rules ran, their interaction. An unknown task id is a no-op and returns nil.
// A task whose outcome write fails stays pending so the completion can be
// retried; only a duplicate outcome for the task drops it.
func (c *Collector) OnTaskCompleted(ctx context.Context, taskID string, rep Report) (*rules.TaskOutcome, error) {
	ctx = shared.WithTaskID(ctx, taskID)
	c.mu.Lock()
	st, ok := c.tasks[taskID]
	delete(c.tasks, taskID)
	c.mu.Unlock()
	if !ok {
		c.logger.DebugContext(ctx, "completion for unknown task ignored")
		return nil, nil
	}

	status := rep.Status
	if status == "" {
		status = rules.StatusSuccess
	}
	tokens := rep.TotalTokens
	if tokens == 0 {
		tokens = st.tokens
	}
	outcome := rules.TaskOutcome{
		TaskID:          taskID,
		RuleSequence:    st.rules,
		TotalTokens:     tokens,
		TotalTimeMS:     c.clock().Sub(st.started).Milliseconds(),
		Quality:         rep.Quality,
		Creativity:      rep.Creativity,
		SafetyIncidents: rep.SafetyIncidents,
		Revisions:       rep.Revisions,
		Status:          status,
	}
	if err := c.store.RecordOutcome(ctx, outcome); err != nil {
		if !errors.Is(err, persistence.ErrDuplicateTask) {
			c.restore(taskID, st)
		}
		return nil, fmt.Errorf("record outcome: %w", err)
	}

	distinct := rules.Dedup(st.rules)
	if len(distinct) >= 2 {
		in, err := c.store.RecordInteraction(ctx, rules.RuleInteraction{
			TaskID: taskID,
			Rules:  distinct,
			Effect: Effect(rep),
			Tags:   patterns.DetectTags(c.emergent, distinct),
		})
		if err != nil {
			return &outcome, fmt.Errorf("record interaction: %w", err)
		}
		c.logger.DebugContext(ctx, "interaction recorded", "kind", in.Kind, "effect", in.Effect)
	}
	c.logger.InfoContext(ctx, "task completed", "status", status, "rules", len(st.rules))
	return &outcome, nil
}

// restore puts a claimed task back, ahead of any activations that arrived
// while its completion was in flight.
func (c *Collector) restore(taskID string, st *taskState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.tasks[taskID]; ok {
		cur.rules = append(slices.Clone(st.rules), cur.rules...)
		cur.tokens += st.tokens
		cur.started = st.started
		return
	}
	c.tasks[taskID] = st
}

// Pending returns the number of tasks started but not completed.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Effect derives a combined interaction effect in [-1, 1] from a completion report.
func Effect(rep Report) float64 {
	var success float64
	switch rep.Status {
	case rules.StatusSuccess, "":
		success = 1
	case rules.StatusPartial:
		success = 0.5
	}
	e := 2*(0.5*rep.Quality+0.3*rep.Creativity+0.2*success) - 1 - 0.25*float64(rep.SafetyIncidents)
	return math.Max(-1, math.Min(1, e))
}
