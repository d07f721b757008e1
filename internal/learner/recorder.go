package learner

import (
	"context"
	"log/slog"

	"github.com/basket/rulesymbiosis/internal/rules"
)

// ActivationStore is the slice of the telemetry store the recorder writes to.
type ActivationStore interface {
	RecordActivation(ctx context.Context, a rules.RuleActivation) (string, error)
	UpdateQValue(ctx context.Context, prev, next string, alpha, reward float64) (float64, error)
}

// Recorder persists activations and feeds the transition side channel. The
// store holds the authoritative Q values; Table is refreshed from each write.
type Recorder struct {
	Store  ActivationStore
	Table  *QTable
	Logger *slog.Logger
}

// Record stores a and, when the task already had an earlier rule, applies the
// transition update against the stored value. It returns the resolved predecessor.
func (r *Recorder) Record(ctx context.Context, a rules.RuleActivation) (string, error) {
	prev, err := r.Store.RecordActivation(ctx, a)
	if err != nil {
		return "", err
	}
	if prev == "" {
		return "", nil
	}
	v, err := r.Store.UpdateQValue(ctx, prev, a.RuleID, r.Table.LearningRate(), r.Table.Reward(a))
	if err != nil {
		return prev, err
	}
	r.Table.Set(prev, a.RuleID, v)
	r.logger().Debug("transition updated", "task_id", a.TaskID, "prev_rule", prev, "rule_id", a.RuleID, "q", v)
	return prev, nil
}

func (r *Recorder) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
