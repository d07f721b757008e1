// Package learner maintains the Q-table of rule-to-rule transition values.
package learner

import (
	"sort"
	"sync"

	"github.com/basket/rulesymbiosis/internal/config"
	"github.com/basket/rulesymbiosis/internal/persistence"
	"github.com/basket/rulesymbiosis/internal/rules"
)

// Transition is an ordered (previous, next) rule pair within one task.
type Transition struct {
	Prev string
	Next string
}

// Entry is a Transition with its current value.
type Entry struct {
	Transition
	Value float64
}

// QTable is safe for concurrent use. Entries are never evicted.
type QTable struct {
	mu     sync.RWMutex
	cfg    config.LearnerConfig
	values map[Transition]float64
}

func NewQTable(cfg config.LearnerConfig) *QTable {
	return &QTable{cfg: cfg, values: make(map[Transition]float64)}
}

// Value returns the estimate for prev -> next, 0 when unseen.
func (q *QTable) Value(prev, next string) float64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.values[Transition{Prev: prev, Next: next}]
}

// Reward scores one activation: success/failure base plus token-efficiency
// and fast-path bonuses.
func (q *QTable) Reward(a rules.RuleActivation) float64 {
	r := q.cfg.FailureReward
	if a.Success {
		r = q.cfg.SuccessReward
	}
	if float64(a.TokensAfter) < q.cfg.EfficiencyRatio*float64(a.TokensBefore) {
		r += q.cfg.EfficiencyBonus
	}
	if a.DurationMS < q.cfg.FastThresholdMS {
		r += q.cfg.FastBonus
	}
	return r
}

// Update applies Q <- Q + alpha*(reward - Q) and returns the new value.
func (q *QTable) Update(prev, next string, a rules.RuleActivation) float64 {
	reward := q.Reward(a)
	key := Transition{Prev: prev, Next: next}

	q.mu.Lock()
	defer q.mu.Unlock()
	old := q.values[key]
	v := old + q.cfg.LearningRate*(reward-old)
	q.values[key] = v
	return v
}

// LearningRate is the alpha applied by Update.
func (q *QTable) LearningRate() float64 { return q.cfg.LearningRate }

// Set overwrites the cached estimate for prev -> next.
func (q *QTable) Set(prev, next string, v float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.values[Transition{Prev: prev, Next: next}] = v
}

func (q *QTable) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.values)
}

// Snapshot returns every entry ordered by value descending, then by pair.
func (q *QTable) Snapshot() []Entry {
	q.mu.RLock()
	out := make([]Entry, 0, len(q.values))
	for k, v := range q.values {
		out = append(out, Entry{Transition: k, Value: v})
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		if out[i].Prev != out[j].Prev {
			return out[i].Prev < out[j].Prev
		}
		return out[i].Next < out[j].Next
	})
	return out
}

// Load replaces table contents with persisted values.
func (q *QTable) Load(values []persistence.QValue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.values = make(map[Transition]float64, len(values))
	for _, v := range values {
		q.values[Transition{Prev: v.Prev, Next: v.Next}] = v.Value
	}
}
