// Package fitness scores rule combinations from historical telemetry, falling
// back to a bounded heuristic when a combination has never been observed.
package fitness

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/rulesymbiosis/internal/config"
	"github.com/basket/rulesymbiosis/internal/persistence"
	"github.com/basket/rulesymbiosis/internal/rules"
)

// AggregateQuerier is the telemetry store's aggregate query.
type AggregateQuerier interface {
	QueryAggregate(ctx context.Context, filter []string) (persistence.Aggregate, error)
}

// TransitionValuer exposes learned rule-to-rule values.
type TransitionValuer interface {
	Value(prev, next string) float64
}

const (
	PathData      = "data"
	PathHeuristic = "heuristic"
)

// Score is the full breakdown behind one fitness value.
type Score struct {
	Path        string  `json:"path" yaml:"path"`
	Fitness     float64 `json:"fitness" yaml:"fitness"`
	Raw         float64 `json:"raw" yaml:"raw"`
	SampleCount int     `json:"sample_count" yaml:"sample_count"`

	Quality     float64 `json:"quality,omitempty" yaml:"quality,omitempty"`
	Creativity  float64 `json:"creativity,omitempty" yaml:"creativity,omitempty"`
	Efficiency  float64 `json:"efficiency,omitempty" yaml:"efficiency,omitempty"`
	Speed       float64 `json:"speed,omitempty" yaml:"speed,omitempty"`
	Safety      float64 `json:"safety,omitempty" yaml:"safety,omitempty"`
	Accuracy    float64 `json:"accuracy,omitempty" yaml:"accuracy,omitempty"`
	SuccessRate float64 `json:"success_rate,omitempty" yaml:"success_rate,omitempty"`

	SynergyBonus    float64  `json:"synergy_bonus,omitempty" yaml:"synergy_bonus,omitempty"`
	TransitionBonus float64  `json:"transition_bonus,omitempty" yaml:"transition_bonus,omitempty"`
	Synergies       []string `json:"synergies,omitempty" yaml:"synergies,omitempty"`

	HeuristicBase   float64 `json:"heuristic_base,omitempty" yaml:"heuristic_base,omitempty"`
	EssentialBonus  float64 `json:"essential_bonus,omitempty" yaml:"essential_bonus,omitempty"`
	ConflictPenalty float64 `json:"conflict_penalty,omitempty" yaml:"conflict_penalty,omitempty"`
	BalanceBonus    float64 `json:"balance_bonus,omitempty" yaml:"balance_bonus,omitempty"`
	SizePenalty     float64 `json:"size_penalty,omitempty" yaml:"size_penalty,omitempty"`
}

// Evaluator is deterministic: identical telemetry and rules give identical scores.
type Evaluator struct {
	cfg   config.FitnessConfig
	heur  config.HeuristicConfig
	store AggregateQuerier
	q     TransitionValuer
}

// New validates the weight table eagerly. q may be nil, which disables the
// transition bonus.
func New(cfg config.FitnessConfig, heur config.HeuristicConfig, store AggregateQuerier, q TransitionValuer) (*Evaluator, error) {
	if store == nil {
		return nil, &config.ConfigurationError{Field: "fitness.store", Reason: "telemetry store is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := heur.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{cfg: cfg, heur: heur, store: store, q: q}, nil
}

func (e *Evaluator) Evaluate(ctx context.Context, p rules.Profile) (float64, error) {
	s, err := e.Breakdown(ctx, p)
	if err != nil {
		return 0, err
	}
	return s.Fitness, nil
}

// Breakdown computes fitness and keeps every component. Storage errors are
// returned as-is; no default score is substituted.
func (e *Evaluator) Breakdown(ctx context.Context, p rules.Profile) (Score, error) {
	if len(p.Rules) == 0 {
		return Score{}, fmt.Errorf("evaluate profile %s: no rules", p.ID)
	}
	agg, err := e.store.QueryAggregate(ctx, p.Rules)
	if err != nil {
		return Score{}, fmt.Errorf("evaluate profile %s: %w", p.ID, err)
	}
	if agg.SampleCount == 0 {
		return e.heuristic(p.Rules), nil
	}
	return e.dataDriven(p.Rules, agg), nil
}

func (e *Evaluator) dataDriven(rs []string, agg persistence.Aggregate) Score {
	w := e.cfg.Weights
	s := Score{
		Path:        PathData,
		SampleCount: agg.SampleCount,
		Quality:     agg.AvgQuality,
		Creativity:  agg.AvgCreativity,
		Efficiency:  1 / (1 + agg.AvgTokens/1000),
		Speed:       1 / (1 + agg.AvgTimeMS/1000),
		Safety:      1 / (1 + agg.SafetyIncidentRate),
		Accuracy:    1 / (1 + agg.RevisionRate),
		SuccessRate: agg.SuccessRate,
	}
	weighted := w.Quality*s.Quality +
		w.Creativity*s.Creativity +
		w.Efficiency*s.Efficiency +
		w.Speed*s.Speed +
		w.Safety*s.Safety +
		w.Accuracy*s.Accuracy +
		w.SuccessRate*s.SuccessRate

	s.SynergyBonus, s.Synergies = e.knownSynergies(rs)
	s.TransitionBonus = e.transitionBonus(rs)
	s.Raw = weighted + s.SynergyBonus + s.TransitionBonus
	s.Fitness = clamp(s.Raw, 0, 1)
	return s
}

// SynergyBonus is the configured-synergy plus learned-transition bonus for rs.
func (e *Evaluator) SynergyBonus(rs []string) float64 {
	known, _ := e.knownSynergies(rs)
	return known + e.transitionBonus(rs)
}

func (e *Evaluator) knownSynergies(rs []string) (float64, []string) {
	var (
		bonus float64
		names []string
	)
	for _, syn := range e.cfg.Synergies {
		if rules.ContainsAll(rs, syn.Rules) {
			bonus += syn.Bonus
			name := syn.Name
			if name == "" {
				name = strings.Join(syn.Rules, "+")
			}
			names = append(names, name)
		}
	}
	return bonus, names
}

func (e *Evaluator) transitionBonus(rs []string) float64 {
	if e.q == nil {
		return 0
	}
	var bonus float64
	for i := 0; i+1 < len(rs); i++ {
		if e.q.Value(rs[i], rs[i+1]) > e.cfg.TransitionThreshold {
			bonus += e.cfg.TransitionBonus
		}
	}
	return bonus
}

func (e *Evaluator) heuristic(rs []string) Score {
	h := e.heur
	s := Score{Path: PathHeuristic, HeuristicBase: h.Base}

	for _, ess := range h.Essential {
		if rules.Contains(rs, ess.Rule) {
			s.EssentialBonus += ess.Bonus
		}
	}
	for _, cf := range h.Conflicts {
		if !rules.ContainsAll(rs, cf.Rules) {
			continue
		}
		if cf.Mediator != "" && rules.Contains(rs, cf.Mediator) {
			continue
		}
		s.ConflictPenalty += cf.Penalty
	}
	if len(h.Families) > 0 && balanced(rs, h.Families) {
		s.BalanceBonus = h.BalanceBonus
	}
	if over := len(rs) - h.SizeLimit; over > 0 {
		s.SizePenalty = h.SizePenalty * float64(over)
	}

	s.Raw = s.HeuristicBase + s.EssentialBonus - s.ConflictPenalty + s.BalanceBonus - s.SizePenalty
	s.Fitness = clamp(s.Raw, h.Floor, 1)
	return s
}

// balanced reports whether every family's member count falls in its range.
func balanced(rs []string, families []config.Family) bool {
	for _, f := range families {
		n := 0
		for _, r := range rs {
			if strings.HasPrefix(r, f.Prefix) {
				n++
			}
		}
		if n < f.Min || n > f.Max {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
