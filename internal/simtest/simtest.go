// Package simtest generates synthetic telemetry for tests and demos. Nothing
// in the production path imports it.
package simtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/basket/rulesymbiosis/internal/rules"
)

type Options struct {
	// Catalog is the pool task rule sequences are drawn from.
	Catalog []string
	Tasks   int
	// Synergy is a pair that, when adjacent, yields high quality and a
	// consistent positive interaction effect.
	Synergy [2]string
	// SynergyRate is the fraction of tasks that open with the synergy pair.
	SynergyRate float64
	Seed        uint64
	Start       time.Time
}

type Fixture struct {
	Activations  []rules.RuleActivation
	Outcomes     []rules.TaskOutcome
	Interactions []rules.RuleInteraction
}

// Generate builds a deterministic fixture for opts.
func Generate(opts Options) Fixture {
	if opts.Tasks <= 0 {
		opts.Tasks = 50
	}
	if opts.SynergyRate == 0 {
		opts.SynergyRate = 0.5
	}
	if opts.Start.IsZero() {
		opts.Start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	hasSynergy := opts.Synergy[0] != "" && opts.Synergy[1] != ""

	var f Fixture
	for i := 0; i < opts.Tasks; i++ {
		taskID := fmt.Sprintf("sim-%04d", i)
		seq := drawSequence(rng, opts.Catalog, 2+rng.IntN(3))
		if hasSynergy && rng.Float64() < opts.SynergyRate {
			seq = withLeadingPair(seq, opts.Synergy)
		}
		synergistic := hasSynergy && adjacent(seq, opts.Synergy)

		quality := clamp01(0.5 + (rng.Float64()-0.5)*0.3)
		if synergistic {
			quality = clamp01(0.85 + (rng.Float64()-0.5)*0.1)
		}

		at := opts.Start.Add(time.Duration(i) * time.Minute)
		tokens := 1000
		var totalMS int64
		for j, r := range seq {
			after := tokens - 50 - rng.IntN(150)
			dur := int64(200 + rng.IntN(1800))
			totalMS += dur
			f.Activations = append(f.Activations, rules.RuleActivation{
				RuleID:       r,
				Timestamp:    at.Add(time.Duration(j) * time.Second),
				TaskID:       taskID,
				ContextType:  rules.ContextGeneral,
				TokensBefore: tokens,
				TokensAfter:  after,
				DurationMS:   dur,
				Success:      rng.Float64() < quality+0.2,
			})
			tokens = after
		}

		f.Outcomes = append(f.Outcomes, rules.TaskOutcome{
			TaskID:       taskID,
			RuleSequence: seq,
			TotalTokens:  1000 - tokens,
			TotalTimeMS:  totalMS,
			Quality:      quality,
			Creativity:   clamp01(0.4 + rng.Float64()*0.4),
			Revisions:    rng.IntN(3),
			Status:       statusFor(quality),
		})

		for j := 0; j+1 < len(seq); j++ {
			pair := []string{seq[j], seq[j+1]}
			effect := (rng.Float64() - 0.5) * 0.8
			if hasSynergy && rules.SameSet(pair, opts.Synergy[:]) {
				effect = 0.6 + (rng.Float64()-0.5)*0.08
			}
			f.Interactions = append(f.Interactions, rules.RuleInteraction{
				TaskID:     taskID,
				Rules:      pair,
				Effect:     effect,
				RecordedAt: at.Add(time.Duration(len(seq)) * time.Second),
			})
		}
	}
	return f
}

func drawSequence(rng *rand.Rand, catalog []string, n int) []string {
	if n > len(catalog) {
		n = len(catalog)
	}
	perm := rng.Perm(len(catalog))
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = catalog[perm[i]]
	}
	return out
}

// withLeadingPair puts the pair at the front and keeps the other rules in order.
func withLeadingPair(seq []string, pair [2]string) []string {
	out := []string{pair[0], pair[1]}
	for _, r := range seq {
		if r != pair[0] && r != pair[1] {
			out = append(out, r)
		}
	}
	return out
}

func adjacent(seq []string, pair [2]string) bool {
	for i := 0; i+1 < len(seq); i++ {
		if rules.SameSet(seq[i:i+2], pair[:]) {
			return true
		}
	}
	return false
}

func statusFor(q float64) rules.OutcomeStatus {
	switch {
	case q >= 0.6:
		return rules.StatusSuccess
	case q >= 0.4:
		return rules.StatusPartial
	default:
		return rules.StatusFailed
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Sink is the subset of the telemetry store a fixture loads into.
type Sink interface {
	RecordActivation(ctx context.Context, a rules.RuleActivation) (string, error)
	RecordOutcome(ctx context.Context, o rules.TaskOutcome) error
	RecordInteraction(ctx context.Context, in rules.RuleInteraction) (rules.RuleInteraction, error)
}

// Load writes every record of f into s.
func (f Fixture) Load(ctx context.Context, s Sink) error {
	for _, a := range f.Activations {
		if _, err := s.RecordActivation(ctx, a); err != nil {
			return fmt.Errorf("load activation %s/%s: %w", a.TaskID, a.RuleID, err)
		}
	}
	for _, o := range f.Outcomes {
		if err := s.RecordOutcome(ctx, o); err != nil {
			return fmt.Errorf("load outcome %s: %w", o.TaskID, err)
		}
	}
	for _, in := range f.Interactions {
		if _, err := s.RecordInteraction(ctx, in); err != nil {
			return fmt.Errorf("load interaction %s: %w", in.TaskID, err)
		}
	}
	return nil
}

type activationLine struct {
	Kind string `json:"kind"`
	rules.RuleActivation
}

type outcomeLine struct {
	Kind string `json:"kind"`
	rules.TaskOutcome
}

type interactionLine struct {
	Kind   string   `json:"kind"`
	TaskID string   `json:"task_id,omitempty"`
	Rules  []string `json:"rules"`
	Effect float64  `json:"effect"`
	Tags   []string `json:"tags,omitempty"`
}

// WriteJSONL writes f in the line format accepted by the ingest command.
func (f Fixture) WriteJSONL(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, a := range f.Activations {
		if err := enc.Encode(activationLine{Kind: "activation", RuleActivation: a}); err != nil {
			return err
		}
	}
	for _, o := range f.Outcomes {
		if err := enc.Encode(outcomeLine{Kind: "outcome", TaskOutcome: o}); err != nil {
			return err
		}
	}
	for _, in := range f.Interactions {
		line := interactionLine{Kind: "interaction", TaskID: in.TaskID, Rules: in.Rules, Effect: in.Effect, Tags: in.Tags}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}
