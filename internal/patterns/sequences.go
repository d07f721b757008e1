package patterns

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/basket/rulesymbiosis/internal/persistence"
)

const (
	minSequenceLen = 2
	maxSequenceLen = 5
)

type SequenceSource interface {
	SuccessfulSequences(ctx context.Context) ([]persistence.TaskSequence, error)
}

type ContextSource interface {
	ContextStats(ctx context.Context, minSamples int) ([]persistence.ContextStat, error)
}

// Sequence is an ordered run of rules seen contiguously in successful tasks.
type Sequence struct {
	Rules []string `json:"rules" yaml:"rules"`
	Count int      `json:"count" yaml:"count"`
}

// FrequentSequences counts every contiguous subsequence of length 2 to 5 in
// the successful activation sequence of each task and returns the top most
// frequent, ties broken by the sequence itself.
func FrequentSequences(ctx context.Context, src SequenceSource, top int) ([]Sequence, error) {
	seqs, err := src.SuccessfulSequences(ctx)
	if err != nil {
		return nil, fmt.Errorf("frequent sequences: %w", err)
	}
	counts := make(map[string]int)
	for _, s := range seqs {
		for n := minSequenceLen; n <= maxSequenceLen; n++ {
			for i := 0; i+n <= len(s.Rules); i++ {
				counts[strings.Join(s.Rules[i:i+n], "\x1f")]++
			}
		}
	}

	out := make([]Sequence, 0, len(counts))
	for key, c := range counts {
		out = append(out, Sequence{Rules: strings.Split(key, "\x1f"), Count: c})
	}
	slices.SortFunc(out, func(a, b Sequence) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return slices.Compare(a.Rules, b.Rules)
	})
	if top > 0 && len(out) > top {
		out = out[:top]
	}
	return out, nil
}

// Affinity scores how well a rule performs in one execution context.
type Affinity struct {
	Context string  `json:"context" yaml:"context"`
	RuleID  string  `json:"rule_id" yaml:"rule_id"`
	Score   float64 `json:"score" yaml:"score"`
	Samples int     `json:"samples" yaml:"samples"`
}

// ContextAffinities weighs success rate 0.7 and speed 0.3 for every
// (context, rule) pair with more than minSamples activations. The result is
// grouped by context, best rule first.
func ContextAffinities(ctx context.Context, src ContextSource, minSamples int) ([]Affinity, error) {
	stats, err := src.ContextStats(ctx, minSamples)
	if err != nil {
		return nil, fmt.Errorf("context affinities: %w", err)
	}
	out := make([]Affinity, 0, len(stats))
	for _, s := range stats {
		out = append(out, Affinity{
			Context: s.Context,
			RuleID:  s.RuleID,
			Score:   0.7*s.SuccessRate() + 0.3/(1+s.AvgDurationMS/1000),
			Samples: s.Total,
		})
	}
	slices.SortFunc(out, func(a, b Affinity) int {
		if c := cmp.Compare(a.Context, b.Context); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.RuleID, b.RuleID)
	})
	return out, nil
}
