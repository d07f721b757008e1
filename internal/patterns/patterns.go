// Package patterns mines recorded rule interactions for consistently positive
// combinations, and activation history for frequent rule sequences and
// per-context rule affinities.
package patterns

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/rulesymbiosis/internal/bus"
	"github.com/basket/rulesymbiosis/internal/config"
	otelx "github.com/basket/rulesymbiosis/internal/otel"
	"github.com/basket/rulesymbiosis/internal/rules"
)

type CooccurrenceSource interface {
	QueryCooccurrence(ctx context.Context, minOccurrences int) (map[string][]rules.RuleInteraction, error)
}

// PatternWriter replaces the stored pattern set.
type PatternWriter interface {
	ReplacePatterns(ctx context.Context, patterns []rules.DiscoveredPattern) error
}

// Detector is stateless between calls; every Analyze recomputes from the source.
type Detector struct {
	cfg config.PatternsConfig
	src CooccurrenceSource

	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otelx.Metrics
}

func New(cfg config.PatternsConfig, src CooccurrenceSource) (*Detector, error) {
	if src == nil {
		return nil, &config.ConfigurationError{Field: "patterns.source", Reason: "interaction source is required"}
	}
	if cfg.ConsistencyThreshold <= 0 {
		return nil, &config.ConfigurationError{Field: "patterns.consistency_threshold", Reason: fmt.Sprintf("must be > 0, got %g", cfg.ConsistencyThreshold)}
	}
	if cfg.MaxConfidence <= 0 || cfg.MaxConfidence > 1 {
		return nil, &config.ConfigurationError{Field: "patterns.max_confidence", Reason: fmt.Sprintf("must be in (0,1], got %g", cfg.MaxConfidence)}
	}
	return &Detector{cfg: cfg, src: src}, nil
}

// Analyze returns every rule combination with at least minOccurrences
// interactions whose effects are both strongly and consistently positive.
// minOccurrences <= 0 uses the configured minimum.
func (d *Detector) Analyze(ctx context.Context, minOccurrences int) ([]rules.DiscoveredPattern, error) {
	if minOccurrences <= 0 {
		minOccurrences = d.cfg.MinOccurrences
	}
	groups, err := d.src.QueryCooccurrence(ctx, minOccurrences)
	if err != nil {
		return nil, fmt.Errorf("analyze patterns: %w", err)
	}

	var out []rules.DiscoveredPattern
	for key, interactions := range groups {
		n := len(interactions)
		if n < minOccurrences || n == 0 {
			continue
		}
		mean, std := meanStd(interactions)
		if mean <= d.cfg.EffectThreshold || std >= d.cfg.ConsistencyThreshold {
			continue
		}
		ruleSet := rules.SplitComboKey(key)
		tags := aggregateTags(interactions)
		out = append(out, rules.DiscoveredPattern{
			Name:        d.name(ruleSet, tags),
			Rules:       ruleSet,
			AvgEffect:   mean,
			StdDev:      std,
			Occurrences: n,
			Tags:        tags,
			Confidence:  math.Min(d.cfg.MaxConfidence, mean+0.1*math.Log(float64(n))),
		})
	}
	slices.SortFunc(out, func(a, b rules.DiscoveredPattern) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(rules.ComboKey(a.Rules), rules.ComboKey(b.Rules))
	})
	return out, nil
}

// Discover runs Analyze with the configured minimum and replaces the stored
// pattern set with the result.
func (d *Detector) Discover(ctx context.Context, w PatternWriter) ([]rules.DiscoveredPattern, error) {
	found, err := d.Analyze(ctx, 0)
	if err != nil {
		return nil, err
	}
	if err := w.ReplacePatterns(ctx, found); err != nil {
		return nil, fmt.Errorf("store patterns: %w", err)
	}

	names := make([]string, len(found))
	for i, p := range found {
		names[i] = p.Name
	}
	if d.Metrics != nil {
		d.Metrics.PatternsFound.Add(ctx, int64(len(found)), metric.WithAttributes(otelx.AttrKind.String("synergy")))
	}
	d.logger().Info("patterns discovered", "count", len(found))
	d.Bus.Publish(bus.TopicPatternsDiscovered, bus.PatternsDiscoveredEvent{Count: len(found), Names: names})
	return found, nil
}

// DetectTags returns the emergent-property tags whose rule pairs are all
// present in rs, in configuration order.
func (d *Detector) DetectTags(rs []string) []string {
	return DetectTags(d.cfg.Emergent, rs)
}

func DetectTags(table []config.EmergentTag, rs []string) []string {
	var tags []string
	for _, e := range table {
		if len(e.Rules) > 0 && rules.ContainsAll(rs, e.Rules) && !slices.Contains(tags, e.Tag) {
			tags = append(tags, e.Tag)
		}
	}
	return tags
}

// name picks the first configured name whose tags are all present, else
// builds one from the last dash segment of the first two rules.
func (d *Detector) name(ruleSet, tags []string) string {
	for _, n := range d.cfg.Names {
		if len(n.Tags) > 0 && rules.ContainsAll(tags, n.Tags) {
			return n.Name
		}
	}
	parts := make([]string, 0, 2)
	for _, r := range ruleSet {
		if len(parts) == 2 {
			break
		}
		parts = append(parts, r[strings.LastIndex(r, "-")+1:])
	}
	return fmt.Sprintf("Emergent %s Synergy", strings.Join(parts, "-"))
}

func (d *Detector) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// meanStd returns the mean and population standard deviation of the effects.
func meanStd(in []rules.RuleInteraction) (float64, float64) {
	var sum float64
	for _, i := range in {
		sum += i.Effect
	}
	mean := sum / float64(len(in))
	var sq float64
	for _, i := range in {
		d := i.Effect - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(in)))
}

func aggregateTags(in []rules.RuleInteraction) []string {
	var tags []string
	for _, i := range in {
		for _, t := range i.Tags {
			if !slices.Contains(tags, t) {
				tags = append(tags, t)
			}
		}
	}
	slices.Sort(tags)
	return tags
}
