// Package rules holds the domain types shared by the telemetry store, the
// fitness evaluator, the evolver and pattern discovery.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Context tags attached to activations by the rule execution environment.
const (
	ContextDivergence  = "divergence"
	ContextConvergence = "convergence"
	ContextGeneral     = "general"
)

// RuleActivation is one recorded rule execution. Immutable once recorded.
type RuleActivation struct {
	RuleID       string    `json:"rule_id"`
	Timestamp    time.Time `json:"timestamp"`
	TaskID       string    `json:"task_id"`
	ContextType  string    `json:"context_type"`
	TokensBefore int       `json:"tokens_before"`
	TokensAfter  int       `json:"tokens_after"`
	DurationMS   int64     `json:"duration_ms"`
	Success      bool      `json:"success"`
	ErrorKind    string    `json:"error_kind,omitempty"`
}

// Validate reports whether the activation carries the fields the store keys on.
func (a RuleActivation) Validate() error {
	if strings.TrimSpace(a.RuleID) == "" {
		return fmt.Errorf("activation: rule_id is required")
	}
	if strings.TrimSpace(a.TaskID) == "" {
		return fmt.Errorf("activation: task_id is required")
	}
	if a.Timestamp.IsZero() {
		return fmt.Errorf("activation: timestamp is required")
	}
	if a.TokensBefore < 0 || a.TokensAfter < 0 || a.DurationMS < 0 {
		return fmt.Errorf("activation: token counts and duration must be non-negative")
	}
	return nil
}

type OutcomeStatus string

const (
	StatusSuccess OutcomeStatus = "success"
	StatusPartial OutcomeStatus = "partial"
	StatusFailed  OutcomeStatus = "failed"
)

// ParseStatus maps a raw status string onto the canonical set.
func ParseStatus(raw string) (OutcomeStatus, error) {
	switch OutcomeStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusSuccess:
		return StatusSuccess, nil
	case StatusPartial:
		return StatusPartial, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("unknown completion status %q", raw)
	}
}

// TaskOutcome summarizes one completed task. One outcome per task id.
type TaskOutcome struct {
	TaskID          string        `json:"task_id"`
	RuleSequence    []string      `json:"rule_sequence"`
	TotalTokens     int           `json:"total_tokens"`
	TotalTimeMS     int64         `json:"total_time_ms"`
	Quality         float64       `json:"quality"`
	Creativity      float64       `json:"creativity"`
	SafetyIncidents int           `json:"safety_incidents"`
	Revisions       int           `json:"revisions"`
	Status          OutcomeStatus `json:"status"`
}

func (o TaskOutcome) Validate() error {
	if strings.TrimSpace(o.TaskID) == "" {
		return fmt.Errorf("outcome: task_id is required")
	}
	if len(o.RuleSequence) == 0 {
		return fmt.Errorf("outcome %s: rule_sequence is empty", o.TaskID)
	}
	for _, r := range o.RuleSequence {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("outcome %s: blank rule id in sequence", o.TaskID)
		}
	}
	if o.Quality < 0 || o.Quality > 1 {
		return fmt.Errorf("outcome %s: quality %.3f outside [0,1]", o.TaskID, o.Quality)
	}
	if o.Creativity < 0 || o.Creativity > 1 {
		return fmt.Errorf("outcome %s: creativity %.3f outside [0,1]", o.TaskID, o.Creativity)
	}
	if o.TotalTokens < 0 || o.TotalTimeMS < 0 || o.SafetyIncidents < 0 || o.Revisions < 0 {
		return fmt.Errorf("outcome %s: negative counters", o.TaskID)
	}
	if _, err := ParseStatus(string(o.Status)); err != nil {
		return fmt.Errorf("outcome %s: %w", o.TaskID, err)
	}
	return nil
}

// MutationKind names the mutation operator applied to a profile.
type MutationKind string

const (
	MutationAdd     MutationKind = "add"
	MutationRemove  MutationKind = "remove"
	MutationReplace MutationKind = "replace"
	MutationReorder MutationKind = "reorder"
)

// MutationRecord is the before/after snapshot of one mutation.
type MutationRecord struct {
	Kind       MutationKind `json:"kind" yaml:"kind"`
	Generation int          `json:"generation" yaml:"generation"`
	Before     []string     `json:"before" yaml:"before"`
	After      []string     `json:"after" yaml:"after"`
}

// Profile is a candidate rule combination under evaluation.
type Profile struct {
	ID         string           `json:"profile_id"`
	Rules      []string         `json:"rules"`
	Fitness    float64          `json:"fitness"`
	Generation int              `json:"generation"`
	Parents    []string         `json:"parents,omitempty"`
	Mutations  []MutationRecord `json:"mutations,omitempty"`
}

// NewProfile dedups rules (first occurrence wins) and derives the content id.
func NewProfile(ruleIDs []string, generation int, parents ...string) Profile {
	rs := Dedup(ruleIDs)
	return Profile{
		ID:         ProfileID(rs),
		Rules:      rs,
		Generation: generation,
		Parents:    slices.Clone(parents),
	}
}

// Clone returns a deep copy.
func (p Profile) Clone() Profile {
	out := p
	out.Rules = slices.Clone(p.Rules)
	out.Parents = slices.Clone(p.Parents)
	if len(p.Mutations) > 0 {
		out.Mutations = make([]MutationRecord, len(p.Mutations))
		for i, m := range p.Mutations {
			out.Mutations[i] = MutationRecord{
				Kind:       m.Kind,
				Generation: m.Generation,
				Before:     slices.Clone(m.Before),
				After:      slices.Clone(m.After),
			}
		}
	}
	return out
}

// Rehash recomputes the id after an in-place rule change.
func (p *Profile) Rehash() {
	p.ID = ProfileID(p.Rules)
}

// ProfileID is a pure function of the sorted, deduplicated rule set.
func ProfileID(ruleIDs []string) string {
	key := ComboKey(ruleIDs)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

// ComboKey is the canonical key of an unordered rule set.
func ComboKey(ruleIDs []string) string {
	return strings.Join(Sorted(ruleIDs), "\x1f")
}

// SplitComboKey reverses ComboKey.
func SplitComboKey(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, "\x1f")
}

// Sorted returns a sorted, deduplicated copy.
func Sorted(ruleIDs []string) []string {
	out := Dedup(ruleIDs)
	slices.Sort(out)
	return out
}

// Dedup drops repeated ids, keeping first-occurrence order.
func Dedup(ruleIDs []string) []string {
	seen := make(map[string]struct{}, len(ruleIDs))
	out := make([]string, 0, len(ruleIDs))
	for _, r := range ruleIDs {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func Contains(ruleIDs []string, id string) bool {
	return slices.Contains(ruleIDs, id)
}

// ContainsAll reports whether every id in want is present in have.
func ContainsAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

// SameSet compares two rule lists as sets.
func SameSet(a, b []string) bool {
	return ComboKey(a) == ComboKey(b)
}

type InteractionKind string

const (
	InteractionSynergy InteractionKind = "synergy"
	InteractionTension InteractionKind = "tension"
	InteractionNeutral InteractionKind = "neutral"
)

// ClassifyEffect buckets a combined effect into an interaction kind.
func ClassifyEffect(effect float64) InteractionKind {
	switch {
	case effect >= 0.3:
		return InteractionSynergy
	case effect <= -0.3:
		return InteractionTension
	default:
		return InteractionNeutral
	}
}

// RuleInteraction records the combined effect of rules co-activated in one task.
type RuleInteraction struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	Rules      []string        `json:"rules"`
	Kind       InteractionKind `json:"kind"`
	Effect     float64         `json:"effect"`
	Tags       []string        `json:"tags,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

func (i RuleInteraction) Validate() error {
	if len(Dedup(i.Rules)) < 2 {
		return fmt.Errorf("interaction: at least two distinct rules required")
	}
	if i.Effect < -1 || i.Effect > 1 {
		return fmt.Errorf("interaction: effect %.3f outside [-1,1]", i.Effect)
	}
	return nil
}

// DiscoveredPattern is a consistently positive rule co-activation.
type DiscoveredPattern struct {
	Name        string   `json:"name" yaml:"name"`
	Rules       []string `json:"rules" yaml:"rules"`
	AvgEffect   float64  `json:"avg_effect" yaml:"avg_effect"`
	StdDev      float64  `json:"std_dev" yaml:"std_dev"`
	Occurrences int      `json:"occurrences" yaml:"occurrences"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Confidence  float64  `json:"confidence" yaml:"confidence"`
}
