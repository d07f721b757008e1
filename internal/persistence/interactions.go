package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/basket/rulesymbiosis/internal/bus"
	"github.com/basket/rulesymbiosis/internal/rules"
	"github.com/google/uuid"
)

// RecordInteraction stores a co-activation effect. Missing id, kind and
// timestamp are filled in; the stored record is returned.
func (s *Store) RecordInteraction(ctx context.Context, in rules.RuleInteraction) (rules.RuleInteraction, error) {
	if err := in.Validate(); err != nil {
		return in, invalidRecord(err)
	}
	in.Rules = rules.Sorted(in.Rules)
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Kind == "" {
		in.Kind = rules.ClassifyEffect(in.Effect)
	}
	if in.RecordedAt.IsZero() {
		in.RecordedAt = time.Now().UTC()
	}
	ruleJSON, err := json.Marshal(in.Rules)
	if err != nil {
		return in, invalidRecord(err)
	}
	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}
	tagJSON, err := json.Marshal(tags)
	if err != nil {
		return in, invalidRecord(err)
	}

	err = s.withTx(ctx, "record interaction", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rule_interactions (id, task_id, combo_key, rules, kind, effect, tags, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, in.ID, in.TaskID, rules.ComboKey(in.Rules), string(ruleJSON), string(in.Kind), in.Effect, string(tagJSON), in.RecordedAt.UnixNano())
		return err
	})
	if err != nil {
		return in, err
	}

	s.bus.Publish(bus.TopicInteractionRecorded, bus.InteractionRecordedEvent{
		TaskID: in.TaskID,
		Rules:  append([]string(nil), in.Rules...),
		Kind:   string(in.Kind),
		Effect: in.Effect,
	})
	return in, nil
}

// QueryCooccurrence groups interactions by rule-set key (rules.ComboKey),
// keeping only keys with at least minOccurrences records. Records within a key
// are in recording order.
func (s *Store) QueryCooccurrence(ctx context.Context, minOccurrences int) (map[string][]rules.RuleInteraction, error) {
	if minOccurrences < 0 {
		return nil, &InvalidQueryError{Reason: "minimum occurrences must be non-negative"}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, combo_key, rules, kind, effect, tags, recorded_at
		FROM rule_interactions
		WHERE combo_key IN (
			SELECT combo_key FROM rule_interactions
			GROUP BY combo_key
			HAVING COUNT(1) >= ?
		)
		ORDER BY combo_key ASC, recorded_at ASC, id ASC;
	`, minOccurrences)
	if err != nil {
		return nil, &StorageError{Op: "query cooccurrence", Err: err}
	}
	defer rows.Close()

	out := make(map[string][]rules.RuleInteraction)
	for rows.Next() {
		var (
			in       rules.RuleInteraction
			key      string
			ruleJSON string
			kind     string
			tagJSON  string
			at       int64
		)
		if err := rows.Scan(&in.ID, &in.TaskID, &key, &ruleJSON, &kind, &in.Effect, &tagJSON, &at); err != nil {
			return nil, &StorageError{Op: "scan interaction", Err: err}
		}
		if err := json.Unmarshal([]byte(ruleJSON), &in.Rules); err != nil {
			return nil, &StorageError{Op: "decode interaction rules", Err: err}
		}
		if err := json.Unmarshal([]byte(tagJSON), &in.Tags); err != nil {
			return nil, &StorageError{Op: "decode interaction tags", Err: err}
		}
		in.Kind = rules.InteractionKind(kind)
		in.RecordedAt = time.Unix(0, at).UTC()
		out[key] = append(out[key], in)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "query cooccurrence", Err: err}
	}
	return out, nil
}
