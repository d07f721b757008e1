package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/basket/rulesymbiosis/internal/bus"
	"github.com/basket/rulesymbiosis/internal/rules"
)

// RecordOutcome stores a completed task. A second outcome for the same task id
// is rejected with DuplicateTaskError and the stored row is left untouched.
func (s *Store) RecordOutcome(ctx context.Context, o rules.TaskOutcome) error {
	if err := o.Validate(); err != nil {
		return invalidRecord(err)
	}
	seq, err := json.Marshal(o.RuleSequence)
	if err != nil {
		return invalidRecord(err)
	}

	err = s.withTx(ctx, "record outcome", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM task_outcomes WHERE task_id = ?;`, o.TaskID).Scan(&exists)
		if err == nil {
			return &DuplicateTaskError{TaskID: o.TaskID}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_outcomes
				(task_id, rule_sequence, total_tokens, total_time_ms, quality, creativity, safety_incidents, revisions, status, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, o.TaskID, string(seq), o.TotalTokens, o.TotalTimeMS, o.Quality, o.Creativity, o.SafetyIncidents, o.Revisions, string(o.Status), nowNano()); err != nil {
			return err
		}
		for i, ruleID := range o.RuleSequence {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_outcome_rules (task_id, position, rule_id) VALUES (?, ?, ?);
			`, o.TaskID, i, ruleID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.bus.Publish(bus.TopicOutcomeRecorded, bus.OutcomeRecordedEvent{
		TaskID:  o.TaskID,
		Rules:   append([]string(nil), o.RuleSequence...),
		Status:  string(o.Status),
		Quality: o.Quality,
	})
	return nil
}

// GetOutcome returns the stored outcome for taskID, or sql.ErrNoRows wrapped in a StorageError.
func (s *Store) GetOutcome(ctx context.Context, taskID string) (rules.TaskOutcome, error) {
	var (
		o      rules.TaskOutcome
		seq    string
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, rule_sequence, total_tokens, total_time_ms, quality, creativity, safety_incidents, revisions, status
		FROM task_outcomes WHERE task_id = ?;
	`, taskID).Scan(&o.TaskID, &seq, &o.TotalTokens, &o.TotalTimeMS, &o.Quality, &o.Creativity, &o.SafetyIncidents, &o.Revisions, &status)
	if err != nil {
		return o, &StorageError{Op: "get outcome", Err: err}
	}
	if err := json.Unmarshal([]byte(seq), &o.RuleSequence); err != nil {
		return o, &StorageError{Op: "decode outcome", Err: err}
	}
	o.Status = rules.OutcomeStatus(status)
	return o, nil
}

// Aggregate summarizes the outcomes matching a rule filter. SampleCount == 0
// means no data, not zero-valued data.
type Aggregate struct {
	SuccessRate        float64 `json:"success_rate"`
	AvgTokens          float64 `json:"avg_tokens"`
	AvgTimeMS          float64 `json:"avg_time_ms"`
	AvgQuality         float64 `json:"avg_quality"`
	AvgCreativity      float64 `json:"avg_creativity"`
	SafetyIncidentRate float64 `json:"safety_incident_rate"`
	RevisionRate       float64 `json:"revision_rate"`
	SampleCount        int     `json:"sample_count"`
}

// QueryAggregate aggregates every outcome whose rule sequence contains all of
// filter. Order and duplicates in filter are ignored.
func (s *Store) QueryAggregate(ctx context.Context, filter []string) (Aggregate, error) {
	var agg Aggregate
	if len(filter) == 0 {
		return agg, &InvalidQueryError{Reason: "rule filter is empty"}
	}
	for _, r := range filter {
		if strings.TrimSpace(r) == "" {
			return agg, &InvalidQueryError{Reason: "rule filter contains a blank rule id"}
		}
	}
	want := rules.Sorted(filter)

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(want)), ",")
	args := make([]any, 0, len(want)+1)
	for _, r := range want {
		args = append(args, r)
	}
	args = append(args, len(want))

	q := `
		SELECT
			COUNT(1),
			COALESCE(AVG(CASE WHEN o.status = 'success' THEN 1.0 ELSE 0.0 END), 0),
			COALESCE(AVG(o.total_tokens), 0),
			COALESCE(AVG(o.total_time_ms), 0),
			COALESCE(AVG(o.quality), 0),
			COALESCE(AVG(o.creativity), 0),
			COALESCE(AVG(o.safety_incidents), 0),
			COALESCE(AVG(o.revisions), 0)
		FROM task_outcomes o
		WHERE o.task_id IN (
			SELECT task_id FROM task_outcome_rules
			WHERE rule_id IN (` + placeholders + `)
			GROUP BY task_id
			HAVING COUNT(DISTINCT rule_id) = ?
		);`
	err := retryOnBusy(ctx, busyRetries, func() error {
		return s.db.QueryRowContext(ctx, q, args...).Scan(
			&agg.SampleCount, &agg.SuccessRate, &agg.AvgTokens, &agg.AvgTimeMS,
			&agg.AvgQuality, &agg.AvgCreativity, &agg.SafetyIncidentRate, &agg.RevisionRate,
		)
	})
	if err != nil {
		return Aggregate{}, &StorageError{Op: "query aggregate", Err: err}
	}
	if agg.SampleCount == 0 {
		return Aggregate{}, nil
	}
	return agg, nil
}
