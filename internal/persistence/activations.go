package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/basket/rulesymbiosis/internal/bus"
	"github.com/basket/rulesymbiosis/internal/rules"
)

// RecordActivation appends one activation and returns the task's previous rule:
// the most recent activation in the same task with a strictly earlier timestamp.
// prevRule is empty for the first rule of a task.
func (s *Store) RecordActivation(ctx context.Context, a rules.RuleActivation) (prevRule string, err error) {
	if err := a.Validate(); err != nil {
		return "", invalidRecord(err)
	}
	if a.ContextType == "" {
		a.ContextType = rules.ContextGeneral
	}
	ts := a.Timestamp.UTC().UnixNano()

	err = s.withTx(ctx, "record activation", func(tx *sql.Tx) error {
		prevRule = ""
		err := tx.QueryRowContext(ctx, `
			SELECT rule_id FROM rule_activations
			WHERE task_id = ? AND ts < ?
			ORDER BY ts DESC, id DESC
			LIMIT 1;
		`, a.TaskID, ts).Scan(&prevRule)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rule_activations
				(rule_id, task_id, ts, context_type, tokens_before, tokens_after, duration_ms, success, error_kind)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, a.RuleID, a.TaskID, ts, a.ContextType, a.TokensBefore, a.TokensAfter, a.DurationMS, boolToInt(a.Success), a.ErrorKind)
		return err
	})
	if err != nil {
		return "", err
	}

	s.bus.Publish(bus.TopicActivationRecorded, bus.ActivationRecordedEvent{
		TaskID:   a.TaskID,
		RuleID:   a.RuleID,
		PrevRule: prevRule,
		Success:  a.Success,
		At:       a.Timestamp,
	})
	return prevRule, nil
}

// ListActivations returns a task's activations in timestamp order.
func (s *Store) ListActivations(ctx context.Context, taskID string) ([]rules.RuleActivation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, task_id, ts, context_type, tokens_before, tokens_after, duration_ms, success, error_kind
		FROM rule_activations
		WHERE task_id = ?
		ORDER BY ts ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, &StorageError{Op: "list activations", Err: err}
	}
	defer rows.Close()

	var out []rules.RuleActivation
	for rows.Next() {
		var (
			a       rules.RuleActivation
			ts      int64
			success int
		)
		if err := rows.Scan(&a.RuleID, &a.TaskID, &ts, &a.ContextType, &a.TokensBefore, &a.TokensAfter, &a.DurationMS, &success, &a.ErrorKind); err != nil {
			return nil, &StorageError{Op: "scan activation", Err: err}
		}
		a.Timestamp = time.Unix(0, ts).UTC()
		a.Success = success == 1
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list activations", Err: err}
	}
	return out, nil
}

// TaskSequence is the ordered successful rules of one task.
type TaskSequence struct {
	TaskID string
	Rules  []string
}

// SuccessfulSequences groups successful activations by task, in timestamp order.
func (s *Store) SuccessfulSequences(ctx context.Context) ([]TaskSequence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, rule_id
		FROM rule_activations
		WHERE success = 1
		ORDER BY task_id ASC, ts ASC, id ASC;
	`)
	if err != nil {
		return nil, &StorageError{Op: "successful sequences", Err: err}
	}
	defer rows.Close()

	var out []TaskSequence
	for rows.Next() {
		var taskID, ruleID string
		if err := rows.Scan(&taskID, &ruleID); err != nil {
			return nil, &StorageError{Op: "scan sequence", Err: err}
		}
		if n := len(out); n == 0 || out[n-1].TaskID != taskID {
			out = append(out, TaskSequence{TaskID: taskID})
		}
		last := &out[len(out)-1]
		last.Rules = append(last.Rules, ruleID)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "successful sequences", Err: err}
	}
	return out, nil
}

// ContextStat aggregates one rule's activations within one context tag.
type ContextStat struct {
	Context       string
	RuleID        string
	Total         int
	Successes     int
	AvgDurationMS float64
}

func (c ContextStat) SuccessRate() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Successes) / float64(c.Total)
}

// ContextStats returns per (context, rule) totals for groups with more than minSamples activations.
func (s *Store) ContextStats(ctx context.Context, minSamples int) ([]ContextStat, error) {
	if minSamples < 0 {
		return nil, &InvalidQueryError{Reason: "minimum samples must be non-negative"}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT context_type, rule_id, COUNT(1), SUM(success), AVG(duration_ms)
		FROM rule_activations
		GROUP BY context_type, rule_id
		HAVING COUNT(1) > ?
		ORDER BY context_type ASC, rule_id ASC;
	`, minSamples)
	if err != nil {
		return nil, &StorageError{Op: "context stats", Err: err}
	}
	defer rows.Close()

	var out []ContextStat
	for rows.Next() {
		var c ContextStat
		if err := rows.Scan(&c.Context, &c.RuleID, &c.Total, &c.Successes, &c.AvgDurationMS); err != nil {
			return nil, &StorageError{Op: "scan context stat", Err: err}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "context stats", Err: err}
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
