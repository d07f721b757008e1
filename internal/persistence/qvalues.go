package persistence

import (
	"context"
	"database/sql"
)

// QValue is one persisted transition estimate.
type QValue struct {
	Prev    string  `json:"prev_rule"`
	Next    string  `json:"next_rule"`
	Value   float64 `json:"value"`
	Updates int     `json:"updates"`
}

// UpdateQValue applies value <- value + alpha*(reward - value) to prev -> next
// in a single statement and returns the stored result. Unseen pairs start at 0.
// Concurrent writers sharing the database never lose an update.
func (s *Store) UpdateQValue(ctx context.Context, prev, next string, alpha, reward float64) (float64, error) {
	var value float64
	err := s.withTx(ctx, "update q value", func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			INSERT INTO q_values (prev_rule, next_rule, value, updates, updated_at)
			VALUES (?, ?, ? * ?, 1, ?)
			ON CONFLICT(prev_rule, next_rule) DO UPDATE SET
				value = q_values.value + ? * (? - q_values.value),
				updates = q_values.updates + 1,
				updated_at = excluded.updated_at
			RETURNING value;
		`, prev, next, alpha, reward, nowNano(), alpha, reward).Scan(&value)
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (s *Store) LoadQValues(ctx context.Context) ([]QValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT prev_rule, next_rule, value, updates
		FROM q_values
		ORDER BY prev_rule ASC, next_rule ASC;
	`)
	if err != nil {
		return nil, &StorageError{Op: "load q values", Err: err}
	}
	defer rows.Close()

	var out []QValue
	for rows.Next() {
		var q QValue
		if err := rows.Scan(&q.Prev, &q.Next, &q.Value, &q.Updates); err != nil {
			return nil, &StorageError{Op: "scan q value", Err: err}
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "load q values", Err: err}
	}
	return out, nil
}
