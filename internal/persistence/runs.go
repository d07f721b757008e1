package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const (
	RunStatusRunning  = "RUNNING"
	RunStatusFinished = "FINISHED"

	// ReasonRunAbandoned marks a run left RUNNING by a crashed process.
	ReasonRunAbandoned = "RUN_ABANDONED"
)

// RunRecord is one row of the evolution run ledger.
type RunRecord struct {
	RunID             string     `json:"run_id"`
	Status            string     `json:"status"`
	Reason            string     `json:"reason,omitempty"`
	ConfigFingerprint string     `json:"config_fingerprint,omitempty"`
	Generations       int        `json:"generations"`
	BestFitness       float64    `json:"best_fitness"`
	BestProfileID     string     `json:"best_profile_id,omitempty"`
	Error             string     `json:"error,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// StartRun opens a ledger row. Only one run may be RUNNING per store; a second
// caller gets ErrRunInProgress.
func (s *Store) StartRun(ctx context.Context, runID, fingerprint string) error {
	return s.withTx(ctx, "start run", func(tx *sql.Tx) error {
		var active string
		err := tx.QueryRowContext(ctx, `SELECT run_id FROM evolution_runs WHERE status = ? LIMIT 1;`, RunStatusRunning).Scan(&active)
		if err == nil {
			return ErrRunInProgress
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO evolution_runs (run_id, status, config_fingerprint, started_at)
			VALUES (?, ?, ?, ?);
		`, runID, RunStatusRunning, fingerprint, nowNano())
		return err
	})
}

// FinishRun closes the ledger row for rec.RunID.
func (s *Store) FinishRun(ctx context.Context, rec RunRecord) error {
	return s.withTx(ctx, "finish run", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE evolution_runs
			SET status = ?, reason = ?, generations = ?, best_fitness = ?, best_profile_id = ?, error = ?, finished_at = ?
			WHERE run_id = ?;
		`, RunStatusFinished, rec.Reason, rec.Generations, rec.BestFitness, rec.BestProfileID, rec.Error, nowNano(), rec.RunID)
		return err
	})
}

// RecoverRuns closes runs left RUNNING by a previous process.
func (s *Store) RecoverRuns(ctx context.Context) (int64, error) {
	var n int64
	err := s.withTx(ctx, "recover runs", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE evolution_runs
			SET status = ?, reason = ?, finished_at = ?
			WHERE status = ?;
		`, RunStatusFinished, ReasonRunAbandoned, nowNano(), RunStatusRunning)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, status, reason, config_fingerprint, generations, best_fitness, best_profile_id, error, started_at, finished_at
		FROM evolution_runs
		ORDER BY started_at DESC, run_id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, &StorageError{Op: "list runs", Err: err}
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r        RunRecord
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.RunID, &r.Status, &r.Reason, &r.ConfigFingerprint, &r.Generations, &r.BestFitness, &r.BestProfileID, &r.Error, &started, &finished); err != nil {
			return nil, &StorageError{Op: "scan run", Err: err}
		}
		r.StartedAt = time.Unix(0, started).UTC()
		if finished.Valid {
			t := time.Unix(0, finished.Int64).UTC()
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list runs", Err: err}
	}
	return out, nil
}
