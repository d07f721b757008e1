// Package persistence is the telemetry store: rule activations, task outcomes,
// rule interactions, learned transition values, evolved profiles, discovered
// patterns and the evolution run ledger, all in one SQLite database.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/rulesymbiosis/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "rs-v1-telemetry-core"

	// v2 adds the evolution run ledger and discovered patterns.
	schemaVersionV2  = 2
	schemaChecksumV2 = "rs-v2-runs-patterns"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	busyRetries = 5
)

type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

// DefaultDBPath returns <home>/telemetry.db under SYMBIOSIS_HOME or ~/.symbiosis.
func DefaultDBPath() string {
	if override := os.Getenv("SYMBIOSIS_HOME"); override != "" {
		return filepath.Join(override, "telemetry.db")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".symbiosis", "telemetry.db")
}

// Open creates or upgrades the database at path. eventBus may be nil.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Err: err}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	// One connection serializes concurrent producers; WAL keeps readers off partial rows.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, backing off
// exponentially with jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy matches SQLITE_BUSY (5) and SQLITE_LOCKED (6) by message so
// callers need not import the cgo driver package.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// withTx runs f in one transaction, retrying the whole unit on BUSY.
func (s *Store) withTx(ctx context.Context, op string, f func(tx *sql.Tx) error) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return &StorageError{Op: "pragma", Err: fmt.Errorf("%s: %w", q, err)}
		}
	}
	return nil
}

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS rule_activations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		context_type TEXT NOT NULL DEFAULT 'general',
		tokens_before INTEGER NOT NULL DEFAULT 0,
		tokens_after INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL CHECK(success IN (0, 1)),
		error_kind TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_activations_task_ts ON rule_activations(task_id, ts);`,
	`CREATE INDEX IF NOT EXISTS idx_activations_context_rule ON rule_activations(context_type, rule_id);`,
	`CREATE TABLE IF NOT EXISTS task_outcomes (
		task_id TEXT PRIMARY KEY,
		rule_sequence TEXT NOT NULL,
		total_tokens INTEGER NOT NULL,
		total_time_ms INTEGER NOT NULL,
		quality REAL NOT NULL,
		creativity REAL NOT NULL,
		safety_incidents INTEGER NOT NULL,
		revisions INTEGER NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('success', 'partial', 'failed')),
		recorded_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS task_outcome_rules (
		task_id TEXT NOT NULL REFERENCES task_outcomes(task_id),
		position INTEGER NOT NULL,
		rule_id TEXT NOT NULL,
		PRIMARY KEY (task_id, position)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_outcome_rules_rule ON task_outcome_rules(rule_id, task_id);`,
	`CREATE TABLE IF NOT EXISTS rule_interactions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL DEFAULT '',
		combo_key TEXT NOT NULL,
		rules TEXT NOT NULL,
		kind TEXT NOT NULL CHECK(kind IN ('synergy', 'tension', 'neutral')),
		effect REAL NOT NULL CHECK(effect >= -1 AND effect <= 1),
		tags TEXT NOT NULL DEFAULT '[]',
		recorded_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_interactions_combo ON rule_interactions(combo_key);`,
	`CREATE TABLE IF NOT EXISTS q_values (
		prev_rule TEXT NOT NULL,
		next_rule TEXT NOT NULL,
		value REAL NOT NULL,
		updates INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (prev_rule, next_rule)
	);`,
	`CREATE TABLE IF NOT EXISTS evolved_profiles (
		profile_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL DEFAULT '',
		rules TEXT NOT NULL,
		fitness REAL NOT NULL,
		generation INTEGER NOT NULL,
		parents TEXT NOT NULL DEFAULT '[]',
		mutations TEXT NOT NULL DEFAULT '[]',
		saved_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_profiles_fitness ON evolved_profiles(fitness DESC);`,
}

var schemaV2 = []string{
	`CREATE TABLE IF NOT EXISTS discovered_patterns (
		combo_key TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		rules TEXT NOT NULL,
		avg_effect REAL NOT NULL,
		std_dev REAL NOT NULL,
		occurrences INTEGER NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		confidence REAL NOT NULL,
		discovered_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS evolution_runs (
		run_id TEXT PRIMARY KEY,
		status TEXT NOT NULL CHECK(status IN ('RUNNING', 'FINISHED')),
		reason TEXT NOT NULL DEFAULT '',
		config_fingerprint TEXT NOT NULL DEFAULT '',
		generations INTEGER NOT NULL DEFAULT 0,
		best_fitness REAL NOT NULL DEFAULT 0,
		best_profile_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);`,
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "migrate", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return &StorageError{Op: "migrate", Err: fmt.Errorf("create schema_migrations: %w", err)}
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return &StorageError{Op: "migrate", Err: fmt.Errorf("read migration max version: %w", err)}
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	migrations := []struct {
		version  int
		checksum string
		stmts    []string
	}{
		{schemaVersionV1, schemaChecksumV1, schemaV1},
		{schemaVersionV2, schemaChecksumV2, schemaV2},
	}
	for _, m := range migrations {
		if m.version <= maxVersion {
			var existing string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing); err != nil {
				return &StorageError{Op: "migrate", Err: fmt.Errorf("read checksum v%d: %w", m.version, err)}
			}
			if existing != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
			}
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return &StorageError{Op: "migrate", Err: fmt.Errorf("apply v%d: %w", m.version, err)}
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, m.version, m.checksum); err != nil {
			return &StorageError{Op: "migrate", Err: fmt.Errorf("record v%d: %w", m.version, err)}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "migrate", Err: err}
	}
	return nil
}

// SchemaVersion reports the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, &StorageError{Op: "schema version", Err: err}
	}
	return v, nil
}

// Counts is a row-count snapshot for status and doctor output.
type Counts struct {
	Activations  int `json:"activations"`
	Outcomes     int `json:"outcomes"`
	Interactions int `json:"interactions"`
	Transitions  int `json:"transitions"`
	Profiles     int `json:"profiles"`
	Patterns     int `json:"patterns"`
	Runs         int `json:"runs"`
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM rule_activations),
			(SELECT COUNT(1) FROM task_outcomes),
			(SELECT COUNT(1) FROM rule_interactions),
			(SELECT COUNT(1) FROM q_values),
			(SELECT COUNT(1) FROM evolved_profiles),
			(SELECT COUNT(1) FROM discovered_patterns),
			(SELECT COUNT(1) FROM evolution_runs);
	`)
	if err := row.Scan(&c.Activations, &c.Outcomes, &c.Interactions, &c.Transitions, &c.Profiles, &c.Patterns, &c.Runs); err != nil {
		return c, &StorageError{Op: "counts", Err: err}
	}
	return c, nil
}

func nowNano() int64 {
	return time.Now().UTC().UnixNano()
}
