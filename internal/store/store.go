// Package store persists all engine state in a single SQLite database:
// executions and their steps, approvals, the background queue, the dead
// letter queue, per-asset locks, the timeout policy matrix, and the
// append-only event log. Composite operations (idempotent create, dequeue
// with lease, lock acquire) are transactional; the engine's core write
// paths cross entities, which is why everything shares one file.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the engine database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the engine database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open engine db: %w", err)
	}
	// One writer connection keeps transactions serialised; modernc's driver
	// would serialise writes anyway, this avoids SQLITE_BUSY during
	// read-then-write transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.seedTimeoutPolicies(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seed timeout policies: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []struct {
		name string
		ddl  string
	}{
		{"executions", `CREATE TABLE IF NOT EXISTS executions (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL,
			actor_id         TEXT NOT NULL,
			idempotency_key  TEXT NOT NULL,
			plan_snapshot    TEXT NOT NULL,
			status           TEXT NOT NULL,
			mode             TEXT NOT NULL,
			sla_class        TEXT NOT NULL,
			action_class     TEXT NOT NULL,
			timed_out        INTEGER NOT NULL DEFAULT 0,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			cancelled_by     TEXT NOT NULL DEFAULT '',
			cancelled_at     TEXT,
			cancel_reason    TEXT NOT NULL DEFAULT '',
			error_class      TEXT NOT NULL DEFAULT '',
			error_message    TEXT NOT NULL DEFAULT '',
			output           TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL,
			started_at       TEXT,
			ended_at         TEXT
		)`},
		{"steps", `CREATE TABLE IF NOT EXISTS steps (
			id            TEXT PRIMARY KEY,
			execution_id  TEXT NOT NULL,
			ordinal       INTEGER NOT NULL,
			step_type     TEXT NOT NULL,
			target_ref    TEXT NOT NULL DEFAULT '',
			action        TEXT NOT NULL DEFAULT '',
			inputs        TEXT NOT NULL DEFAULT '{}',
			status        TEXT NOT NULL,
			started_at    TEXT,
			ended_at      TEXT,
			timed_out     INTEGER NOT NULL DEFAULT 0,
			attempts      INTEGER NOT NULL DEFAULT 0,
			output        TEXT NOT NULL DEFAULT '',
			error_class   TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			FOREIGN KEY(execution_id) REFERENCES executions(id) ON DELETE CASCADE,
			UNIQUE(execution_id, ordinal)
		)`},
		{"approvals", `CREATE TABLE IF NOT EXISTS approvals (
			id            TEXT PRIMARY KEY,
			execution_id  TEXT NOT NULL,
			tenant_id     TEXT NOT NULL,
			required_role TEXT NOT NULL,
			state         TEXT NOT NULL,
			decided_by    TEXT NOT NULL DEFAULT '',
			decided_at    TEXT,
			reason        TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			FOREIGN KEY(execution_id) REFERENCES executions(id) ON DELETE CASCADE
		)`},
		{"queue_items", `CREATE TABLE IF NOT EXISTS queue_items (
			id               TEXT PRIMARY KEY,
			execution_id     TEXT NOT NULL,
			tenant_id        TEXT NOT NULL,
			sla_class        TEXT NOT NULL,
			priority         INTEGER NOT NULL,
			available_at     TEXT NOT NULL,
			leased_by        TEXT NOT NULL DEFAULT '',
			lease_expires_at TEXT,
			attempts         INTEGER NOT NULL DEFAULT 0,
			max_attempts     INTEGER NOT NULL,
			enqueued_at      TEXT NOT NULL
		)`},
		{"dlq_items", `CREATE TABLE IF NOT EXISTS dlq_items (
			id             TEXT PRIMARY KEY,
			execution_id   TEXT NOT NULL,
			tenant_id      TEXT NOT NULL,
			failure_reason TEXT NOT NULL,
			archived       INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL
		)`},
		{"locks", `CREATE TABLE IF NOT EXISTS locks (
			lock_key     TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			owner_tag    TEXT NOT NULL,
			acquired_at  TEXT NOT NULL,
			expires_at   TEXT NOT NULL
		)`},
		{"timeout_policies", `CREATE TABLE IF NOT EXISTS timeout_policies (
			sla_class            TEXT NOT NULL,
			action_class         TEXT NOT NULL,
			execution_timeout_ms INTEGER NOT NULL,
			step_timeout_ms      INTEGER NOT NULL,
			PRIMARY KEY (sla_class, action_class)
		)`},
		{"events", `CREATE TABLE IF NOT EXISTS events (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			tenant_id    TEXT NOT NULL,
			kind         TEXT NOT NULL,
			payload      TEXT NOT NULL DEFAULT '{}',
			ts           TEXT NOT NULL
		)`},
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st.ddl); err != nil {
			return fmt.Errorf("create %s table: %w", st.name, err)
		}
	}

	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_exec_idem ON executions(tenant_id, idempotency_key, created_at DESC)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_exec_status ON executions(tenant_id, status, created_at DESC)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_steps_exec ON steps(execution_id, ordinal)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_steps_type ON steps(step_type, ended_at)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_approvals_exec ON approvals(execution_id)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_queue_order ON queue_items(priority DESC, available_at)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_queue_lease ON queue_items(lease_expires_at)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_locks_expiry ON locks(expires_at)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_exec ON events(execution_id, seq)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, seq)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_dlq_created ON dlq_items(archived, created_at DESC)`)

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by health checks.
func (s *Store) Ping() error {
	var one int
	return s.db.QueryRow(`SELECT 1`).Scan(&one)
}

// ErrNotOwner is returned when a caller releases or renews something it no
// longer holds.
var ErrNotOwner = errors.New("caller is not the current owner")

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

type scanner interface {
	Scan(dest ...any) error
}

func nullableTime(ts *time.Time) sql.NullString {
	if ts == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ts.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(v string) time.Time {
	ts, _ := time.Parse(time.RFC3339Nano, v)
	return ts
}

func parseNullableTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &ts
}

func fmtTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}
