// Package store is the durable checkpoint store for workflow state, step
// progress, and the compensation log, backed by an embedded SQLite database.
//
// Every state-changing operation is a single transaction that succeeds or
// leaves no observable effect. The per-step checkpoint writes the step row,
// the owning workflow's updated_at (and status, when it changes), and any
// pending compensation rows in one transaction, so a crash between them is
// impossible. The database runs in WAL mode with synchronous=NORMAL and the
// file is chmod 0600.
package store

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/Mindburn-Labs/capstan/pkg/contracts"

	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// Store wraps the SQLite database handle.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (or creates) the database at path, applies the journaling
// pragmas, restricts file permissions, and runs migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &contracts.PersistenceError{Op: "open", Err: err}
	}
	s := &Store{db: db, path: path, logger: logger}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, &contracts.PersistenceError{Op: "pragma", Err: err}
		}
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		logger.Warn("could not restrict database permissions", "path", path, "error", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for read-only diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			version       TEXT NOT NULL,
			owner         TEXT NOT NULL,
			status        TEXT NOT NULL,
			spec_yaml     TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			completed_at  TEXT,
			error_message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id   TEXT NOT NULL REFERENCES workflows(id),
			step_name     TEXT NOT NULL,
			status        TEXT NOT NULL,
			inputs_json   TEXT,
			outputs_json  TEXT,
			started_at    TEXT NOT NULL,
			completed_at  TEXT,
			error_message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS compensation_log (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id          TEXT NOT NULL REFERENCES workflows(id),
			step_name            TEXT NOT NULL,
			compensation_action  TEXT NOT NULL,
			inputs_json          TEXT,
			executed_at          TEXT,
			success              INTEGER,
			error_message        TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			workflow_id  TEXT NOT NULL REFERENCES workflows(id),
			step_name    TEXT NOT NULL,
			message      TEXT,
			requested_at TEXT NOT NULL,
			state        TEXT NOT NULL,
			approver     TEXT,
			decided_at   TEXT,
			rationale    TEXT,
			expires_at   TEXT,
			context_json TEXT,
			PRIMARY KEY (workflow_id, step_name)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id           TEXT PRIMARY KEY,
			sequence     INTEGER NOT NULL,
			kind         TEXT NOT NULL,
			actor        TEXT,
			workflow_id  TEXT,
			step_name    TEXT,
			payload_json TEXT,
			payload_hash TEXT NOT NULL,
			prev_hash    TEXT NOT NULL,
			entry_hash   TEXT NOT NULL,
			timestamp    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_wf ON workflow_steps(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_comp_wf ON compensation_log(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_wf ON audit_events(workflow_id)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return &contracts.PersistenceError{Op: "migrate", Err: err}
		}
	}
	return nil
}

func marshalJSON(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalJSON(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func strOrEmpty(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}

func persistErr(op string, err error) error {
	return &contracts.PersistenceError{Op: op, Err: err}
}
