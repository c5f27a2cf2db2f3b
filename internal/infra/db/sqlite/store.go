// Package sqlite is the node's local persistence: the local baseline tier,
// abandoned uploads, a reference chunk ledger, and task history when no
// shared database is configured.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db   *sql.DB
	path string
}

func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS baselines (
			cache_key TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			scheme_id TEXT NOT NULL,
			revision TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pending_results (
			task_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			body TEXT NOT NULL,
			cause TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (task_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS result_chunks (
			task_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			total INTEGER NOT NULL,
			issue_count INTEGER NOT NULL,
			body TEXT NOT NULL,
			received_at TEXT NOT NULL,
			PRIMARY KEY (task_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL UNIQUE,
			job_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			scheme_id TEXT NOT NULL,
			revision TEXT NOT NULL,
			branch TEXT NOT NULL,
			state TEXT NOT NULL,
			scan_type TEXT NOT NULL,
			critical INTEGER NOT NULL DEFAULT 0,
			high INTEGER NOT NULL DEFAULT 0,
			medium INTEGER NOT NULL DEFAULT 0,
			low INTEGER NOT NULL DEFAULT 0,
			info INTEGER NOT NULL DEFAULT 0,
			total INTEGER NOT NULL DEFAULT 0,
			tools_json TEXT NOT NULL,
			issues_json TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_project ON task_runs(project_id, finished_at);`,
		`CREATE TABLE IF NOT EXISTS task_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			class TEXT NOT NULL,
			stage TEXT NOT NULL,
			tool TEXT NOT NULL,
			message TEXT NOT NULL,
			details_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_errors_task ON task_errors(task_id);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
