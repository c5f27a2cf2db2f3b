package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx2); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

var schema = []string{
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
  critical INT NOT NULL DEFAULT 0,
  high INT NOT NULL DEFAULT 0,
  medium INT NOT NULL DEFAULT 0,
  low INT NOT NULL DEFAULT 0,
  info INT NOT NULL DEFAULT 0,
  findings_total INT NOT NULL DEFAULT 0,
  tools_json JSONB NOT NULL,
  issues_json JSONB NOT NULL,
  started_at TIMESTAMPTZ NOT NULL,
  finished_at TIMESTAMPTZ NOT NULL,
  duration_ms BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_task_runs_project ON task_runs (project_id, finished_at)`,
	`CREATE TABLE IF NOT EXISTS result_chunks (
  task_id TEXT NOT NULL,
  seq INT NOT NULL,
  total INT NOT NULL,
  issue_count INT NOT NULL,
  body JSONB NOT NULL,
  received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (task_id, seq)
)`,
}

func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
