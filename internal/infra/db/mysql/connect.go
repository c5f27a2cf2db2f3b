package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	// test ping
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
  id VARCHAR(64) NOT NULL PRIMARY KEY,
  task_id VARCHAR(128) NOT NULL UNIQUE,
  job_id VARCHAR(128) NOT NULL,
  project_id VARCHAR(128) NOT NULL,
  scheme_id VARCHAR(128) NOT NULL,
  revision VARCHAR(128) NOT NULL,
  branch VARCHAR(255) NOT NULL,
  state VARCHAR(32) NOT NULL,
  scan_type VARCHAR(16) NOT NULL,
  critical INT NOT NULL DEFAULT 0,
  high INT NOT NULL DEFAULT 0,
  medium INT NOT NULL DEFAULT 0,
  low INT NOT NULL DEFAULT 0,
  info INT NOT NULL DEFAULT 0,
  findings_total INT NOT NULL DEFAULT 0,
  tools_json JSON NOT NULL,
  issues_json LONGTEXT NOT NULL,
  started_at DATETIME(6) NOT NULL,
  finished_at DATETIME(6) NOT NULL,
  duration_ms BIGINT NOT NULL,
  KEY idx_task_runs_project (project_id, finished_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS task_errors (
  id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
  task_id VARCHAR(128) NOT NULL,
  project_id VARCHAR(128) NOT NULL,
  class VARCHAR(64) NOT NULL,
  stage VARCHAR(32) NOT NULL,
  tool VARCHAR(64) NOT NULL,
  message TEXT NOT NULL,
  details_json JSON NOT NULL,
  created_at DATETIME(6) NOT NULL,
  KEY idx_task_errors_task (task_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS result_chunks (
  task_id VARCHAR(128) NOT NULL,
  seq INT NOT NULL,
  total INT NOT NULL,
  issue_count INT NOT NULL,
  body LONGTEXT NOT NULL,
  received_at DATETIME(6) NOT NULL,
  PRIMARY KEY (task_id, seq)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate bikin tabel kalau belum ada
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mysql migrate: %w", err)
		}
	}
	return nil
}
