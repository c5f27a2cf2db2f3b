package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	domain "github.com/bryanwahyu/automaton-node/internal/domain/scans"
)

const runColumns = `id, task_id, job_id, project_id, scheme_id, revision, branch, state, scan_type,
       critical, high, medium, low, info, findings_total, tools_json, issues_json,
       started_at, finished_at, duration_ms`

type TaskRunRepository struct{ db *sql.DB }

func NewTaskRunRepository(db *sql.DB) *TaskRunRepository { return &TaskRunRepository{db: db} }

// Save insert/update TaskRun record
func (r *TaskRunRepository) Save(ctx context.Context, run *domain.TaskRun) error {
	const q = `
INSERT INTO task_runs (` + runColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,
        $10,$11,$12,$13,$14,$15,$16,$17,
        $18,$19,$20)
ON CONFLICT (task_id) DO UPDATE SET
 state = EXCLUDED.state,
 scan_type = EXCLUDED.scan_type,
 critical = EXCLUDED.critical,
 high = EXCLUDED.high,
 medium = EXCLUDED.medium,
 low = EXCLUDED.low,
 info = EXCLUDED.info,
 findings_total = EXCLUDED.findings_total,
 tools_json = EXCLUDED.tools_json,
 issues_json = EXCLUDED.issues_json,
 finished_at = EXCLUDED.finished_at,
 duration_ms = EXCLUDED.duration_ms;`

	tools, err := json.Marshal(run.Tools)
	if err != nil {
		return fmt.Errorf("encoding tools: %w", err)
	}
	issues, err := json.Marshal(run.Issues)
	if err != nil {
		return fmt.Errorf("encoding issues: %w", err)
	}
	finished := run.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	c := run.Counts
	_, err = r.db.ExecContext(ctx, q,
		run.ID, run.TaskID, run.JobID, run.ProjectID, run.SchemeID, run.Revision, run.Branch,
		stringOrDash(run.State), stringOrDash(run.ScanType),
		c.Critical, c.High, c.Medium, c.Low, c.Info, c.Total, string(tools), string(issues),
		run.StartedAt, finished, run.DurationMS,
	)
	return err
}

// Get by task id
func (r *TaskRunRepository) Get(ctx context.Context, taskID string) (*domain.TaskRun, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM task_runs WHERE task_id=$1 LIMIT 1;`, taskID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	return run, err
}

// Latest runs per project
func (r *TaskRunRepository) Latest(ctx context.Context, projectID string, limit int) ([]*domain.TaskRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+runColumns+` FROM task_runs
WHERE project_id=$1 ORDER BY finished_at DESC, id DESC LIMIT $2;`, projectID, limit)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

func (r *TaskRunRepository) Paginate(ctx context.Context, projectID string, page, pageSize int) (domain.PaginatedResult, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+runColumns+` FROM task_runs
WHERE project_id=$1 ORDER BY finished_at DESC, id DESC LIMIT $2 OFFSET $3;`, projectID, pageSize, (page-1)*pageSize)
	if err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("querying task runs: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return domain.PaginatedResult{}, err
	}
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_runs WHERE project_id=$1`, projectID).Scan(&total); err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("getting total count: %w", err)
	}
	return domain.PaginatedResult{
		Data:       runs,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
	}, nil
}

// Cursor-based pagination (after cursorTime, cursorID)
func (r *TaskRunRepository) Cursor(ctx context.Context, projectID string, cursorTime time.Time, cursorID string, pageSize int) ([]*domain.TaskRun, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+runColumns+` FROM task_runs
WHERE project_id=$1 AND (finished_at < $2 OR (finished_at = $2 AND id < $3))
ORDER BY finished_at DESC, id DESC
LIMIT $4;`, projectID, cursorTime, cursorID, pageSize)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.TaskRun, error) {
	var run domain.TaskRun
	var tools, issues []byte
	c := &run.Counts
	if err := row.Scan(
		&run.ID, &run.TaskID, &run.JobID, &run.ProjectID, &run.SchemeID, &run.Revision, &run.Branch,
		&run.State, &run.ScanType,
		&c.Critical, &c.High, &c.Medium, &c.Low, &c.Info, &c.Total, &tools, &issues,
		&run.StartedAt, &run.FinishedAt, &run.DurationMS,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tools, &run.Tools); err != nil {
		return nil, fmt.Errorf("decoding tools of %s: %w", run.TaskID, err)
	}
	if err := json.Unmarshal(issues, &run.Issues); err != nil {
		return nil, fmt.Errorf("decoding issues of %s: %w", run.TaskID, err)
	}
	return &run, nil
}

func collectRuns(rows *sql.Rows) ([]*domain.TaskRun, error) {
	defer rows.Close()
	var out []*domain.TaskRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func stringOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
