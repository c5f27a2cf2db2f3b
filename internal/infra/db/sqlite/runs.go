package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bryanwahyu/automaton-node/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/automaton-node/internal/domain/scans"
)

const runColumns = `id, task_id, job_id, project_id, scheme_id, revision, branch, state, scan_type,
       critical, high, medium, low, info, total, tools_json, issues_json,
       started_at, finished_at, duration_ms`

// RunRepository implements domain.TaskRunRepository.
type RunRepository struct {
	s *Store
}

func (s *Store) Runs() *RunRepository { return &RunRepository{s: s} }

// Save insert/update task run, keyed by task id
func (r *RunRepository) Save(ctx context.Context, run *domain.TaskRun) error {
	tools, err := json.Marshal(run.Tools)
	if err != nil {
		return fmt.Errorf("failed to encode tools: %w", err)
	}
	issues, err := json.Marshal(run.Issues)
	if err != nil {
		return fmt.Errorf("failed to encode issues: %w", err)
	}
	c := run.Counts
	_, err = r.s.db.ExecContext(ctx, `
INSERT INTO task_runs (`+runColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET
 state = excluded.state, scan_type = excluded.scan_type,
 critical = excluded.critical, high = excluded.high, medium = excluded.medium,
 low = excluded.low, info = excluded.info, total = excluded.total,
 tools_json = excluded.tools_json, issues_json = excluded.issues_json,
 finished_at = excluded.finished_at, duration_ms = excluded.duration_ms`,
		run.ID, run.TaskID, run.JobID, run.ProjectID, run.SchemeID, run.Revision, run.Branch,
		stringOrDash(run.State), stringOrDash(run.ScanType),
		c.Critical, c.High, c.Medium, c.Low, c.Info, c.Total, string(tools), string(issues),
		formatTime(run.StartedAt), formatTime(run.FinishedAt), run.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to save task run %s: %w", run.TaskID, err)
	}
	return nil
}

func (r *RunRepository) Get(ctx context.Context, taskID string) (*domain.TaskRun, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM task_runs WHERE task_id = ? LIMIT 1`, taskID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	return run, err
}

// Latest runs per project
func (r *RunRepository) Latest(ctx context.Context, projectID string, limit int) ([]*domain.TaskRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM task_runs
WHERE project_id = ? ORDER BY finished_at DESC, id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

func (r *RunRepository) Paginate(ctx context.Context, projectID string, page, pageSize int) (domain.PaginatedResult, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	rows, err := r.s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM task_runs
WHERE project_id = ? ORDER BY finished_at DESC, id DESC LIMIT ? OFFSET ?`, projectID, pageSize, (page-1)*pageSize)
	if err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("querying task runs: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return domain.PaginatedResult{}, err
	}
	var total int64
	if err := r.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_runs WHERE project_id = ?`, projectID).Scan(&total); err != nil {
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
func (r *RunRepository) Cursor(ctx context.Context, projectID string, cursorTime time.Time, cursorID string, pageSize int) ([]*domain.TaskRun, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	ct := formatTime(cursorTime)
	rows, err := r.s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM task_runs
WHERE project_id = ? AND (finished_at < ? OR (finished_at = ? AND id < ?))
ORDER BY finished_at DESC, id DESC LIMIT ?`, projectID, ct, ct, cursorID, pageSize)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.TaskRun, error) {
	var (
		run                   domain.TaskRun
		tools, issues         string
		startedAt, finishedAt string
	)
	c := &run.Counts
	if err := row.Scan(&run.ID, &run.TaskID, &run.JobID, &run.ProjectID, &run.SchemeID, &run.Revision,
		&run.Branch, &run.State, &run.ScanType,
		&c.Critical, &c.High, &c.Medium, &c.Low, &c.Info, &c.Total, &tools, &issues,
		&startedAt, &finishedAt, &run.DurationMS); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tools), &run.Tools); err != nil {
		return nil, fmt.Errorf("decode tools of %s: %w", run.TaskID, err)
	}
	if err := json.Unmarshal([]byte(issues), &run.Issues); err != nil {
		return nil, fmt.Errorf("decode issues of %s: %w", run.TaskID, err)
	}
	run.StartedAt = parseTime(startedAt)
	run.FinishedAt = parseTime(finishedAt)
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

// ErrorRepository implements scanerrors.Repository.
type ErrorRepository struct {
	s *Store
}

func (s *Store) Errors() *ErrorRepository { return &ErrorRepository{s: s} }

func (r *ErrorRepository) Save(ctx context.Context, e *scanerrors.ScanError) error {
	res, err := r.s.db.ExecContext(ctx, `
INSERT INTO task_errors (task_id, project_id, class, stage, tool, message, details_json, created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		stringOrDash(e.TaskID), stringOrDash(e.ProjectID), stringOrDash(e.Class), stringOrDash(e.Stage),
		stringOrDash(e.Tool), stringOrDash(e.Message), detailsJSON(e.DetailsJSON), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save task error: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

func (r *ErrorRepository) ListByTask(ctx context.Context, taskID string, limit int) ([]*scanerrors.ScanError, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.s.db.QueryContext(ctx, `
SELECT id, task_id, project_id, class, stage, tool, message, details_json, created_at
FROM task_errors WHERE task_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*scanerrors.ScanError
	for rows.Next() {
		var e scanerrors.ScanError
		var created string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ProjectID, &e.Class, &e.Stage, &e.Tool, &e.Message, &e.DetailsJSON, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// stringOrDash returns "-" when the input is empty/whitespace
func stringOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// detailsJSON keeps the column valid JSON; raw text gets wrapped.
func detailsJSON(details string) string {
	if strings.TrimSpace(details) == "" {
		return "{}"
	}
	var js any
	if json.Unmarshal([]byte(details), &js) != nil {
		b, _ := json.Marshal(map[string]string{"raw": details})
		return string(b)
	}
	return details
}
