package scans

import (
	"context"
	"errors"
	"time"
)

var ErrRunNotFound = errors.New("task run not found")

// TaskRunRepository port (interface untuk persistence completion event)
type TaskRunRepository interface {
	Save(ctx context.Context, r *TaskRun) error
	// Get looks a run up by task id; ErrRunNotFound when absent.
	Get(ctx context.Context, taskID string) (*TaskRun, error)
	Latest(ctx context.Context, projectID string, limit int) ([]*TaskRun, error)
	Paginate(ctx context.Context, projectID string, page, pageSize int) (PaginatedResult, error)
	Cursor(ctx context.Context, projectID string, cursorTime time.Time, cursorID string, pageSize int) ([]*TaskRun, error)
}

// Executor port (interface untuk eksekusi analyzer sebagai subprocess).
// A non-zero exit is reported through RunResult.ExitCode, not as an error;
// the error is reserved for failing to start or supervise the process.
type Executor interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}
