package scanerrors

import (
    "context"
)

// Repository defines persistence for task errors
type Repository interface {
    Save(ctx context.Context, e *ScanError) error
    ListByTask(ctx context.Context, taskID string, limit int) ([]*ScanError, error)
}
