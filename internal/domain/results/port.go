package results

import (
	"context"

	"github.com/bryanwahyu/automaton-node/internal/domain/tasks"
)

// Ledger is the receiving side of result uploads. A chunk is recorded at
// most once per (task id, seq); replays report duplicate=true and change
// nothing.
type Ledger interface {
	Record(ctx context.Context, chunk tasks.Chunk) (duplicate bool, err error)
	IssueCount(ctx context.Context, taskID string) (int, error)
}
