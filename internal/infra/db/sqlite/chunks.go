package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bryanwahyu/automaton-node/internal/domain/tasks"
)

// ChunkLedger is an idempotent results.Ledger.
type ChunkLedger struct {
	s *Store
}

func (s *Store) Chunks() *ChunkLedger { return &ChunkLedger{s: s} }

func (l *ChunkLedger) Record(ctx context.Context, c tasks.Chunk) (bool, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("failed to encode chunk: %w", err)
	}
	res, err := l.s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO result_chunks (task_id, seq, total, issue_count, body, received_at)
VALUES (?, ?, ?, ?, ?, ?)`, c.TaskID, c.Seq, c.Total, len(c.Issues), string(body), formatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("failed to record chunk %s/%d: %w", c.TaskID, c.Seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (l *ChunkLedger) IssueCount(ctx context.Context, taskID string) (int, error) {
	var n int
	err := l.s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(issue_count), 0) FROM result_chunks WHERE task_id = ?`, taskID).Scan(&n)
	return n, err
}
