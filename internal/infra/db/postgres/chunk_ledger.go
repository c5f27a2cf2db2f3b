package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bryanwahyu/automaton-node/internal/domain/tasks"
)

// ChunkLedger records result chunks at most once per (task_id, seq).
type ChunkLedger struct{ db *sql.DB }

func NewChunkLedger(db *sql.DB) *ChunkLedger { return &ChunkLedger{db: db} }

func (l *ChunkLedger) Record(ctx context.Context, c tasks.Chunk) (bool, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("encoding chunk: %w", err)
	}
	res, err := l.db.ExecContext(ctx, `
INSERT INTO result_chunks (task_id, seq, total, issue_count, body)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (task_id, seq) DO NOTHING;`, c.TaskID, c.Seq, c.Total, len(c.Issues), string(body))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (l *ChunkLedger) IssueCount(ctx context.Context, taskID string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(issue_count),0) FROM result_chunks WHERE task_id=$1;`, taskID).Scan(&n)
	return n, err
}
