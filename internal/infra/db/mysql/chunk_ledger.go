package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bryanwahyu/automaton-node/internal/domain/tasks"
)

// ChunkLedger records result chunks at most once per (task_id, seq).
type ChunkLedger struct {
	db *sql.DB
}

func NewChunkLedger(db *sql.DB) *ChunkLedger { return &ChunkLedger{db: db} }

func (l *ChunkLedger) Record(ctx context.Context, c tasks.Chunk) (bool, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("encoding chunk: %w", err)
	}
	res, err := l.db.ExecContext(ctx, `
INSERT IGNORE INTO result_chunks (task_id, seq, total, issue_count, body, received_at)
VALUES (?,?,?,?,?,?);`, c.TaskID, c.Seq, c.Total, len(c.Issues), string(body), time.Now().UTC())
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
	err := l.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(issue_count),0) FROM result_chunks WHERE task_id=?;`, taskID).Scan(&n)
	return n, err
}
