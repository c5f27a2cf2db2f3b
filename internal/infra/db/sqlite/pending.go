package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bryanwahyu/automaton-node/internal/domain/tasks"
)

// PendingStore keeps chunks of uploads that ran out of retries.
type PendingStore struct {
	s *Store
}

func (s *Store) Pending() *PendingStore { return &PendingStore{s: s} }

func (p *PendingStore) SavePending(ctx context.Context, taskID string, chunks []tasks.Chunk, cause string) error {
	tx, err := p.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now())
	for _, c := range chunks {
		body, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to encode chunk %d: %w", c.Seq, err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO pending_results (task_id, seq, body, cause, created_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(task_id, seq) DO UPDATE SET body = excluded.body, cause = excluded.cause, created_at = excluded.created_at`,
			taskID, c.Seq, string(body), cause, now); err != nil {
			return fmt.Errorf("failed to save pending chunk %d: %w", c.Seq, err)
		}
	}
	return tx.Commit()
}

// ListPending returns the saved chunks of a task ordered by seq.
func (p *PendingStore) ListPending(ctx context.Context, taskID string) ([]tasks.Chunk, error) {
	rows, err := p.s.db.QueryContext(ctx, `SELECT body FROM pending_results WHERE task_id = ? ORDER BY seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending chunks: %w", err)
	}
	defer rows.Close()
	var out []tasks.Chunk
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var c tasks.Chunk
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, fmt.Errorf("failed to decode pending chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PendingTasks lists task ids with saved chunks.
func (p *PendingStore) PendingTasks(ctx context.Context) ([]string, error) {
	rows, err := p.s.db.QueryContext(ctx, `SELECT DISTINCT task_id FROM pending_results ORDER BY task_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeletePending drops chunks once they were delivered.
func (p *PendingStore) DeletePending(ctx context.Context, taskID string, seq int) error {
	_, err := p.s.db.ExecContext(ctx, `DELETE FROM pending_results WHERE task_id = ? AND seq = ?`, taskID, seq)
	return err
}
