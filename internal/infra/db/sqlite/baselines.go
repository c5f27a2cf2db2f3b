package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bryanwahyu/automaton-node/internal/domain/source"
)

// BaselineStore is the local cache tier.
type BaselineStore struct {
	s *Store
}

func (s *Store) Baselines() *BaselineStore { return &BaselineStore{s: s} }

func (b *BaselineStore) Get(ctx context.Context, key source.BaselineKey) (*source.Baseline, bool, error) {
	var body string
	err := b.s.db.QueryRowContext(ctx, `SELECT body FROM baselines WHERE cache_key = ?`, key.String()).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read baseline %s: %w", key, err)
	}
	var bl source.Baseline
	if err := json.Unmarshal([]byte(body), &bl); err != nil {
		return nil, false, fmt.Errorf("failed to decode baseline %s: %w", key, err)
	}
	return &bl, true, nil
}

// Put replaces the baseline stored under its key in one statement, so a
// reader sees either the old or the new record.
func (b *BaselineStore) Put(ctx context.Context, bl *source.Baseline) error {
	body, err := json.Marshal(bl)
	if err != nil {
		return fmt.Errorf("failed to encode baseline: %w", err)
	}
	_, err = b.s.db.ExecContext(ctx, `
INSERT INTO baselines (cache_key, project_id, scheme_id, revision, body, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(cache_key) DO UPDATE SET body = excluded.body, created_at = excluded.created_at`,
		bl.Key.String(), bl.Key.ProjectID, bl.Key.SchemeID, bl.Key.Revision, string(body), formatTime(bl.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to write baseline %s: %w", bl.Key, err)
	}
	return nil
}
