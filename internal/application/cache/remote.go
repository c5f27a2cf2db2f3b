package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/bryanwahyu/automaton-node/internal/domain/blobs"
	"github.com/bryanwahyu/automaton-node/internal/domain/source"
)

// RemoteTier keeps baselines as JSON objects in a shared object store.
type RemoteTier struct {
	Store  blobs.ObjectStore
	Prefix string
}

func NewRemoteTier(store blobs.ObjectStore) *RemoteTier {
	return &RemoteTier{Store: store, Prefix: "baselines"}
}

func (r *RemoteTier) objectKey(k source.BaselineKey) string {
	return fmt.Sprintf("%s/%s/%s/%s.json", r.Prefix,
		url.PathEscape(k.ProjectID), url.PathEscape(k.SchemeID), url.PathEscape(k.Revision))
}

func (r *RemoteTier) Get(ctx context.Context, key source.BaselineKey) (*source.Baseline, bool, error) {
	blob, found, err := r.Store.Get(ctx, r.objectKey(key))
	if err != nil || !found {
		return nil, false, err
	}
	var b source.Baseline
	if err := json.Unmarshal(blob, &b); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", r.objectKey(key), err)
	}
	if b.Key != key {
		return nil, false, fmt.Errorf("object %s holds baseline %s", r.objectKey(key), b.Key)
	}
	return &b, true, nil
}

func (r *RemoteTier) Put(ctx context.Context, b *source.Baseline) error {
	blob, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return r.Store.Put(ctx, r.objectKey(b.Key), blob)
}
