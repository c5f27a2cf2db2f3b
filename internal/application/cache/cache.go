// Package cache stores scan baselines in a fast local tier and an optional
// shared remote tier.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bryanwahyu/automaton-node/internal/domain/source"
	"github.com/bryanwahyu/automaton-node/internal/lock"
	"github.com/bryanwahyu/automaton-node/internal/logging"
)

// Tier is one storage level. Get reports found=false on a miss.
type Tier interface {
	Get(ctx context.Context, key source.BaselineKey) (*source.Baseline, bool, error)
	Put(ctx context.Context, b *source.Baseline) error
}

// Cache looks up local then remote, copying remote hits down. Returned
// baselines are shared between concurrent callers and must not be mutated.
type Cache struct {
	local   Tier
	remote  Tier
	group   singleflight.Group
	writers *lock.MutexMap
	log     *logging.Logger
}

// New builds a cache. remote may be nil.
func New(local, remote Tier, log *logging.Logger) *Cache {
	return &Cache{local: local, remote: remote, writers: lock.NewMutexMap(), log: log}
}

// lookupTimeout bounds a lookup shared by concurrent callers.
const lookupTimeout = time.Minute

type lookupResult struct {
	baseline *source.Baseline
	found    bool
}

func (c *Cache) Lookup(ctx context.Context, key source.BaselineKey) (*source.Baseline, bool, error) {
	if !key.Valid() {
		return nil, false, nil
	}
	// shared lookups run detached from the first caller; each caller only
	// stops waiting when its own ctx ends
	ch := c.group.DoChan(key.String(), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		b, ok, err := c.local.Get(ctx, key)
		if err != nil {
			c.log.Warnf("baseline=%s local tier read failed: %v", key, err)
		} else if ok {
			return lookupResult{b, true}, nil
		}
		if c.remote == nil {
			return lookupResult{}, err
		}

		b, ok, rerr := c.remote.Get(ctx, key)
		if rerr != nil {
			return lookupResult{}, errors.Join(err, fmt.Errorf("remote tier: %w", rerr))
		}
		if !ok {
			return lookupResult{}, nil
		}
		// remote entries are authoritative; a failed copy-down only costs the next lookup
		c.writers.Lock(key.String())
		if perr := c.local.Put(ctx, b); perr != nil {
			c.log.Warnf("baseline=%s copy to local tier failed: %v", key, perr)
		}
		c.writers.Unlock(key.String())
		return lookupResult{b, true}, nil
	})
	select {
	case <-ctx.Done():
		return nil, false, context.Cause(ctx)
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		r := res.Val.(lookupResult)
		return r.baseline, r.found, nil
	}
}

// Store writes b to both tiers. Writers of the same key are serialized and
// the last one wins.
func (c *Cache) Store(ctx context.Context, b *source.Baseline) error {
	if !b.Key.Valid() {
		return fmt.Errorf("invalid baseline key %q", b.Key)
	}
	k := b.Key.String()
	c.writers.Lock(k)
	defer c.writers.Unlock(k)

	var errs []error
	if err := c.local.Put(ctx, b); err != nil {
		errs = append(errs, fmt.Errorf("local tier: %w", err))
	}
	if c.remote != nil {
		if err := c.remote.Put(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("remote tier: %w", err))
		}
	}
	return errors.Join(errs...)
}
