// Package retry holds the bounded exponential backoff shared by the poll
// loop, tool downloads and per-state task retries.
package retry

import (
	"context"
	"time"

	"github.com/bryanwahyu/automaton-node/internal/application"
)

type Policy struct {
	MaxAttempts int // total attempts, including the first
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay returns the wait before attempt n+1 after n failed attempts (n >= 1).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, retryable reports false, or MaxAttempts is
// reached. fn receives the 1-based attempt number. The last error is returned.
func Do(ctx context.Context, clock application.Clock, p Policy, retryable func(error) bool, fn func(attempt int) error) error {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == max || (retryable != nil && !retryable(err)) {
			return err
		}
		if serr := clock.Sleep(ctx, p.Delay(attempt)); serr != nil {
			return err
		}
	}
	return err
}
