package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// idleAfter is how long an unused uploader keeps its bucket.
const idleAfter = 10 * time.Minute

// bucket refills continuously; tokens are fractional so slow refill rates
// still make progress between requests.
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per uploader address. Result uploads
// that overflow get 429, which the sender retries with backoff.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity float64
	perSec   float64
	now      func() time.Time
}

// NewRateLimiter starts a janitor that drops idle buckets until ctx ends.
func NewRateLimiter(ctx context.Context, capacity, refillPerSec int) *RateLimiter {
	rl := &RateLimiter{
		buckets:  make(map[string]*bucket),
		capacity: float64(capacity),
		perSec:   float64(refillPerSec),
		now:      time.Now,
	}
	go rl.janitor(ctx)
	return rl
}

// Allow takes one token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.capacity, lastSeen: now}
		rl.buckets[key] = b
	}
	b.tokens += now.Sub(b.lastSeen).Seconds() * rl.perSec
	if b.tokens > rl.capacity {
		b.tokens = rl.capacity
	}
	b.lastSeen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-idleAfter)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

func (rl *RateLimiter) janitor(ctx context.Context) {
	ticker := time.NewTicker(idleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// RateLimit throttles by client host.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(clientHost(r)) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "too many result uploads, retry later", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
