package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

func TestTokenAuth(t *testing.T) {
	h := TokenAuth("s3cret")(okHandler)
	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health is open", "/health", "", http.StatusOK},
		{"missing header", "/v1/tasks", "", http.StatusUnauthorized},
		{"wrong token", "/v1/tasks", "Bearer nope", http.StatusUnauthorized},
		{"bearer token", "/v1/tasks", "Bearer s3cret", http.StatusOK},
		{"bare token", "/v1/tasks", "s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	TokenAuth("")(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	h := HealthHandler(map[string]HealthChecker{
		"db":    CheckFunc(func(context.Context) error { return nil }),
		"minio": CheckFunc(func(context.Context) error { return errors.New("bucket unreachable") }),
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "bucket unreachable")
}

func TestReadinessHandler(t *testing.T) {
	ready := false
	h := ReadinessHandler(func() bool { return ready })
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready = true
	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(NewRateLimiter(ctx, 2, 0))(okHandler)

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest(http.MethodPut, "/api/tasks/t/results/0", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes[i] = rec.Code
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestValidators(t *testing.T) {
	require.NoError(t, ValidateID("task id", "task-42.a"))
	assert.Error(t, ValidateID("task id", ""))
	assert.Error(t, ValidateID("task id", "../etc"))
	assert.NoError(t, ValidateTool("Pylint"))
	assert.Error(t, ValidateTool("rubocop"))
	assert.Equal(t, 100, ValidateLimit(1000))
	assert.Equal(t, "a b", SanitizeString(" a\x00 b\x07 "))
}

func TestTaskObserver(t *testing.T) {
	before := GetMetrics()["tasks_finished"].(uint64)
	var o TaskObserver
	o.TaskStarted("t1")
	o.TaskEnded("t1", true)
	assert.Equal(t, before+1, GetMetrics()["tasks_finished"].(uint64))
}

func TestRateLimiter_RefillAndSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 1, 2)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("node-a"))
	assert.False(t, rl.Allow("node-a"))
	assert.True(t, rl.Allow("node-b"), "buckets are per key")

	now = now.Add(500 * time.Millisecond)
	assert.True(t, rl.Allow("node-a"))

	now = now.Add(idleAfter + time.Second)
	rl.sweep()
	rl.mu.Lock()
	assert.Empty(t, rl.buckets)
	rl.mu.Unlock()
}
