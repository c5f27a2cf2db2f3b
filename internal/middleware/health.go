package middleware

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthChecker is one dependency checked by /health.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a ping function, e.g. the object store or local db.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// DatabaseHealthChecker pings the history database.
type DatabaseHealthChecker struct {
	DB *sql.DB
}

func (d *DatabaseHealthChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return d.DB.PingContext(ctx)
}

type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckStatus `json:"checks"`
	Failing   []string               `json:"failing,omitempty"`
}

type CheckStatus struct {
	Status  string `json:"status"`
	Latency string `json:"latency"`
	Message string `json:"message,omitempty"`
}

// HealthHandler checks every dependency concurrently; any failure makes the
// node unhealthy (503).
func HealthHandler(checkers map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		out := HealthStatus{Status: "healthy", Timestamp: time.Now(), Checks: make(map[string]CheckStatus, len(checkers))}
		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for name, c := range checkers {
			wg.Add(1)
			go func(name string, c HealthChecker) {
				defer wg.Done()
				start := time.Now()
				err := c.Check(ctx)
				st := CheckStatus{Status: "healthy", Latency: time.Since(start).Round(time.Microsecond).String()}
				if err != nil {
					st.Status, st.Message = "unhealthy", err.Error()
				}
				mu.Lock()
				out.Checks[name] = st
				if err != nil {
					out.Failing = append(out.Failing, name)
				}
				mu.Unlock()
			}(name, c)
		}
		wg.Wait()

		code := http.StatusOK
		if len(out.Failing) > 0 {
			sort.Strings(out.Failing)
			out.Status, code = "unhealthy", http.StatusServiceUnavailable
		}
		writeJSON(w, code, out)
	}
}

// ReadinessHandler reports ready once the node has registered and while it
// is not draining.
func ReadinessHandler(ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ready", http.StatusOK
		if !ready() {
			status, code = "not_ready", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "timestamp": time.Now()})
	}
}

// LivenessHandler only proves the process serves HTTP.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
