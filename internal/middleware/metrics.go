package middleware

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// counters for the node process. Task counters come from TaskObserver,
// chunk counters from the ingest handler, request counters from
// MetricsMiddleware.
var counters struct {
	requests, inFlight, ok, failed         atomic.Uint64
	claimed, running, finished, taskFailed atomic.Uint64
	chunks, duplicates                     atomic.Uint64
}

var startedAt = time.Now()

// TaskStarted counts a claimed task that began running.
func TaskStarted() {
	counters.claimed.Add(1)
	counters.running.Add(1)
}

// TaskEnded counts a task reaching a terminal state.
func TaskEnded(finished bool) {
	counters.running.Add(^uint64(0))
	if finished {
		counters.finished.Add(1)
		return
	}
	counters.taskFailed.Add(1)
}

// ChunkIngested counts a result chunk accepted by the ingest endpoint.
func ChunkIngested(duplicate bool) {
	if duplicate {
		counters.duplicates.Add(1)
		return
	}
	counters.chunks.Add(1)
}

// GetMetrics snapshots the counters plus runtime stats.
func GetMetrics() map[string]any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]any{
		"requests_total":       counters.requests.Load(),
		"requests_in_progress": counters.inFlight.Load(),
		"requests_success":     counters.ok.Load(),
		"requests_failed":      counters.failed.Load(),
		"tasks_claimed":        counters.claimed.Load(),
		"tasks_running":        counters.running.Load(),
		"tasks_finished":       counters.finished.Load(),
		"tasks_failed":         counters.taskFailed.Load(),
		"chunks_ingested":      counters.chunks.Load(),
		"chunks_duplicate":     counters.duplicates.Load(),
		"uptime_seconds":       time.Since(startedAt).Seconds(),
		"heap_alloc_bytes":     m.HeapAlloc,
		"num_gc":               m.NumGC,
		"goroutines":           runtime.NumGoroutine(),
	}
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counters.requests.Add(1)
		counters.inFlight.Add(1)
		defer counters.inFlight.Add(^uint64(0))

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		if rw.statusCode < 400 {
			counters.ok.Add(1)
		} else {
			counters.failed.Add(1)
		}
	})
}

// MetricsHandler returns metrics as JSON
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GetMetrics())
}

// TaskObserver feeds the task counters from the node runner.
type TaskObserver struct{}

func (TaskObserver) TaskStarted(string) { TaskStarted() }

func (TaskObserver) TaskEnded(_ string, finished bool) { TaskEnded(finished) }
