package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	appscans "github.com/bryanwahyu/automaton-node/internal/application/scans"
	"github.com/bryanwahyu/automaton-node/internal/domain/results"
	domain "github.com/bryanwahyu/automaton-node/internal/domain/scans"
	"github.com/bryanwahyu/automaton-node/internal/domain/tasks"
	"github.com/bryanwahyu/automaton-node/internal/logging"
	"github.com/bryanwahyu/automaton-node/internal/middleware"
)

// TaskTable exposes the node's in-flight and recent tasks.
type TaskTable interface {
	Snapshot() []tasks.Snapshot
	Get(id string) (tasks.Snapshot, bool)
}

// Deps are the services behind the node HTTP surface. Nil members switch
// their routes off.
type Deps struct {
	Runs    *appscans.Service
	Tasks   TaskTable
	Ledger  results.Ledger
	Checks  map[string]middleware.HealthChecker
	Ready   func() bool
	Token   string
	Limiter *middleware.RateLimiter
	Log     *logging.Logger
}

type Router struct {
	d Deps
}

var errBadRequest = errors.New("bad request")

func NewRouter(d Deps) http.Handler {
	if d.Ready == nil {
		d.Ready = func() bool { return true }
	}
	r := &Router{d: d}
	mux := chi.NewRouter()
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	mux.Use(middleware.MetricsMiddleware)
	mux.Use(middleware.RequestLogger(d.Log))

	mux.Get("/health", middleware.HealthHandler(d.Checks))
	mux.Get("/ready", middleware.ReadinessHandler(d.Ready))
	mux.Get("/live", middleware.LivenessHandler)

	mux.Group(func(rt chi.Router) {
		rt.Use(middleware.TokenAuth(d.Token))
		rt.Get("/metrics", middleware.MetricsHandler)

		if d.Tasks != nil {
			rt.Get("/v1/tasks", r.wrap(r.handleTasks))
			rt.Get("/v1/tasks/{task}", r.wrap(r.handleTask))
		}
		if d.Runs != nil {
			rt.Get("/v1/runs/{task}", r.wrap(r.handleRun))
			rt.Route("/v1/projects/{project}", func(pr chi.Router) {
				pr.Get("/runs", r.wrap(r.handleRuns))
				pr.Get("/runs/latest", r.wrap(r.handleLatest))
				pr.Get("/summary", r.wrap(r.handleSummary))
			})
			rt.Post("/v1/pending/resubmit", r.wrap(r.handleResubmit))
		}
		if d.Ledger != nil {
			rt.Group(func(ig chi.Router) {
				if d.Limiter != nil {
					ig.Use(middleware.RateLimit(d.Limiter))
				}
				ig.Put("/api/tasks/{task}/results/{seq}", r.wrap(r.handleIngest))
				ig.Get("/api/tasks/{task}/issues/count", r.wrap(r.handleIssueCount))
			})
		}
	})
	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := h(w, req); err != nil {
			switch {
			case errors.Is(err, domain.ErrRunNotFound):
				http.Error(w, "not found", http.StatusNotFound)
			case errors.Is(err, errBadRequest):
				http.Error(w, err.Error(), http.StatusBadRequest)
			default:
				r.d.Log.Errorf("method=%s path=%s err=%v", req.Method, req.URL.Path, err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func param(req *http.Request, name string) (string, error) {
	v := chi.URLParam(req, name)
	if err := middleware.ValidateID(name, v); err != nil {
		return "", badRequest("%v", err)
	}
	return v, nil
}

// GET /v1/tasks
func (r *Router) handleTasks(w http.ResponseWriter, req *http.Request) error {
	return writeJSON(w, r.d.Tasks.Snapshot())
}

// GET /v1/tasks/{task}
func (r *Router) handleTask(w http.ResponseWriter, req *http.Request) error {
	id, err := param(req, "task")
	if err != nil {
		return err
	}
	snap, ok := r.d.Tasks.Get(id)
	if !ok {
		return domain.ErrRunNotFound
	}
	return writeJSON(w, snap)
}

// GET /v1/runs/{task}
func (r *Router) handleRun(w http.ResponseWriter, req *http.Request) error {
	id, err := param(req, "task")
	if err != nil {
		return err
	}
	detail, err := r.d.Runs.Get(req.Context(), id)
	if err != nil {
		return err
	}
	return writeJSON(w, detail)
}

// GET /v1/projects/{project}/runs?page=&page_size=  or  ?cursor_time=&cursor_id=
func (r *Router) handleRuns(w http.ResponseWriter, req *http.Request) error {
	project, err := param(req, "project")
	if err != nil {
		return err
	}
	q := req.URL.Query()
	size, _ := strconv.Atoi(q.Get("page_size"))
	size = middleware.ValidateLimit(size)

	if ct := q.Get("cursor_time"); ct != "" {
		at, err := time.Parse(time.RFC3339Nano, ct)
		if err != nil {
			return badRequest("cursor_time must be RFC3339")
		}
		runs, err := r.d.Runs.Cursor(req.Context(), project, at, q.Get("cursor_id"), size)
		if err != nil {
			return err
		}
		return writeJSON(w, runs)
	}

	page, _ := strconv.Atoi(q.Get("page"))
	res, err := r.d.Runs.Page(req.Context(), project, page, size)
	if err != nil {
		return err
	}
	return writeJSON(w, res)
}

// GET /v1/projects/{project}/runs/latest?limit=
func (r *Router) handleLatest(w http.ResponseWriter, req *http.Request) error {
	project, err := param(req, "project")
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	runs, err := r.d.Runs.Latest(req.Context(), project, middleware.ValidateLimit(limit))
	if err != nil {
		return err
	}
	return writeJSON(w, runs)
}

// GET /v1/projects/{project}/summary?days=
func (r *Router) handleSummary(w http.ResponseWriter, req *http.Request) error {
	project, err := param(req, "project")
	if err != nil {
		return err
	}
	days, _ := strconv.Atoi(req.URL.Query().Get("days"))
	since := time.Now().AddDate(0, 0, -middleware.ValidateDays(days))
	sum, err := r.d.Runs.Summary(req.Context(), project, since)
	if err != nil {
		return err
	}
	return writeJSON(w, sum)
}

// POST /v1/pending/resubmit
func (r *Router) handleResubmit(w http.ResponseWriter, req *http.Request) error {
	n, err := r.d.Runs.Resubmit(req.Context())
	resp := map[string]any{"resubmitted": n}
	if err != nil {
		resp["error"] = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		return json.NewEncoder(w).Encode(resp)
	}
	return writeJSON(w, resp)
}

// PUT /api/tasks/{task}/results/{seq}
// Replaying a chunk is acknowledged with duplicate=true and changes nothing.
func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) error {
	taskID, err := param(req, "task")
	if err != nil {
		return err
	}
	seq, err := strconv.Atoi(chi.URLParam(req, "seq"))
	if err != nil || seq < 0 {
		return badRequest("seq must be a non-negative integer")
	}

	var chunk tasks.Chunk
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 32<<20)).Decode(&chunk); err != nil {
		return badRequest("decode chunk: %v", err)
	}
	if chunk.TaskID != taskID || chunk.Seq != seq {
		return badRequest("chunk %s/%d does not match url %s/%d", chunk.TaskID, chunk.Seq, taskID, seq)
	}
	if chunk.Total <= seq {
		return badRequest("seq %d out of range for total %d", seq, chunk.Total)
	}
	if seq == 0 && chunk.Summary == nil {
		return badRequest("first chunk must carry the summary")
	}

	dup, err := r.d.Ledger.Record(req.Context(), chunk)
	if err != nil {
		return err
	}
	middleware.ChunkIngested(dup)
	return writeJSON(w, tasks.Ack{TaskID: taskID, Seq: seq, Duplicate: dup})
}

// GET /api/tasks/{task}/issues/count
func (r *Router) handleIssueCount(w http.ResponseWriter, req *http.Request) error {
	taskID, err := param(req, "task")
	if err != nil {
		return err
	}
	n, err := r.d.Ledger.IssueCount(req.Context(), taskID)
	if err != nil {
		return err
	}
	return writeJSON(w, map[string]int{"issues": n})
}
