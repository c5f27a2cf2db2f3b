package tasks

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bryanwahyu/automaton-node/internal/domain/scans"
	"github.com/bryanwahyu/automaton-node/internal/domain/source"
)

const (
	KindScan = "scan"
	KindKill = "kill"
)

// Assignment is what the scheduler hands out on claim.
type Assignment struct {
	Kind             string              `json:"kind"`
	TaskID           string              `json:"task_id"`
	JobID            string              `json:"job_id"`
	ProjectID        string              `json:"project_id"`
	SchemeID         string              `json:"scheme_id"`
	Repo             string              `json:"repo"`
	Revision         string              `json:"revision"`
	Branch           string              `json:"branch,omitempty"`
	BaselineRevision string              `json:"baseline_revision,omitempty"`
	ScanPath         string              `json:"scan_path,omitempty"`
	Include          []string            `json:"include,omitempty"`
	Exclude          []string            `json:"exclude,omitempty"`
	IgnoreRuleIDs    []string            `json:"ignore_rule_ids,omitempty"`
	IgnorePaths      []string            `json:"ignore_paths,omitempty"`
	Tools            []scans.RawToolSpec `json:"tools"`
}

// IgnoreRules drop issues by rule id or path pattern.
type IgnoreRules struct {
	RuleIDs []string
	Paths   []string
}

// Task is one assignment's lifecycle on this node. Lifecycle fields are
// guarded so the runner can snapshot while the machine drives the task.
type Task struct {
	ID               string
	JobID            string
	ProjectID        string
	SchemeID         string
	Repo             string
	Revision         string
	Branch           string
	BaselineRevision string
	Filter           *source.PathFilter
	Ignore           IgnoreRules
	Tools            []scans.ToolSpec
	ClaimedAt        time.Time

	mu         sync.Mutex
	state      State
	retries    map[State]int
	updatedAt  time.Time
	finishedAt time.Time
	err        *Error
}

// NewTask validates an assignment. Every problem is reported as a
// ValidationError so the scheduler sees it before any work starts.
func NewTask(a Assignment, now time.Time) (*Task, error) {
	var errs []error
	for name, v := range map[string]string{
		"task_id": a.TaskID, "project_id": a.ProjectID, "scheme_id": a.SchemeID,
		"repo": a.Repo, "revision": a.Revision,
	} {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	if len(a.Tools) == 0 {
		errs = append(errs, errors.New("at least one tool is required"))
	}
	specs := make([]scans.ToolSpec, 0, len(a.Tools))
	seen := make(map[scans.Tool]bool)
	for _, raw := range a.Tools {
		spec, err := scans.ParseToolSpec(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[spec.Name] {
			errs = append(errs, fmt.Errorf("tool %s listed twice", spec.Name))
			continue
		}
		seen[spec.Name] = true
		specs = append(specs, spec)
	}

	include := append([]string(nil), a.Include...)
	if sp := strings.Trim(scans.NormalizePath(a.ScanPath), "/"); sp != "" && sp != "." {
		include = append(include, sp+"/*")
	}
	filter, err := source.NewPathFilter(include, a.Exclude)
	if err != nil {
		errs = append(errs, fmt.Errorf("path filter: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, &Error{Class: ValidationError, Stage: StateClaimed, Message: err.Error(), Err: err}
	}

	return &Task{
		ID:               a.TaskID,
		JobID:            a.JobID,
		ProjectID:        a.ProjectID,
		SchemeID:         a.SchemeID,
		Repo:             a.Repo,
		Revision:         a.Revision,
		Branch:           a.Branch,
		BaselineRevision: a.BaselineRevision,
		Filter:           filter,
		Ignore:           IgnoreRules{RuleIDs: a.IgnoreRuleIDs, Paths: a.IgnorePaths},
		Tools:            specs,
		ClaimedAt:        now,
		state:            StateClaimed,
		retries:          make(map[State]int),
		updatedAt:        now,
	}, nil
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) Err() *Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) Retries(s State) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retries[s]
}

// IncRetry bumps and returns the retry counter of the current state.
func (t *Task) IncRetry() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retries[t.state]++
	return t.retries[t.state]
}

func (t *Task) UpdatedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updatedAt
}

func (t *Task) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

// Transition moves the task forward, enforcing the transition table.
func (t *Task) Transition(to State, now time.Time) (from State, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	from = t.state
	if err := ValidateTransition(from, to); err != nil {
		return from, err
	}
	t.state = to
	t.updatedAt = now
	if to.Terminal() {
		t.finishedAt = now
	}
	return from, nil
}

// Fail moves the task to Failed and records e. The stage defaults to the
// state the task failed in.
func (t *Task) Fail(e *Error, now time.Time) (from State, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	from = t.state
	if err := ValidateTransition(from, StateFailed); err != nil {
		return from, err
	}
	if e.Stage == "" {
		e.Stage = from
	}
	t.err = e
	t.state = StateFailed
	t.updatedAt = now
	t.finishedAt = now
	return from, nil
}

// Snapshot is a read-only copy used by the status API.
type Snapshot struct {
	ID        string        `json:"id"`
	JobID     string        `json:"job_id"`
	ProjectID string        `json:"project_id"`
	Revision  string        `json:"revision"`
	State     State         `json:"state"`
	Retries   map[State]int `json:"retries,omitempty"`
	ClaimedAt time.Time     `json:"claimed_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Error     *Error        `json:"error,omitempty"`
}

func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	retries := make(map[State]int, len(t.retries))
	for k, v := range t.retries {
		retries[k] = v
	}
	return Snapshot{
		ID: t.ID, JobID: t.JobID, ProjectID: t.ProjectID, Revision: t.Revision,
		State: t.state, Retries: retries, ClaimedAt: t.ClaimedAt, UpdatedAt: t.updatedAt, Error: t.err,
	}
}
