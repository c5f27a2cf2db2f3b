// Package tasks drives one claimed task through its lifecycle.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/automaton-node/internal/application"
	"github.com/bryanwahyu/automaton-node/internal/application/incremental"
	"github.com/bryanwahyu/automaton-node/internal/application/pipeline"
	"github.com/bryanwahyu/automaton-node/internal/application/results"
	"github.com/bryanwahyu/automaton-node/internal/application/retry"
	"github.com/bryanwahyu/automaton-node/internal/application/toolchain"
	"github.com/bryanwahyu/automaton-node/internal/domain/scanerrors"
	"github.com/bryanwahyu/automaton-node/internal/domain/scans"
	"github.com/bryanwahyu/automaton-node/internal/domain/source"
	domain "github.com/bryanwahyu/automaton-node/internal/domain/tasks"
	"github.com/bryanwahyu/automaton-node/internal/domain/toolpkg"
	"github.com/bryanwahyu/automaton-node/internal/logging"
)

var (
	// ErrTaskTimeout is the context cause when a task outlives its time limit.
	ErrTaskTimeout = errors.New("task timeout")
	// ErrKilled is the context cause when the scheduler kills a task.
	ErrKilled = errors.New("task killed by scheduler")
)

// BaselineCache is the two-tier cache as seen by the machine.
type BaselineCache interface {
	Lookup(ctx context.Context, key source.BaselineKey) (*source.Baseline, bool, error)
	Store(ctx context.Context, b *source.Baseline) error
}

type DeltaComputer interface {
	Compute(ctx context.Context, in incremental.Input) (incremental.Result, error)
}

type ToolResolver interface {
	Resolve(ctx context.Context, spec scans.ToolSpec) (*toolpkg.Package, error)
}

type ToolRunner interface {
	RunAll(ctx context.Context, taskID, root, scratch string, worklist []string, tools []toolchain.Prepared) []toolchain.Outcome
}

// Limits bound retries and the task's total run time.
type Limits struct {
	TaskTimeout   time.Duration
	StateRetries  int // per state, for transient errors
	UploadRetries int
	Backoff       retry.Policy // only BaseDelay and MaxDelay are used
	BlameWorkers  int
}

// Machine executes tasks. It is safe for concurrent use; each Execute call
// owns its task exclusively.
type Machine struct {
	Scheduler domain.Scheduler
	SCM       source.SCM
	Cache     BaselineCache
	Source    DeltaComputer
	Tools     ToolResolver
	Runner    ToolRunner
	Sender    *results.Sender
	Runs      scans.TaskRunRepository // optional
	Errors    scanerrors.Repository   // optional
	Pending   domain.PendingResults   // optional
	WorkDir   string
	Limits    Limits
	Clock     application.Clock
	Log       *logging.Logger
}

// execution is the working state of one task run.
type execution struct {
	task     *domain.Task
	dir      string
	root     string
	started  time.Time
	baseline *source.Baseline
	delta    incremental.Result
	prepared []toolchain.Prepared
	tools    []scans.ToolSummary
	payload  results.Payload
	next     *source.Baseline
}

func (e *execution) scanType() string {
	if e.baseline == nil {
		return domain.ScanTypeFull
	}
	return domain.ScanTypeIncremental
}

// Execute runs t until it is Finished or Failed. The returned error is the
// task's failure, nil when it finished.
func (m *Machine) Execute(ctx context.Context, t *domain.Task) error {
	if m.Limits.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, m.Limits.TaskTimeout, ErrTaskTimeout)
		defer cancel()
	}

	run := &execution{
		task:    t,
		dir:     filepath.Join(m.WorkDir, t.ID),
		started: m.clock().Now(),
	}
	run.root = filepath.Join(run.dir, "src")
	defer os.RemoveAll(run.dir)
	defer m.Sender.Forget(t.ID)

	m.Log.Infof("task=%s project=%s revision=%s tools=%d claimed", t.ID, t.ProjectID, t.Revision, len(t.Tools))
	for {
		state := t.State()
		if state.Terminal() {
			break
		}
		err := m.step(ctx, run, state)
		if err == nil {
			next, _ := state.Next()
			m.transition(ctx, run, next)
			continue
		}

		te := m.classify(ctx, state, err)
		if domain.Transient(te) && ctx.Err() == nil && t.Retries(state) < m.limitFor(state) {
			n := t.IncRetry()
			delay := m.Limits.Backoff.Delay(n)
			m.Log.Warnf("task=%s state=%s retry=%d/%d backoff=%s err=%q", t.ID, state, n, m.limitFor(state), delay, te.Message)
			if serr := m.clock().Sleep(ctx, delay); serr == nil {
				continue
			}
			te = m.classify(ctx, state, ctx.Err())
		}
		m.fail(ctx, run, state, te)
	}

	m.record(ctx, run)
	if e := t.Err(); e != nil {
		return e
	}
	return nil
}

func (m *Machine) step(ctx context.Context, run *execution, state domain.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch state {
	case domain.StateClaimed:
		return nil
	case domain.StateSourceSyncing:
		return m.syncSource(ctx, run)
	case domain.StateToolPreparing:
		return m.prepareTools(ctx, run)
	case domain.StateScanning:
		return m.scan(ctx, run)
	case domain.StateUploading:
		return m.upload(ctx, run)
	default:
		return domain.Errorf(domain.InternalError, "no handler for state %s", state)
	}
}

func (m *Machine) limitFor(state domain.State) int {
	if state == domain.StateUploading {
		return m.Limits.UploadRetries
	}
	return m.Limits.StateRetries
}

func (m *Machine) syncSource(ctx context.Context, run *execution) error {
	t := run.task
	if err := os.RemoveAll(run.root); err != nil {
		return domain.NewError(domain.SourceSyncError, err)
	}
	if err := os.MkdirAll(run.dir, 0o750); err != nil {
		return domain.NewError(domain.SourceSyncError, err)
	}
	if err := m.SCM.Checkout(ctx, t.Repo, t.Revision, run.root); err != nil {
		if domain.ClassOf(err) == domain.NetworkError {
			return err
		}
		return &domain.Error{Class: domain.SourceSyncError, Message: "checkout: " + err.Error(), Err: err}
	}

	run.baseline = nil
	if t.BaselineRevision != "" {
		key := source.BaselineKey{ProjectID: t.ProjectID, SchemeID: t.SchemeID, Revision: t.BaselineRevision}
		b, ok, err := m.Cache.Lookup(ctx, key)
		switch {
		case err != nil:
			m.Log.Warnf("task=%s baseline=%s lookup failed, scanning in full: %v", t.ID, key, err)
		case ok:
			run.baseline = b
		default:
			m.Log.Infof("task=%s baseline=%s not cached, scanning in full", t.ID, key)
		}
	}

	res, err := m.Source.Compute(ctx, incremental.Input{
		Root: run.root, Revision: t.Revision, Baseline: run.baseline, Filter: t.Filter,
	})
	if err != nil {
		return &domain.Error{Class: domain.SourceSyncError, Message: "delta: " + err.Error(), Err: err}
	}
	run.delta = res
	m.Log.Infof("task=%s scan_type=%s method=%s files=%d worklist=%d", t.ID, run.scanType(), res.Method, len(res.Manifest), len(res.Worklist))
	return nil
}

func (m *Machine) prepareTools(ctx context.Context, run *execution) error {
	specs := run.task.Tools
	prepared := make([]toolchain.Prepared, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		g.Go(func() error {
			pkg, err := m.Tools.Resolve(gctx, spec)
			if err != nil {
				return err
			}
			prepared[i] = toolchain.Prepared{Spec: spec, Package: pkg}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	run.prepared = prepared
	return nil
}

func (m *Machine) scan(ctx context.Context, run *execution) error {
	t := run.task
	scratch := filepath.Join(run.dir, "reports")
	if err := os.MkdirAll(scratch, 0o750); err != nil {
		return domain.NewError(domain.InternalError, err)
	}

	outcomes := m.Runner.RunAll(ctx, t.ID, run.root, scratch, run.delta.Worklist, run.prepared)
	if err := ctx.Err(); err != nil {
		return err
	}

	p := &pipeline.Pipeline{BlameWorkers: m.Limits.BlameWorkers, Log: m.Log}
	out, outcomes := p.Run(ctx, t.ID, pipeline.Input{
		Root:     run.root,
		Outcomes: outcomes,
		Worklist: run.delta.Worklist,
		Delta:    run.delta.Delta,
		Baseline: run.baseline,
		Filter:   t.Filter,
		Ignore:   t.Ignore,
		Lines:    &pipeline.FileLines{Root: run.root},
		Blamer:   m.blamer(run.root),
	})
	if toolchain.AllFailed(outcomes) {
		err := toolchain.FailureSummary(outcomes)
		return &domain.Error{Class: domain.ToolExecutionError, Stage: domain.StateScanning, Message: "all tools failed: " + err.Error(), Err: err}
	}

	complete := true
	run.tools = make([]scans.ToolSummary, len(outcomes))
	for i, o := range outcomes {
		s := o.Summary()
		s.IssueCount = out.ToolCounts[o.Spec.Name]
		run.tools[i] = s
		if o.Err != nil {
			complete = false
		}
	}
	run.payload = results.NewPayload(t, run.scanType(), run.tools, out.Issues, len(run.delta.Worklist), run.started, m.clock().Now())

	run.next = nil
	if complete {
		run.next = &source.Baseline{
			Key:        source.BaselineKey{ProjectID: t.ProjectID, SchemeID: t.SchemeID, Revision: t.Revision},
			HashScheme: source.HashScheme,
			Manifest:   run.delta.Manifest,
			Issues:     out.Issues,
			CreatedAt:  m.clock().Now(),
		}
	} else {
		m.Log.Warnf("task=%s partial tool results, baseline will not be updated", t.ID)
	}
	return nil
}

func (m *Machine) upload(ctx context.Context, run *execution) error {
	if _, err := m.Sender.Send(ctx, run.payload); err != nil {
		return err
	}
	if run.next != nil {
		if err := m.Cache.Store(ctx, run.next); err != nil {
			m.Log.Warnf("task=%s baseline=%s store failed: %v", run.task.ID, run.next.Key, err)
		}
	}
	return nil
}

func (m *Machine) transition(ctx context.Context, run *execution, to domain.State) {
	t := run.task
	from, err := t.Transition(to, m.clock().Now())
	if err != nil {
		// only reachable through a programming error in the step table
		m.fail(ctx, run, from, domain.NewError(domain.InternalError, err))
		return
	}
	m.Log.Infof("task=%s from=%s to=%s", t.ID, from, to)
	m.report(ctx, t.ID, domain.StatusReport{State: to})
}

func (m *Machine) fail(ctx context.Context, run *execution, state domain.State, te *domain.Error) {
	t := run.task
	if state == domain.StateUploading && te.Class != domain.TaskTimeoutError && te.Class != domain.TaskCancelled {
		te = &domain.Error{
			Class: domain.UploadError, Stage: state,
			Message: fmt.Sprintf("upload failed after %d attempts: %s", t.Retries(state)+1, te.Message), Err: te,
		}
		m.savePending(ctx, run, te.Message)
	}
	from, err := t.Fail(te, m.clock().Now())
	if err != nil {
		m.Log.Errorf("task=%s cannot fail from %s: %v", t.ID, from, err)
		return
	}
	m.Log.Errorf("task=%s from=%s to=%s class=%s err=%q", t.ID, from, domain.StateFailed, te.Class, te.Message)
	m.report(ctx, t.ID, domain.StatusReport{State: domain.StateFailed, Error: te})

	if m.Errors != nil {
		rec := &scanerrors.ScanError{
			TaskID: t.ID, ProjectID: t.ProjectID, Class: string(te.Class), Stage: string(te.Stage),
			Tool: string(te.Tool), Message: te.Message, CreatedAt: m.clock().Now(),
		}
		if err := m.Errors.Save(context.WithoutCancel(ctx), rec); err != nil {
			m.Log.Warnf("task=%s save error record: %v", t.ID, err)
		}
	}
}

func (m *Machine) savePending(ctx context.Context, run *execution, cause string) {
	if m.Pending == nil {
		return
	}
	chunks := m.Sender.Unacked(run.payload)
	if err := m.Pending.SavePending(context.WithoutCancel(ctx), run.task.ID, chunks, cause); err != nil {
		m.Log.Errorf("task=%s save pending results: %v", run.task.ID, err)
		return
	}
	m.Log.Warnf("task=%s chunks=%d saved for resubmission", run.task.ID, len(chunks))
}

const reportTimeout = 5 * time.Second

// report is best effort: a lost status update never fails the task.
func (m *Machine) report(ctx context.Context, taskID string, r domain.StatusReport) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := m.Scheduler.ReportStatus(rctx, taskID, r); err != nil {
		m.Log.Warnf("task=%s state=%s report-status failed: %v", taskID, r.State, err)
	}
}

// record persists the completion event of a terminal task.
func (m *Machine) record(ctx context.Context, run *execution) {
	if m.Runs == nil {
		return
	}
	t := run.task
	finished := t.FinishedAt()
	tr := &scans.TaskRun{
		ID:         uuid.NewString(),
		TaskID:     t.ID,
		JobID:      t.JobID,
		ProjectID:  t.ProjectID,
		SchemeID:   t.SchemeID,
		Revision:   t.Revision,
		Branch:     t.Branch,
		State:      string(t.State()),
		ScanType:   run.scanType(),
		Tools:      run.tools,
		StartedAt:  run.started,
		FinishedAt: finished,
		DurationMS: finished.Sub(run.started).Milliseconds(),
	}
	if t.State() == domain.StateFinished {
		tr.Counts = run.payload.Summary.Counts
		tr.Issues = run.payload.Issues
	}
	if err := m.Runs.Save(context.WithoutCancel(ctx), tr); err != nil {
		m.Log.Warnf("task=%s save task run: %v", t.ID, err)
	}
}

// classify maps err to a task error. Context expiry wins over whatever the
// step returned, since the step usually only saw a cancelled call.
func (m *Machine) classify(ctx context.Context, state domain.State, err error) *domain.Error {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, ErrTaskTimeout) {
			return &domain.Error{Class: domain.TaskTimeoutError, Stage: state,
				Message: fmt.Sprintf("task exceeded %s", m.Limits.TaskTimeout), Err: cause}
		}
		return &domain.Error{Class: domain.TaskCancelled, Stage: state, Message: cause.Error(), Err: cause}
	}
	var te *domain.Error
	if errors.As(err, &te) {
		cp := *te
		if cp.Stage == "" {
			cp.Stage = state
		}
		return &cp
	}
	class := domain.InternalError
	switch state {
	case domain.StateSourceSyncing:
		class = domain.SourceSyncError
	case domain.StateToolPreparing:
		class = domain.ToolInstallError
	case domain.StateScanning:
		class = domain.ToolExecutionError
	case domain.StateUploading:
		class = domain.UploadError
	}
	return &domain.Error{Class: class, Stage: state, Message: err.Error(), Err: err}
}

type scmBlamer struct {
	scm source.SCM
	dir string
}

func (b scmBlamer) Blame(ctx context.Context, path string, start, end int) (string, error) {
	return b.scm.Blame(ctx, b.dir, path, start, end)
}

func (m *Machine) blamer(root string) pipeline.Blamer {
	if m.SCM == nil {
		return nil
	}
	return scmBlamer{scm: m.SCM, dir: root}
}

func (m *Machine) clock() application.Clock {
	if m.Clock == nil {
		return application.SystemClock{}
	}
	return m.Clock
}
