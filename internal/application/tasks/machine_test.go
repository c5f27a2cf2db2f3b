package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-node/internal/application/incremental"
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

type instantClock struct{}

func (instantClock) Now() time.Time                                   { return time.Now() }
func (instantClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type fakeScheduler struct {
	mu          sync.Mutex
	failSubmits int // -1 fails forever
	submitted   []domain.Chunk
	statuses    []domain.State
	errs        []*domain.Error
}

func (f *fakeScheduler) Register(context.Context, domain.NodeInfo) error { return nil }
func (f *fakeScheduler) ClaimJob(context.Context, string, bool) (*domain.Assignment, error) {
	return nil, nil
}
func (f *fakeScheduler) Heartbeat(context.Context, string, string) error { return nil }

func (f *fakeScheduler) SubmitResult(_ context.Context, c domain.Chunk) (domain.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSubmits != 0 {
		if f.failSubmits > 0 {
			f.failSubmits--
		}
		return domain.Ack{}, domain.Errorf(domain.NetworkError, "scheduler returned 503")
	}
	f.submitted = append(f.submitted, c)
	return domain.Ack{TaskID: c.TaskID, Seq: c.Seq}, nil
}

func (f *fakeScheduler) ReportStatus(_ context.Context, _ string, r domain.StatusReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, r.State)
	if r.Error != nil {
		f.errs = append(f.errs, r.Error)
	}
	return nil
}

type fakeSCM struct {
	files        map[string]string
	checkoutErrs []error
	calls        int
}

func (s *fakeSCM) Checkout(_ context.Context, _, _ string, dir string) error {
	s.calls++
	if len(s.checkoutErrs) > 0 {
		err := s.checkoutErrs[0]
		s.checkoutErrs = s.checkoutErrs[1:]
		if err != nil {
			return err
		}
	}
	for p, content := range s.files {
		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSCM) Diff(context.Context, string, string, string) ([]source.Change, error) {
	return nil, source.ErrRevisionUnknown
}

func (s *fakeSCM) Blame(context.Context, string, string, int, int) (string, error) {
	return "dev@example.com", nil
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]*source.Baseline
	stores  int
}

func (c *memCache) Lookup(_ context.Context, key source.BaselineKey) (*source.Baseline, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[key.String()]
	return b, ok, nil
}

func (c *memCache) Store(_ context.Context, b *source.Baseline) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]*source.Baseline)
	}
	c.entries[b.Key.String()] = b
	c.stores++
	return nil
}

type fakeResolver struct{ err error }

func (r fakeResolver) Resolve(_ context.Context, spec scans.ToolSpec) (*toolpkg.Package, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &toolpkg.Package{Name: spec.Name, Version: spec.Version, InstallPath: "/opt/tools/" + string(spec.Name)}, nil
}

type execFunc func(ctx context.Context, req scans.RunRequest) (scans.RunResult, error)

func (f execFunc) Run(ctx context.Context, req scans.RunRequest) (scans.RunResult, error) {
	return f(ctx, req)
}

type runRepo struct {
	scans.TaskRunRepository
	mu   sync.Mutex
	runs []*scans.TaskRun
}

func (r *runRepo) Save(_ context.Context, tr *scans.TaskRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, tr)
	return nil
}

type errorRepo struct {
	scanerrors.Repository
	records []*scanerrors.ScanError
}

func (r *errorRepo) Save(_ context.Context, e *scanerrors.ScanError) error {
	r.records = append(r.records, e)
	return nil
}

type pendingStore struct {
	chunks []domain.Chunk
	cause  string
}

func (p *pendingStore) SavePending(_ context.Context, _ string, chunks []domain.Chunk, cause string) error {
	p.chunks = chunks
	p.cause = cause
	return nil
}

const pylintOut = `[{"type":"warning","path":"app.py","line":1,"symbol":"unused-variable","message":"Unused variable 'x'"}]`

// linters: pylint reports one issue, eslint reports nothing.
func linters(ctx context.Context, req scans.RunRequest) (scans.RunResult, error) {
	switch filepath.Base(req.Command) {
	case "pylint":
		return scans.RunResult{Stdout: []byte(pylintOut), ExitCode: 4, DurationMS: 5}, nil
	default:
		return scans.RunResult{Stdout: []byte(`[]`), DurationMS: 3}, nil
	}
}

type fixture struct {
	machine *Machine
	sched   *fakeScheduler
	scm     *fakeSCM
	cache   *memCache
	runs    *runRepo
	errs    *errorRepo
	pending *pendingStore
}

func newFixture(t *testing.T, exec scans.Executor) *fixture {
	t.Helper()
	log := logging.Discard()
	f := &fixture{
		sched:   &fakeScheduler{},
		scm:     &fakeSCM{files: map[string]string{"app.py": "x = 1\n", "web/app.js": "let y = 2;\n"}},
		cache:   &memCache{},
		runs:    &runRepo{},
		errs:    &errorRepo{},
		pending: &pendingStore{},
	}
	f.machine = &Machine{
		Scheduler: f.sched,
		SCM:       f.scm,
		Cache:     f.cache,
		Source:    incremental.NewManager(nil, log),
		Tools:     fakeResolver{},
		Runner:    &toolchain.Runner{Exec: exec, Workers: 2, DefaultTimeout: time.Second, Log: log},
		Sender:    results.NewSender(f.sched, 100, log),
		Runs:      f.runs,
		Errors:    f.errs,
		Pending:   f.pending,
		WorkDir:   t.TempDir(),
		Limits: Limits{
			StateRetries:  2,
			UploadRetries: 5,
			Backoff:       retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
			BlameWorkers:  2,
		},
		Clock: instantClock{},
		Log:   log,
	}
	return f
}

func newTask(t *testing.T, baselineRev string) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(domain.Assignment{
		Kind: domain.KindScan, TaskID: "task-1", JobID: "job-1", ProjectID: "proj", SchemeID: "default",
		Repo: "https://git.example.com/proj.git", Revision: "rev2", BaselineRevision: baselineRev,
		Tools: []scans.RawToolSpec{{Name: "pylint", Version: "3.2"}, {Name: "eslint", Version: "9.0"}},
	}, time.Now())
	require.NoError(t, err)
	return task
}

func TestExecute_ToolTimeoutStillFinishes(t *testing.T) {
	f := newFixture(t, execFunc(func(ctx context.Context, req scans.RunRequest) (scans.RunResult, error) {
		if filepath.Base(req.Command) == "eslint" {
			return scans.RunResult{ExitCode: -1, TimedOut: true, DurationMS: 1000}, nil
		}
		return linters(ctx, req)
	}))
	task := newTask(t, "")

	err := f.machine.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFinished, task.State())
	assert.Equal(t, []domain.State{
		domain.StateSourceSyncing, domain.StateToolPreparing, domain.StateScanning,
		domain.StateUploading, domain.StateFinished,
	}, f.sched.statuses)

	require.Len(t, f.sched.submitted, 1)
	summary := f.sched.submitted[0].Summary
	require.NotNil(t, summary)
	assert.Equal(t, domain.ScanTypeFull, summary.ScanType)
	require.Len(t, summary.Tools, 2)
	assert.Equal(t, scans.ToolOK, summary.Tools[0].Status)
	assert.Equal(t, 1, summary.Tools[0].IssueCount)
	assert.Equal(t, scans.ToolTimeout, summary.Tools[1].Status)
	require.Len(t, f.sched.submitted[0].Issues, 1)
	assert.Equal(t, "dev@example.com", f.sched.submitted[0].Issues[0].Author)

	// partial results never become a baseline
	assert.Zero(t, f.cache.stores)
	require.Len(t, f.runs.runs, 1)
	assert.Equal(t, string(domain.StateFinished), f.runs.runs[0].State)
}

func TestExecute_UploadRecoversWithinRetryLimit(t *testing.T) {
	f := newFixture(t, execFunc(linters))
	f.sched.failSubmits = 3

	// web/app.js is unchanged since rev1 and carries one issue forward
	tmp := filepath.Join(t.TempDir(), "app.js")
	require.NoError(t, os.WriteFile(tmp, []byte("let y = 2;\n"), 0o644))
	h, err := incremental.HashFile(tmp)
	require.NoError(t, err)
	old := scans.Issue{Path: "web/app.js", StartLine: 1, EndLine: 1, RuleID: "prefer-const", Message: "use const", Severity: scans.SeverityLow, Tool: scans.ToolESLint}
	old.Fingerprint = scans.Fingerprint(old)
	prev := &source.Baseline{
		Key:        source.BaselineKey{ProjectID: "proj", SchemeID: "default", Revision: "rev1"},
		HashScheme: source.HashScheme,
		Manifest:   source.Manifest{"web/app.js": h, "app.py": "stale"},
		Issues:     []scans.Issue{old},
	}
	require.NoError(t, f.cache.Store(context.Background(), prev))
	task := newTask(t, "rev1")

	err = f.machine.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFinished, task.State())
	assert.Equal(t, 3, task.Retries(domain.StateUploading))

	require.Len(t, f.sched.submitted, 1)
	assert.Equal(t, domain.ScanTypeIncremental, f.sched.submitted[0].Summary.ScanType)
	assert.Equal(t, 1, f.sched.submitted[0].Summary.WorklistSize)
	issues := f.sched.submitted[0].Issues
	require.Len(t, issues, 2)
	assert.Equal(t, "app.py", issues[0].Path)
	assert.Equal(t, old.Fingerprint, issues[1].Fingerprint)

	assert.Equal(t, 2, f.cache.stores)
	next, ok, _ := f.cache.Lookup(context.Background(), source.BaselineKey{ProjectID: "proj", SchemeID: "default", Revision: "rev2"})
	require.True(t, ok)
	assert.Len(t, next.Issues, 2)
	assert.Len(t, next.Manifest, 2)
}

func TestExecute_UploadExhaustedSavesPending(t *testing.T) {
	f := newFixture(t, execFunc(linters))
	f.sched.failSubmits = -1
	f.machine.Limits.UploadRetries = 2
	task := newTask(t, "")

	err := f.machine.Execute(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, domain.StateFailed, task.State())
	assert.Equal(t, domain.UploadError, domain.ClassOf(err))
	assert.Equal(t, 2, task.Retries(domain.StateUploading))
	assert.Equal(t, domain.StateUploading, task.Err().Stage)

	assert.Len(t, f.pending.chunks, 1)
	assert.Contains(t, f.pending.cause, "3 attempts")
	assert.Zero(t, f.cache.stores)
	require.Len(t, f.errs.records, 1)
	assert.Equal(t, string(domain.UploadError), f.errs.records[0].Class)
	require.Len(t, f.sched.errs, 1)
	require.Len(t, f.runs.runs, 1)
	assert.Equal(t, string(domain.StateFailed), f.runs.runs[0].State)
}

func TestExecute_AllToolsFailed(t *testing.T) {
	f := newFixture(t, execFunc(func(context.Context, scans.RunRequest) (scans.RunResult, error) {
		return scans.RunResult{ExitCode: 127, Stderr: []byte("not found")}, nil
	}))
	task := newTask(t, "")

	err := f.machine.Execute(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, domain.ToolExecutionError, domain.ClassOf(err))
	assert.Equal(t, domain.StateScanning, task.Err().Stage)
	assert.Empty(t, f.sched.submitted)
	assert.Zero(t, f.cache.stores)
}

func TestExecute_InstallFailure(t *testing.T) {
	f := newFixture(t, execFunc(linters))
	f.machine.Tools = fakeResolver{err: &domain.Error{Class: domain.ToolInstallError, Tool: scans.ToolESLint, Message: "eslint@9.0: not in catalog"}}
	task := newTask(t, "")

	err := f.machine.Execute(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, domain.ToolInstallError, domain.ClassOf(err))
	assert.Equal(t, domain.StateToolPreparing, task.Err().Stage)
	assert.Zero(t, task.Retries(domain.StateToolPreparing))
}

func TestExecute_CheckoutRetriesTransient(t *testing.T) {
	f := newFixture(t, execFunc(linters))
	f.scm.checkoutErrs = []error{domain.Errorf(domain.NetworkError, "could not resolve host")}
	task := newTask(t, "")

	require.NoError(t, f.machine.Execute(context.Background(), task))
	assert.Equal(t, 1, task.Retries(domain.StateSourceSyncing))
	assert.Equal(t, 2, f.scm.calls)
}

func TestExecute_CheckoutFailure(t *testing.T) {
	f := newFixture(t, execFunc(linters))
	f.scm.checkoutErrs = []error{errors.New("revision rev2 not found")}
	task := newTask(t, "")

	err := f.machine.Execute(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, domain.SourceSyncError, domain.ClassOf(err))
	assert.Equal(t, 1, f.scm.calls)
}

func blocking(ctx context.Context, _ scans.RunRequest) (scans.RunResult, error) {
	<-ctx.Done()
	return scans.RunResult{ExitCode: -1}, nil
}

func TestExecute_TaskTimeout(t *testing.T) {
	f := newFixture(t, execFunc(blocking))
	f.machine.Limits.TaskTimeout = 50 * time.Millisecond
	task := newTask(t, "")

	err := f.machine.Execute(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, domain.TaskTimeoutError, domain.ClassOf(err))
	assert.Equal(t, domain.StateScanning, task.Err().Stage)
	assert.Zero(t, f.cache.stores)
}

func TestExecute_Killed(t *testing.T) {
	f := newFixture(t, execFunc(blocking))
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel(ErrKilled)
	}()
	task := newTask(t, "")

	err := f.machine.Execute(ctx, task)
	require.Error(t, err)
	assert.Equal(t, domain.TaskCancelled, domain.ClassOf(err))
	assert.Contains(t, task.Err().Message, "killed")
}

func TestExecute_WorkDirRemoved(t *testing.T) {
	f := newFixture(t, execFunc(linters))
	task := newTask(t, "")
	require.NoError(t, f.machine.Execute(context.Background(), task))

	_, err := os.Stat(filepath.Join(f.machine.WorkDir, task.ID))
	assert.True(t, os.IsNotExist(err))
}

// gitleaksAndLinters adds a gitleaks run that always finds the same secret
// in settings.py; gitleaks walks the whole tree regardless of the worklist.
func gitleaksAndLinters(ctx context.Context, req scans.RunRequest) (scans.RunResult, error) {
	if filepath.Base(req.Command) != "gitleaks" {
		return linters(ctx, req)
	}
	var report string
	for i, a := range req.Args {
		if a == "--report-path" && i+1 < len(req.Args) {
			report = req.Args[i+1]
		}
	}
	leaks := []map[string]any{{
		"Description": "Generic API Key", "StartLine": 1, "EndLine": 1,
		"File": filepath.Join(req.Dir, "settings.py"), "RuleID": "generic-api-key",
	}}
	b, err := json.Marshal(leaks)
	if err != nil {
		return scans.RunResult{}, err
	}
	if err := os.WriteFile(report, b, 0o644); err != nil {
		return scans.RunResult{}, err
	}
	return scans.RunResult{ExitCode: 1, DurationMS: 2}, nil
}

func TestExecute_RerunOnUnchangedTreeIsIdempotent(t *testing.T) {
	f := newFixture(t, execFunc(gitleaksAndLinters))
	f.scm.files["settings.py"] = "TOKEN = 'abc'\n"
	assign := func(id, baselineRev string) *domain.Task {
		task, err := domain.NewTask(domain.Assignment{
			Kind: domain.KindScan, TaskID: id, ProjectID: "proj", SchemeID: "default",
			Repo: "https://git.example.com/proj.git", Revision: "rev2", BaselineRevision: baselineRev,
			Tools: []scans.RawToolSpec{
				{Name: "pylint", Version: "3.2"}, {Name: "eslint", Version: "9.0"}, {Name: "gitleaks", Version: "8.18"},
			},
		}, time.Now())
		require.NoError(t, err)
		return task
	}

	first := assign("full-1", "")
	require.NoError(t, f.machine.Execute(context.Background(), first))
	require.Equal(t, 1, f.cache.stores)
	key := source.BaselineKey{ProjectID: "proj", SchemeID: "default", Revision: "rev2"}
	base, ok, _ := f.cache.Lookup(context.Background(), key)
	require.True(t, ok)
	require.Len(t, base.Issues, 2, "pylint and gitleaks findings")

	f.sched.submitted = nil
	second := assign("rerun-2", "rev2")
	require.NoError(t, f.machine.Execute(context.Background(), second))
	assert.Equal(t, domain.StateFinished, second.State())

	require.Len(t, f.sched.submitted, 1)
	summary := f.sched.submitted[0].Summary
	require.NotNil(t, summary)
	assert.Equal(t, domain.ScanTypeIncremental, summary.ScanType)
	assert.Zero(t, summary.WorklistSize, "every file is unchanged")
	require.Len(t, summary.Tools, 3)
	assert.Equal(t, scans.ToolSkipped, summary.Tools[0].Status)
	assert.Equal(t, scans.ToolSkipped, summary.Tools[1].Status)
	assert.Equal(t, scans.ToolOK, summary.Tools[2].Status)

	// gitleaks' fresh finding is out of scope; the result is exactly the
	// carried-forward baseline
	assert.Equal(t, base.Issues, f.sched.submitted[0].Issues)

	again, ok, _ := f.cache.Lookup(context.Background(), key)
	require.True(t, ok)
	assert.Equal(t, base.Issues, again.Issues)
	assert.Equal(t, base.Manifest, again.Manifest)
}
