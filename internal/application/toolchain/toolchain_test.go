package toolchain

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-node/internal/application/retry"
	"github.com/bryanwahyu/automaton-node/internal/domain/scans"
	"github.com/bryanwahyu/automaton-node/internal/domain/tasks"
	"github.com/bryanwahyu/automaton-node/internal/domain/toolpkg"
	"github.com/bryanwahyu/automaton-node/internal/logging"
)

type instantClock struct{}

func (instantClock) Now() time.Time                                   { return time.Now() }
func (instantClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type fakeFetcher struct {
	mu       sync.Mutex
	payloads [][]byte // served in order, last one repeats
	calls    int32
	delay    time.Duration
}

func (f *fakeFetcher) Fetch(ctx context.Context, _ string, w io.Writer) error {
	n := atomic.AddInt32(&f.calls, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.delay):
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := int(n) - 1
	if i >= len(f.payloads) {
		i = len(f.payloads) - 1
	}
	if f.payloads[i] == nil {
		return errors.New("connection reset")
	}
	_, err := w.Write(f.payloads[i])
	return err
}

type shaVerifier struct{}

func (shaVerifier) VerifyChecksum(_ context.Context, path, want string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	if got := hex.EncodeToString(sum[:]); got != want {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", want, got)
	}
	return nil
}

func (shaVerifier) VerifySignature(context.Context, string, string) error {
	return errors.New("no keyring")
}

func shaOf(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func newLoader(t *testing.T, fetcher *fakeFetcher, desc toolpkg.Descriptor) *Loader {
	return &Loader{
		InstallDir: t.TempDir(),
		Catalog:    map[string]toolpkg.Descriptor{"eslint@9.1.0": desc},
		HTTP:       fetcher,
		Verifier:   shaVerifier{},
		Retry:      retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Clock:      instantClock{},
		Log:        logging.Discard(),
	}
}

var eslintSpec = scans.ToolSpec{Name: scans.ToolESLint, Version: "9.1.0", Format: scans.FormatESLintJSON}

func TestLoader_InstallsOncePerVersion(t *testing.T) {
	bin := []byte("#!/bin/sh\necho '[]'\n")
	fetcher := &fakeFetcher{payloads: [][]byte{bin}, delay: 20 * time.Millisecond}
	l := newLoader(t, fetcher, toolpkg.Descriptor{Source: "https://dl.test/eslint", SHA256: shaOf(bin), Entrypoint: "bin/eslint"})

	var wg sync.WaitGroup
	pkgs := make([]*toolpkg.Package, 8)
	for i := range pkgs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := l.Resolve(context.Background(), eslintSpec)
			assert.NoError(t, err)
			pkgs[i] = p
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))
	for _, p := range pkgs {
		assert.Same(t, pkgs[0], p)
	}
	got, err := os.ReadFile(Entrypoint(pkgs[0]))
	require.NoError(t, err)
	assert.Equal(t, bin, got)

	info, err := os.Stat(Entrypoint(pkgs[0]))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100)
}

func TestLoader_SharedInstallSurvivesFirstCallerCancel(t *testing.T) {
	bin := []byte("eslint")
	fetcher := &fakeFetcher{payloads: [][]byte{bin}, delay: 150 * time.Millisecond}
	l := newLoader(t, fetcher, toolpkg.Descriptor{Source: "https://dl.test/eslint", SHA256: shaOf(bin)})

	killed, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	first := make(chan error, 1)
	go func() {
		_, err := l.Resolve(killed, eslintSpec)
		first <- err
	}()
	time.Sleep(10 * time.Millisecond)

	p, err := l.Resolve(context.Background(), eslintSpec)
	require.NoError(t, err, "a waiter must not inherit another task's cancellation")
	assert.FileExists(t, filepath.Join(p.InstallPath, markerFile))

	err = <-first
	var te *tasks.Error
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))
}

func TestLoader_RetriesCorruptDownload(t *testing.T) {
	good := []byte("binary")
	fetcher := &fakeFetcher{payloads: [][]byte{nil, []byte("truncat"), good}}
	l := newLoader(t, fetcher, toolpkg.Descriptor{Source: "https://dl.test/eslint", SHA256: shaOf(good)})

	p, err := l.Resolve(context.Background(), eslintSpec)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&fetcher.calls))
	assert.FileExists(t, filepath.Join(p.InstallPath, markerFile))
}

func TestLoader_ExhaustedIsInstallError(t *testing.T) {
	fetcher := &fakeFetcher{payloads: [][]byte{[]byte("corrupt")}}
	l := newLoader(t, fetcher, toolpkg.Descriptor{Source: "https://dl.test/eslint", SHA256: shaOf([]byte("binary"))})

	_, err := l.Resolve(context.Background(), eslintSpec)
	require.Error(t, err)
	assert.Equal(t, tasks.ToolInstallError, tasks.ClassOf(err))
	assert.Contains(t, err.Error(), "checksum mismatch")
	assert.Equal(t, int32(3), atomic.LoadInt32(&fetcher.calls))

	// nothing partial is visible at the final path
	_, statErr := os.Stat(l.finalDir(scans.ToolESLint, "9.1.0"))
	assert.True(t, os.IsNotExist(statErr))
	entries, _ := os.ReadDir(l.InstallDir)
	assert.Empty(t, entries)
}

func TestLoader_SignatureFailureFails(t *testing.T) {
	bin := []byte("binary")
	l := newLoader(t, &fakeFetcher{payloads: [][]byte{bin}}, toolpkg.Descriptor{
		Source: "https://dl.test/eslint", SHA256: shaOf(bin), SignatureURL: "https://dl.test/eslint.sig",
	})
	_, err := l.Resolve(context.Background(), eslintSpec)
	assert.Equal(t, tasks.ToolInstallError, tasks.ClassOf(err))
}

func TestLoader_NotInCatalog(t *testing.T) {
	l := newLoader(t, &fakeFetcher{payloads: [][]byte{nil}}, toolpkg.Descriptor{})
	_, err := l.Resolve(context.Background(), scans.ToolSpec{Name: scans.ToolPylint, Version: "1.0"})
	assert.ErrorIs(t, err, toolpkg.ErrNotInCatalog)
	assert.Equal(t, tasks.ToolInstallError, tasks.ClassOf(err))
}

func TestLoader_ReusesPreviousInstall(t *testing.T) {
	bin := []byte("binary")
	fetcher := &fakeFetcher{payloads: [][]byte{bin}}
	desc := toolpkg.Descriptor{Source: "https://dl.test/eslint", SHA256: shaOf(bin)}
	first := newLoader(t, fetcher, desc)
	_, err := first.Resolve(context.Background(), eslintSpec)
	require.NoError(t, err)

	second := newLoader(t, fetcher, desc)
	second.InstallDir = first.InstallDir
	_, err = second.Resolve(context.Background(), eslintSpec)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))
}

func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o755, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestLoader_ExtractsArchive(t *testing.T) {
	archive := tarGz(t, map[string]string{"pylint/bin/pylint": "#!/bin/sh\n"})
	l := newLoader(t, &fakeFetcher{payloads: [][]byte{archive}}, toolpkg.Descriptor{})
	l.Catalog = map[string]toolpkg.Descriptor{"pylint@3.2.0": {
		Source: "https://dl.test/pylint.tgz", SHA256: shaOf(archive), Archive: true, Entrypoint: "pylint/bin/pylint",
	}}

	p, err := l.Resolve(context.Background(), scans.ToolSpec{Name: scans.ToolPylint, Version: "3.2.0"})
	require.NoError(t, err)
	assert.FileExists(t, Entrypoint(p))
}

func TestExtractTarGz_RejectsTraversal(t *testing.T) {
	archive := tarGz(t, map[string]string{"../../evil": "x"})
	src := filepath.Join(t.TempDir(), "a.tgz")
	require.NoError(t, os.WriteFile(src, archive, 0o644))

	err := extractTarGz(src, filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid file path")
}

// scriptedExec answers per command basename.
type scriptedExec struct {
	mu       sync.Mutex
	requests []scans.RunRequest
	results  map[string]func(ctx context.Context, req scans.RunRequest) (scans.RunResult, error)
}

func (s *scriptedExec) Run(ctx context.Context, req scans.RunRequest) (scans.RunResult, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	fn := s.results[filepath.Base(req.Command)]
	s.mu.Unlock()
	return fn(ctx, req)
}

func prepared(tool scans.Tool, timeout time.Duration) Prepared {
	return Prepared{
		Spec:    scans.ToolSpec{Name: tool, Version: "1", Format: scans.DefaultFormat(tool), Options: scans.ToolOptions{Timeout: timeout}},
		Package: &toolpkg.Package{Name: tool, Version: "1", InstallPath: "/opt/tools/" + string(tool)},
	}
}

func TestRunner_TimeoutIsolatedToOneTool(t *testing.T) {
	exec := &scriptedExec{results: map[string]func(context.Context, scans.RunRequest) (scans.RunResult, error){
		"pylint": func(ctx context.Context, req scans.RunRequest) (scans.RunResult, error) {
			ctx, cancel := context.WithTimeout(ctx, req.Timeout)
			defer cancel()
			<-ctx.Done()
			return scans.RunResult{ExitCode: -1, TimedOut: true, DurationMS: req.Timeout.Milliseconds()}, nil
		},
		"eslint": func(context.Context, scans.RunRequest) (scans.RunResult, error) {
			return scans.RunResult{Stdout: []byte(`[]`), ExitCode: 1}, nil
		},
	}}
	r := &Runner{Exec: exec, Workers: 2, DefaultTimeout: time.Minute, Log: logging.Discard()}

	out := r.RunAll(context.Background(), "t1", t.TempDir(), t.TempDir(), []string{"a.py"},
		[]Prepared{prepared(scans.ToolPylint, 20*time.Millisecond), prepared(scans.ToolESLint, 0)})

	require.Len(t, out, 2)
	assert.Equal(t, scans.ToolTimeout, out[0].Status)
	assert.Equal(t, tasks.ToolTimeoutError, out[0].Err.Class)
	assert.Equal(t, scans.ToolPylint, out[0].Err.Tool)
	assert.Equal(t, scans.ToolOK, out[1].Status)
	assert.Nil(t, out[1].Err)
	assert.False(t, AllFailed(out))
}

func TestRunner_ExitCodes(t *testing.T) {
	code := 0
	exec := &scriptedExec{results: map[string]func(context.Context, scans.RunRequest) (scans.RunResult, error){
		"pylint": func(context.Context, scans.RunRequest) (scans.RunResult, error) {
			return scans.RunResult{Stdout: []byte(`[]`), Stderr: []byte("usage: pylint"), ExitCode: code}, nil
		},
	}}
	r := &Runner{Exec: exec, Workers: 1, Log: logging.Discard()}
	cases := map[int]scans.ToolStatus{0: scans.ToolOK, 4: scans.ToolOK, 2 | 16: scans.ToolOK, 1: scans.ToolFailed, 32: scans.ToolFailed}
	for c, want := range cases {
		code = c
		out := r.RunAll(context.Background(), "t", t.TempDir(), t.TempDir(), []string{"a.py"}, []Prepared{prepared(scans.ToolPylint, 0)})
		assert.Equal(t, want, out[0].Status, "exit %d", c)
	}
}

func TestRunner_SkipsWithoutWorklist(t *testing.T) {
	exec := &scriptedExec{results: map[string]func(context.Context, scans.RunRequest) (scans.RunResult, error){
		"gitleaks": func(_ context.Context, req scans.RunRequest) (scans.RunResult, error) {
			return scans.RunResult{}, nil
		},
	}}
	r := &Runner{Exec: exec, Workers: 2, Log: logging.Discard()}
	out := r.RunAll(context.Background(), "t", t.TempDir(), t.TempDir(), nil,
		[]Prepared{prepared(scans.ToolESLint, 0), prepared(scans.ToolGitleaks, 0)})

	assert.Equal(t, scans.ToolSkipped, out[0].Status)
	assert.Equal(t, scans.ToolOK, out[1].Status, "gitleaks walks the tree itself")
	assert.Len(t, exec.requests, 1)
}

func TestRunner_AllFailed(t *testing.T) {
	exec := &scriptedExec{results: map[string]func(context.Context, scans.RunRequest) (scans.RunResult, error){
		"eslint": func(context.Context, scans.RunRequest) (scans.RunResult, error) {
			return scans.RunResult{}, errors.New("exec format error")
		},
		"sarif": func(context.Context, scans.RunRequest) (scans.RunResult, error) {
			return scans.RunResult{ExitCode: 2}, nil
		},
	}}
	r := &Runner{Exec: exec, Workers: 2, Log: logging.Discard()}
	out := r.RunAll(context.Background(), "t", t.TempDir(), t.TempDir(), []string{"x.js"},
		[]Prepared{prepared(scans.ToolESLint, 0), prepared(scans.ToolSARIF, 0)})

	assert.True(t, AllFailed(out))
	assert.Contains(t, FailureSummary(out).Error(), "exec format error")
}

func TestBuildInvocation(t *testing.T) {
	pkg := &toolpkg.Package{Name: scans.ToolPylint, InstallPath: "/opt/pylint", Descriptor: toolpkg.Descriptor{Entrypoint: "bin/pylint"}}
	spec := scans.ToolSpec{Name: scans.ToolPylint, Options: scans.ToolOptions{
		Args: []string{"--jobs", "2"}, Config: "conf/pylintrc", Rules: []string{"W0612", "C0114"},
		Env: map[string]string{"B": "2", "A": "1"},
	}}
	inv := buildInvocation(pkg, spec, "/src", []string{"a.py", "b/c.py"}, "/tmp/r")

	assert.Equal(t, "/opt/pylint/bin/pylint", inv.req.Command)
	assert.Equal(t, []string{
		"--output-format=json", "--persistent=n", "--rcfile=/src/conf/pylintrc",
		"--disable=all", "--enable=W0612,C0114", "--jobs", "2", "a.py", "b/c.py",
	}, inv.req.Args)
	assert.Equal(t, []string{"A=1", "B=2"}, inv.req.Env)
	assert.Equal(t, "/src", inv.req.Dir)

	gl := buildInvocation(&toolpkg.Package{Name: scans.ToolGitleaks, InstallPath: "/opt/gl"}, scans.ToolSpec{Name: scans.ToolGitleaks}, "/src", []string{"a.py"}, "/tmp/r")
	assert.Equal(t, "/tmp/r/gitleaks-report.json", gl.reportPath)
	assert.NotContains(t, gl.req.Args, "a.py")
}
