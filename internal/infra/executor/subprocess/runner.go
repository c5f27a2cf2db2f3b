package subprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	domain "github.com/bryanwahyu/automaton-node/internal/domain/scans"
)

// maxOutput caps captured stdout/stderr per stream.
const maxOutput = 64 << 20

// baseEnv is all an analyzer inherits from the node.
var baseEnv = []string{"PATH", "HOME", "LANG", "TMPDIR"}

// Runner menjalankan analyzer sebagai subprocess dalam process group sendiri.
type Runner struct {
	// WaitDelay bounds how long Run waits for output pipes after the process
	// group has been killed.
	WaitDelay time.Duration
}

func NewRunner() *Runner {
	return &Runner{WaitDelay: 2 * time.Second}
}

func (r *Runner) Run(ctx context.Context, req domain.RunRequest) (domain.RunResult, error) {
	if req.Command == "" {
		return domain.RunResult{}, errors.New("empty command")
	}
	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, req.Command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = append(inherited(), req.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// kill seluruh process group, bukan cuma parent
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = r.WaitDelay

	stdout := &capped{max: maxOutput}
	stderr := &capped{max: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := domain.RunResult{
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		DurationMS: time.Since(start).Milliseconds(),
	}

	// timeout milik tool sendiri, bukan cancel dari task
	if req.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			res.ExitCode = ee.ExitCode()
			return res, nil
		}
		if errors.Is(err, exec.ErrWaitDelay) {
			return res, nil
		}
		if ctx.Err() != nil {
			res.ExitCode = -1
			return res, nil
		}
		return res, fmt.Errorf("run %s: %w", req.Command, err)
	}
	return res, nil
}

func inherited() []string {
	var env []string
	for _, k := range baseEnv {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// capped is a buffer that silently drops writes beyond max. The buffer is
// not embedded so io.Copy cannot bypass Write through ReadFrom.
type capped struct {
	buf bytes.Buffer
	max int
}

func (c *capped) Write(p []byte) (int, error) {
	room := c.max - c.buf.Len()
	if room <= 0 {
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *capped) Bytes() []byte { return c.buf.Bytes() }
