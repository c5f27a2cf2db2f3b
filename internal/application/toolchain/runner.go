package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/automaton-node/internal/domain/scans"
	"github.com/bryanwahyu/automaton-node/internal/domain/tasks"
	"github.com/bryanwahyu/automaton-node/internal/domain/toolpkg"
	"github.com/bryanwahyu/automaton-node/internal/logging"
)

// Prepared pairs a tool spec with its installed package.
type Prepared struct {
	Spec    scans.ToolSpec
	Package *toolpkg.Package
}

// Outcome of one tool. Err is nil only for ToolOK and ToolSkipped.
type Outcome struct {
	Spec     scans.ToolSpec
	Status   scans.ToolStatus
	ExitCode int
	Raw      []byte
	Stderr   []byte
	Duration time.Duration
	Err      *tasks.Error
}

func (o Outcome) Summary() scans.ToolSummary {
	s := scans.ToolSummary{
		Tool: o.Spec.Name, Version: o.Spec.Version, Status: o.Status,
		ExitCode: o.ExitCode, DurationMS: o.Duration.Milliseconds(),
	}
	if o.Err != nil {
		s.Error = o.Err.Message
	}
	return s
}

// Runner executes the tools of one task in a bounded pool. A failing tool
// never stops the others.
type Runner struct {
	Exec           scans.Executor
	Workers        int
	DefaultTimeout time.Duration
	Log            *logging.Logger
}

const stderrTail = 2048

// RunAll returns one outcome per tool, in input order.
func (r *Runner) RunAll(ctx context.Context, taskID, root, scratch string, worklist []string, tools []Prepared) []Outcome {
	out := make([]Outcome, len(tools))
	g := new(errgroup.Group)
	workers := r.Workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)

	for i, p := range tools {
		g.Go(func() error {
			out[i] = r.runOne(ctx, taskID, root, scratch, worklist, p)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *Runner) runOne(ctx context.Context, taskID, root, scratch string, worklist []string, p Prepared) Outcome {
	tool := p.Spec.Name
	o := Outcome{Spec: p.Spec}

	if needsWorklist(tool) && len(worklist) == 0 {
		o.Status = scans.ToolSkipped
		return o
	}

	reportDir, err := os.MkdirTemp(scratch, string(tool)+"-")
	if err != nil {
		o.Status = scans.ToolFailed
		o.Err = toolError(tasks.ToolExecutionError, tool, fmt.Errorf("report dir: %w", err))
		return o
	}
	defer os.RemoveAll(reportDir)

	inv := buildInvocation(p.Package, p.Spec, root, worklist, reportDir)
	if inv.req.Timeout == 0 {
		inv.req.Timeout = r.DefaultTimeout
	}

	r.Log.Infof("task=%s tool=%s version=%s files=%d timeout=%s start", taskID, tool, p.Spec.Version, len(worklist), inv.req.Timeout)
	res, err := r.Exec.Run(ctx, inv.req)
	o.Duration = time.Duration(res.DurationMS) * time.Millisecond
	o.ExitCode = res.ExitCode
	o.Stderr = tail(res.Stderr, stderrTail)

	switch {
	case err != nil:
		o.Status = scans.ToolFailed
		o.Err = toolError(tasks.ToolExecutionError, tool, err)
	case res.TimedOut:
		o.Status = scans.ToolTimeout
		o.Err = toolError(tasks.ToolTimeoutError, tool, fmt.Errorf("killed after %s", inv.req.Timeout))
	case ctx.Err() != nil:
		o.Status = scans.ToolFailed
		o.Err = toolError(tasks.ToolExecutionError, tool, fmt.Errorf("interrupted: %w", ctx.Err()))
	case !acceptExit(tool, res.ExitCode):
		o.Status = scans.ToolFailed
		o.Err = toolError(tasks.ToolExecutionError, tool,
			fmt.Errorf("exit code %d: %s", res.ExitCode, strings.TrimSpace(string(o.Stderr))))
	default:
		raw, rerr := readReport(inv, res.Stdout)
		if rerr != nil {
			o.Status = scans.ToolFailed
			o.Err = toolError(tasks.ToolExecutionError, tool, fmt.Errorf("read report: %w", rerr))
			break
		}
		o.Status = scans.ToolOK
		o.Raw = raw
	}

	if o.Err != nil {
		r.Log.Warnf("task=%s tool=%s status=%s exit=%d err=%q", taskID, tool, o.Status, o.ExitCode, o.Err.Message)
	} else {
		r.Log.Infof("task=%s tool=%s status=%s exit=%d duration=%s", taskID, tool, o.Status, o.ExitCode, o.Duration)
	}
	return o
}

func toolError(class tasks.Class, tool scans.Tool, err error) *tasks.Error {
	return &tasks.Error{Class: class, Stage: tasks.StateScanning, Tool: tool, Message: err.Error(), Err: err}
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}

// AllFailed reports whether no tool produced usable output. Skipped tools
// count as usable: they had nothing to look at.
func AllFailed(outcomes []Outcome) bool {
	if len(outcomes) == 0 {
		return false
	}
	for _, o := range outcomes {
		if o.Err == nil {
			return false
		}
	}
	return true
}

// FailureSummary joins per-tool errors for the task-level error.
func FailureSummary(outcomes []Outcome) error {
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}
