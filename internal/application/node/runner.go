// Package node runs the claim loop of a scan node: register, poll the
// scheduler for work while a slot is free, and drive each claimed task in
// its own goroutine with a heartbeat.
package node

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanwahyu/automaton-node/internal/application"
	"github.com/bryanwahyu/automaton-node/internal/application/retry"
	apptasks "github.com/bryanwahyu/automaton-node/internal/application/tasks"
	domain "github.com/bryanwahyu/automaton-node/internal/domain/tasks"
	"github.com/bryanwahyu/automaton-node/internal/logging"
)

// TaskExecutor drives one task to a terminal state.
type TaskExecutor interface {
	Execute(ctx context.Context, t *domain.Task) error
}

// Observer is told when a task starts and when it ends.
type Observer interface {
	TaskStarted(taskID string)
	TaskEnded(taskID string, finished bool)
}

// Inspector describes the host for registration.
type Inspector interface {
	Inspect(ctx context.Context) (domain.NodeInfo, error)
}

type Config struct {
	NodeID            string
	Tag               string
	PollInterval      time.Duration
	PollBackoffMax    time.Duration
	HeartbeatInterval time.Duration
	Tools             []string
}

type Runner struct {
	Scheduler domain.Scheduler
	Executor  TaskExecutor
	Host      Inspector // optional
	Observer  Observer  // optional
	Slots     *Semaphore
	Table     *Table
	Config    Config
	Clock     application.Clock
	Log       *logging.Logger

	wg         sync.WaitGroup
	registered atomic.Bool
}

// Run polls until ctx is cancelled, then waits for in-flight tasks. Poll
// failures are retried with backoff and never end the loop. The node keeps
// polling while every slot is busy so kill assignments still arrive; the
// scheduler is told the node is not free and hands out no scan work.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		return nil
	}

	backoff := retry.Policy{BaseDelay: r.Config.PollInterval, MaxDelay: r.Config.PollBackoffMax}
	failures := 0
	for ctx.Err() == nil {
		free := r.Slots.TryAcquire()
		release := func() {
			if free {
				r.Slots.Release()
			}
		}
		a, err := r.Scheduler.ClaimJob(ctx, r.Config.NodeID, free)
		if err != nil {
			release()
			if ctx.Err() != nil {
				break
			}
			failures++
			delay := backoff.Delay(failures)
			r.Log.Warnf("node=%s claim failed attempt=%d backoff=%s: %v", r.Config.NodeID, failures, delay, err)
			if r.clock().Sleep(ctx, delay) != nil {
				break
			}
			continue
		}
		failures = 0

		if a == nil {
			release()
			if r.clock().Sleep(ctx, r.Config.PollInterval) != nil {
				break
			}
			continue
		}
		if a.Kind == domain.KindKill {
			release()
			r.kill(a.TaskID)
			continue
		}
		if !free {
			// scheduler ignored the busy flag; the task is ours now, so wait
			r.Log.Warnf("task=%s assigned while node is busy, waiting for a slot", a.TaskID)
			if err := r.Slots.Acquire(ctx); err != nil {
				r.reportStatus(ctx, a.TaskID, domain.StatusReport{
					State: domain.StateFailed,
					Error: &domain.Error{Class: domain.TaskCancelled, Message: "node shutting down"},
				})
				break
			}
		}
		r.start(ctx, *a)
	}

	r.registered.Store(false)
	r.Log.Infof("node=%s stopping, waiting for %d in-flight tasks", r.Config.NodeID, r.Table.Active())
	r.wg.Wait()
	return nil
}

// Ready reports whether the node is registered and still claiming work.
func (r *Runner) Ready() bool { return r.registered.Load() }

// Resize changes the number of concurrent tasks.
func (r *Runner) Resize(n int) {
	if n == r.Slots.Size() {
		return
	}
	r.Log.Infof("node=%s max_concurrent_tasks %d -> %d", r.Config.NodeID, r.Slots.Size(), n)
	r.Slots.Resize(n)
}

func (r *Runner) register(ctx context.Context) error {
	info := domain.NodeInfo{ID: r.Config.NodeID, Tag: r.Config.Tag}
	if r.Host != nil {
		hi, err := r.Host.Inspect(ctx)
		if err != nil {
			r.Log.Warnf("node=%s host inspection failed: %v", r.Config.NodeID, err)
		} else {
			info = hi
			info.ID, info.Tag = r.Config.NodeID, r.Config.Tag
		}
	}
	info.MaxTasks = r.Slots.Size()
	info.Tools = r.Config.Tools

	backoff := retry.Policy{BaseDelay: r.Config.PollInterval, MaxDelay: r.Config.PollBackoffMax}
	for attempt := 1; ; attempt++ {
		err := r.Scheduler.Register(ctx, info)
		if err == nil {
			r.registered.Store(true)
			r.Log.Infof("node=%s tag=%s hostname=%s cpus=%d max_tasks=%d registered", info.ID, info.Tag, info.Hostname, info.CPUs, info.MaxTasks)
			return nil
		}
		delay := backoff.Delay(attempt)
		r.Log.Warnf("node=%s register failed attempt=%d backoff=%s: %v", info.ID, attempt, delay, err)
		if serr := r.clock().Sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

// start validates a claimed assignment and launches it. The caller's slot
// is handed over to the task goroutine.
func (r *Runner) start(ctx context.Context, a domain.Assignment) {
	task, err := domain.NewTask(a, r.clock().Now())
	if err != nil {
		r.Slots.Release()
		var te *domain.Error
		if !errors.As(err, &te) {
			te = domain.NewError(domain.ValidationError, err)
		}
		r.Log.Errorf("task=%s rejected: %v", a.TaskID, err)
		r.reportStatus(ctx, a.TaskID, domain.StatusReport{State: domain.StateFailed, Error: te})
		return
	}

	tctx, cancel := context.WithCancelCause(ctx)
	if err := r.Table.Claim(task, cancel); err != nil {
		cancel(err)
		r.Slots.Release()
		r.Log.Warnf("task=%s ignored: %v", task.ID, err)
		return
	}

	r.wg.Add(1)
	go r.runTask(tctx, cancel, task)
}

func (r *Runner) runTask(ctx context.Context, cancel context.CancelCauseFunc, task *domain.Task) {
	hbCtx, stopHB := context.WithCancel(ctx)
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		r.heartbeat(hbCtx, task.ID)
	}()

	if r.Observer != nil {
		r.Observer.TaskStarted(task.ID)
	}
	defer func() {
		stopHB()
		hb.Wait()
		cancel(nil)
		if r.Observer != nil {
			r.Observer.TaskEnded(task.ID, task.State() == domain.StateFinished)
		}
		r.Table.Complete(task.ID)
		r.Slots.Release()
		r.wg.Done()
	}()
	defer func() {
		if p := recover(); p != nil {
			te := &domain.Error{Class: domain.InternalError, Message: fmt.Sprintf("panic: %v", p)}
			r.Log.Errorf("task=%s panic: %v\n%s", task.ID, p, debug.Stack())
			if !task.State().Terminal() {
				if _, err := task.Fail(te, r.clock().Now()); err == nil {
					r.reportStatus(ctx, task.ID, domain.StatusReport{State: domain.StateFailed, Error: te})
				}
			}
		}
	}()

	start := r.clock().Now()
	err := r.Executor.Execute(ctx, task)
	elapsed := r.clock().Now().Sub(start).Round(time.Millisecond)
	if err != nil {
		r.Log.Warnf("task=%s state=%s duration=%s class=%s", task.ID, task.State(), elapsed, domain.ClassOf(err))
		return
	}
	r.Log.Infof("task=%s state=%s duration=%s", task.ID, task.State(), elapsed)
}

func (r *Runner) heartbeat(ctx context.Context, taskID string) {
	interval := r.Config.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Scheduler.Heartbeat(ctx, r.Config.NodeID, taskID); err != nil && ctx.Err() == nil {
				r.Log.Warnf("task=%s heartbeat failed: %v", taskID, err)
			}
		}
	}
}

func (r *Runner) kill(taskID string) {
	if r.Table.Kill(taskID, apptasks.ErrKilled) {
		r.Log.Warnf("task=%s kill requested by scheduler", taskID)
		return
	}
	r.Log.Infof("task=%s kill requested but task is not running here", taskID)
}

func (r *Runner) reportStatus(ctx context.Context, taskID string, rep domain.StatusReport) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.Scheduler.ReportStatus(rctx, taskID, rep); err != nil {
		r.Log.Warnf("task=%s report-status failed: %v", taskID, err)
	}
}

func (r *Runner) clock() application.Clock {
	if r.Clock == nil {
		return application.SystemClock{}
	}
	return r.Clock
}
