package scans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryanwahyu/automaton-node/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/automaton-node/internal/domain/scans"
	"github.com/bryanwahyu/automaton-node/internal/domain/tasks"
	"github.com/bryanwahyu/automaton-node/internal/logging"
)

// PendingQueue is the read side of abandoned uploads.
type PendingQueue interface {
	PendingTasks(ctx context.Context) ([]string, error)
	ListPending(ctx context.Context, taskID string) ([]tasks.Chunk, error)
	DeletePending(ctx context.Context, taskID string, seq int) error
}

// Service implements use-cases over recorded task runs.
// Service is safe for concurrent use.
type Service struct {
	Runs      domain.TaskRunRepository
	Errors    scanerrors.Repository // optional
	Pending   PendingQueue          // optional
	Scheduler tasks.Scheduler       // required by Resubmit
	Log       *logging.Logger
}

// RunDetail is one task run with its recorded failures.
type RunDetail struct {
	Run    *domain.TaskRun         `json:"run"`
	Errors []*scanerrors.ScanError `json:"errors,omitempty"`
}

// Latest ambil N run terakhir per project
func (s *Service) Latest(ctx context.Context, projectID string, limit int) ([]*domain.TaskRun, error) {
	return s.Runs.Latest(ctx, projectID, limit)
}

// Get ambil 1 run by task id, plus error yang tercatat
func (s *Service) Get(ctx context.Context, taskID string) (RunDetail, error) {
	run, err := s.Runs.Get(ctx, taskID)
	if err != nil {
		return RunDetail{}, err
	}
	detail := RunDetail{Run: run}
	if s.Errors != nil {
		errs, err := s.Errors.ListByTask(ctx, taskID, 50)
		if err != nil {
			return RunDetail{}, fmt.Errorf("list errors of %s: %w", taskID, err)
		}
		detail.Errors = errs
	}
	return detail, nil
}

func (s *Service) Page(ctx context.Context, projectID string, page, pageSize int) (domain.PaginatedResult, error) {
	return s.Runs.Paginate(ctx, projectID, page, pageSize)
}

// Cursor continues after the run identified by (cursorTime, cursorID).
func (s *Service) Cursor(ctx context.Context, projectID string, cursorTime time.Time, cursorID string, pageSize int) ([]*domain.TaskRun, error) {
	return s.Runs.Cursor(ctx, projectID, cursorTime, cursorID, pageSize)
}

// Summary rekap hasil run sejak waktu tertentu
func (s *Service) Summary(ctx context.Context, projectID string, since time.Time) (map[string]any, error) {
	runs, err := s.Runs.Latest(ctx, projectID, 500)
	if err != nil {
		return nil, err
	}
	var counts domain.SeverityCounts
	finished, failed := 0, 0
	for _, r := range runs {
		if r.FinishedAt.Before(since) {
			continue
		}
		if r.State == string(tasks.StateFinished) {
			finished++
		} else {
			failed++
		}
		counts.Critical += r.Counts.Critical
		counts.High += r.Counts.High
		counts.Medium += r.Counts.Medium
		counts.Low += r.Counts.Low
		counts.Info += r.Counts.Info
		counts.Total += r.Counts.Total
	}
	return map[string]any{
		"total_runs": finished + failed,
		"finished":   finished,
		"failed":     failed,
		"counts":     counts,
	}, nil
}

// Resubmit sends every saved chunk again and forgets the acknowledged ones.
// It stops at the first error so a down scheduler is not hammered; the
// returned count is the number of chunks delivered.
func (s *Service) Resubmit(ctx context.Context) (int, error) {
	if s.Pending == nil || s.Scheduler == nil {
		return 0, errors.New("resubmit needs a pending queue and a scheduler")
	}
	ids, err := s.Pending.PendingTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending tasks: %w", err)
	}
	sent := 0
	for _, id := range ids {
		chunks, err := s.Pending.ListPending(ctx, id)
		if err != nil {
			return sent, fmt.Errorf("list pending chunks of %s: %w", id, err)
		}
		for _, c := range chunks {
			ack, err := s.Scheduler.SubmitResult(ctx, c)
			if err != nil {
				return sent, fmt.Errorf("resubmit %s/%d: %w", id, c.Seq, err)
			}
			if ack.Seq != c.Seq {
				return sent, fmt.Errorf("resubmit %s/%d: ack for seq %d", id, c.Seq, ack.Seq)
			}
			if err := s.Pending.DeletePending(ctx, id, c.Seq); err != nil {
				return sent, fmt.Errorf("forget %s/%d: %w", id, c.Seq, err)
			}
			sent++
		}
		s.Log.Infof("task=%s pending chunks=%d resubmitted", id, len(chunks))
	}
	return sent, nil
}
