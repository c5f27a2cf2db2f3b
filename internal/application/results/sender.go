// Package results packages a finished scan and uploads it to the scheduler
// in idempotent chunks.
package results

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bryanwahyu/automaton-node/internal/domain/scans"
	"github.com/bryanwahyu/automaton-node/internal/domain/tasks"
	"github.com/bryanwahyu/automaton-node/internal/logging"
)

const maxErrorLen = 256

// Payload is the complete result of one task before chunking.
type Payload struct {
	Summary tasks.ResultSummary
	Issues  []scans.Issue
}

// NewPayload builds the summary for t. Issues must already be sorted.
func NewPayload(t *tasks.Task, scanType string, tools []scans.ToolSummary, issues []scans.Issue, worklistSize int, started, finished time.Time) Payload {
	summaries := make([]scans.ToolSummary, len(tools))
	for i, s := range tools {
		s.Error = truncate(s.Error, maxErrorLen)
		summaries[i] = s
	}
	return Payload{
		Summary: tasks.ResultSummary{
			TaskID:       t.ID,
			JobID:        t.JobID,
			ProjectID:    t.ProjectID,
			SchemeID:     t.SchemeID,
			Revision:     t.Revision,
			Branch:       t.Branch,
			ScanType:     scanType,
			Tools:        summaries,
			Counts:       scans.CountIssues(issues),
			WorklistSize: worklistSize,
			StartedAt:    started,
			FinishedAt:   finished,
			DurationMS:   finished.Sub(started).Milliseconds(),
		},
		Issues: issues,
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// Chunks splits p into size-bounded chunks. The summary rides on seq 0;
// an empty issue list still yields one chunk.
func Chunks(p Payload, size int) []tasks.Chunk {
	if size < 1 {
		size = 1
	}
	total := (len(p.Issues) + size - 1) / size
	if total == 0 {
		total = 1
	}
	out := make([]tasks.Chunk, total)
	for seq := 0; seq < total; seq++ {
		lo := seq * size
		hi := min(lo+size, len(p.Issues))
		c := tasks.Chunk{TaskID: p.Summary.TaskID, Seq: seq, Total: total, Issues: []scans.Issue{}}
		if lo < hi {
			c.Issues = p.Issues[lo:hi]
		}
		if seq == 0 {
			summary := p.Summary
			c.Summary = &summary
		}
		out[seq] = c
	}
	return out
}

// Sender uploads chunks and remembers which were acknowledged, so a retried
// Send only resubmits the rest.
type Sender struct {
	Scheduler tasks.Scheduler
	ChunkSize int
	Log       *logging.Logger

	mu    sync.Mutex
	acked map[string]map[int]bool
}

func NewSender(s tasks.Scheduler, chunkSize int, log *logging.Logger) *Sender {
	return &Sender{Scheduler: s, ChunkSize: chunkSize, Log: log, acked: make(map[string]map[int]bool)}
}

// Send uploads every unacknowledged chunk in order and stops at the first
// error. It returns how many chunks were sent by this call.
func (s *Sender) Send(ctx context.Context, p Payload) (int, error) {
	taskID := p.Summary.TaskID
	chunks := Chunks(p, s.ChunkSize)
	sent := 0
	for _, c := range chunks {
		if s.isAcked(taskID, c.Seq) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		ack, err := s.Scheduler.SubmitResult(ctx, c)
		if err != nil {
			return sent, fmt.Errorf("chunk %d/%d: %w", c.Seq+1, c.Total, err)
		}
		if ack.Seq != c.Seq {
			return sent, tasks.Errorf(tasks.UploadError, "chunk %d acknowledged as %d", c.Seq, ack.Seq)
		}
		s.markAcked(taskID, c.Seq)
		sent++
		if ack.Duplicate {
			s.Log.Debugf("task=%s chunk=%d/%d already stored upstream", taskID, c.Seq+1, c.Total)
		}
	}
	s.Log.Infof("task=%s chunks=%d sent=%d issues=%d upload complete", taskID, len(chunks), sent, len(p.Issues))
	return sent, nil
}

// Unacked returns the chunks of p the scheduler has not acknowledged.
func (s *Sender) Unacked(p Payload) []tasks.Chunk {
	var out []tasks.Chunk
	for _, c := range Chunks(p, s.ChunkSize) {
		if !s.isAcked(p.Summary.TaskID, c.Seq) {
			out = append(out, c)
		}
	}
	return out
}

// Forget drops the ack bookkeeping of a task once it is terminal.
func (s *Sender) Forget(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.acked, taskID)
}

func (s *Sender) isAcked(taskID string, seq int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked[taskID][seq]
}

func (s *Sender) markAcked(taskID string, seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acked == nil {
		s.acked = make(map[string]map[int]bool)
	}
	m, ok := s.acked[taskID]
	if !ok {
		m = make(map[int]bool)
		s.acked[taskID] = m
	}
	m[seq] = true
}
