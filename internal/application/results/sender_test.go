package results

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-node/internal/domain/scans"
	"github.com/bryanwahyu/automaton-node/internal/domain/tasks"
	"github.com/bryanwahyu/automaton-node/internal/logging"
)

// flakyScheduler fails the submissions listed in failAt (by call number).
type flakyScheduler struct {
	tasks.Scheduler

	mu       sync.Mutex
	calls    int
	failAt   map[int]bool
	received map[int]int // seq -> times stored
}

func (f *flakyScheduler) SubmitResult(ctx context.Context, c tasks.Chunk) (tasks.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAt[f.calls] {
		return tasks.Ack{}, tasks.Errorf(tasks.NetworkError, "connection reset")
	}
	if f.received == nil {
		f.received = make(map[int]int)
	}
	f.received[c.Seq]++
	return tasks.Ack{TaskID: c.TaskID, Seq: c.Seq, Duplicate: f.received[c.Seq] > 1}, nil
}

func payload(n int) Payload {
	issues := make([]scans.Issue, n)
	for i := range issues {
		issues[i] = scans.Issue{Path: "a.py", StartLine: i + 1, RuleID: "r", Severity: scans.SeverityLow}
	}
	return Payload{Summary: tasks.ResultSummary{TaskID: "t1"}, Issues: issues}
}

func TestChunks(t *testing.T) {
	cases := []struct {
		name   string
		issues int
		size   int
		total  int
		last   int
	}{
		{"empty", 0, 10, 1, 0},
		{"exact", 10, 5, 2, 5},
		{"remainder", 11, 5, 3, 1},
		{"single", 3, 500, 1, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chunks := Chunks(payload(tc.issues), tc.size)
			require.Len(t, chunks, tc.total)
			assert.NotNil(t, chunks[0].Summary)
			for i, c := range chunks {
				assert.Equal(t, i, c.Seq)
				assert.Equal(t, tc.total, c.Total)
				if i > 0 {
					assert.Nil(t, c.Summary)
				}
			}
			assert.Len(t, chunks[tc.total-1].Issues, tc.last)
		})
	}
}

func TestChunks_Deterministic(t *testing.T) {
	p := payload(7)
	assert.Equal(t, Chunks(p, 3), Chunks(p, 3))
}

func TestSend_ResumesFromFirstUnacked(t *testing.T) {
	sched := &flakyScheduler{failAt: map[int]bool{2: true}}
	s := NewSender(sched, 2, logging.Discard())
	p := payload(5) // 3 chunks

	sent, err := s.Send(context.Background(), p)
	require.Error(t, err)
	assert.Equal(t, tasks.NetworkError, tasks.ClassOf(err))
	assert.Equal(t, 1, sent)
	assert.Len(t, s.Unacked(p), 2)

	sent, err = s.Send(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Empty(t, s.Unacked(p))
	for seq := 0; seq < 3; seq++ {
		assert.Equal(t, 1, sched.received[seq], "seq %d stored once", seq)
	}
}

func TestSend_ForgetResendsEverything(t *testing.T) {
	sched := &flakyScheduler{}
	s := NewSender(sched, 10, logging.Discard())
	p := payload(3)

	_, err := s.Send(context.Background(), p)
	require.NoError(t, err)
	s.Forget("t1")
	sent, err := s.Send(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 2, sched.received[0])
}

type wrongAck struct{ tasks.Scheduler }

func (wrongAck) SubmitResult(ctx context.Context, c tasks.Chunk) (tasks.Ack, error) {
	return tasks.Ack{TaskID: c.TaskID, Seq: c.Seq + 1}, nil
}

func TestSend_MismatchedAck(t *testing.T) {
	s := NewSender(wrongAck{}, 10, logging.Discard())
	_, err := s.Send(context.Background(), payload(1))
	require.Error(t, err)
	assert.Equal(t, tasks.UploadError, tasks.ClassOf(err))
}

func TestSend_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewSender(&flakyScheduler{}, 10, logging.Discard())
	_, err := s.Send(ctx, payload(1))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNewPayload(t *testing.T) {
	task, err := tasks.NewTask(tasks.Assignment{
		TaskID: "t1", JobID: "j1", ProjectID: "p1", SchemeID: "s1", Repo: "r", Revision: "abc",
		Tools: []scans.RawToolSpec{{Name: "pylint", Version: "3.0"}},
	}, time.Now())
	require.NoError(t, err)

	started := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tools := []scans.ToolSummary{{Tool: scans.ToolPylint, Status: scans.ToolFailed, Error: strings.Repeat("é", 300)}}
	issues := []scans.Issue{{Severity: scans.SeverityHigh}, {Severity: scans.SeverityLow}}

	p := NewPayload(task, tasks.ScanTypeIncremental, tools, issues, 4, started, started.Add(1500*time.Millisecond))
	assert.Equal(t, "j1", p.Summary.JobID)
	assert.Equal(t, tasks.ScanTypeIncremental, p.Summary.ScanType)
	assert.Equal(t, int64(1500), p.Summary.DurationMS)
	assert.Equal(t, 1, p.Summary.Counts.High)
	assert.Equal(t, 2, p.Summary.Counts.Total)
	assert.Equal(t, 256, len([]rune(p.Summary.Tools[0].Error)))
	assert.Len(t, tools[0].Error, 600)
}
