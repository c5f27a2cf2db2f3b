package tasks

import (
	"context"
	"time"

	"github.com/bryanwahyu/automaton-node/internal/domain/scans"
)

// NodeInfo is sent once when the node registers.
type NodeInfo struct {
	ID           string   `json:"id"`
	Tag          string   `json:"tag,omitempty"`
	Hostname     string   `json:"hostname"`
	CPUs         int      `json:"cpus"`
	MemTotal     uint64   `json:"mem_total"`
	MemAvailable uint64   `json:"mem_available"`
	DiskFree     uint64   `json:"disk_free"`
	MaxTasks     int      `json:"max_tasks"`
	Tools        []string `json:"tools,omitempty"`
}

// ResultSummary travels with the first chunk of every result upload.
type ResultSummary struct {
	TaskID       string               `json:"task_id"`
	JobID        string               `json:"job_id"`
	ProjectID    string               `json:"project_id"`
	SchemeID     string               `json:"scheme_id"`
	Revision     string               `json:"revision"`
	Branch       string               `json:"branch,omitempty"`
	ScanType     string               `json:"scan_type"`
	Tools        []scans.ToolSummary  `json:"tools"`
	Counts       scans.SeverityCounts `json:"counts"`
	WorklistSize int                  `json:"worklist_size"`
	StartedAt    time.Time            `json:"started_at"`
	FinishedAt   time.Time            `json:"finished_at"`
	DurationMS   int64                `json:"duration_ms"`
}

const (
	ScanTypeIncremental = "incremental"
	ScanTypeFull        = "full"
)

// Chunk is one idempotent unit of a result upload, identified by (TaskID, Seq).
type Chunk struct {
	TaskID  string         `json:"task_id"`
	Seq     int            `json:"seq"`
	Total   int            `json:"total"`
	Summary *ResultSummary `json:"summary,omitempty"`
	Issues  []scans.Issue  `json:"issues"`
}

type Ack struct {
	TaskID    string `json:"task_id"`
	Seq       int    `json:"seq"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type StatusReport struct {
	State State  `json:"state"`
	Error *Error `json:"error,omitempty"`
}

// Scheduler port: the remote job scheduler protocol.
type Scheduler interface {
	Register(ctx context.Context, info NodeInfo) error
	// ClaimJob returns nil, nil when no assignment is available. A node with
	// free=false only accepts control assignments (kills).
	ClaimJob(ctx context.Context, nodeID string, free bool) (*Assignment, error)
	Heartbeat(ctx context.Context, nodeID, taskID string) error
	SubmitResult(ctx context.Context, chunk Chunk) (Ack, error)
	ReportStatus(ctx context.Context, taskID string, report StatusReport) error
}

// PendingResults keeps payloads whose upload was abandoned so an operator
// can resubmit them.
type PendingResults interface {
	SavePending(ctx context.Context, taskID string, chunks []Chunk, cause string) error
}
