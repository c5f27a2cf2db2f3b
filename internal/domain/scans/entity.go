package scans

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Tool enum. Closed set: each value has exactly one adapter.
type Tool string

const (
	ToolPylint   Tool = "pylint"
	ToolESLint   Tool = "eslint"
	ToolGitleaks Tool = "gitleaks"
	ToolSARIF    Tool = "sarif" // any analyzer emitting SARIF 2.1 on stdout (semgrep, trivy fs, ...)
)

var AllTools = []Tool{ToolPylint, ToolESLint, ToolGitleaks, ToolSARIF}

func ParseTool(s string) (Tool, error) {
	t := Tool(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllTools {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unsupported tool: %q", s)
}

// Severity is ordered: a larger value is more severe.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical
	case "high", "error":
		return SeverityHigh
	case "medium", "moderate", "warning":
		return SeverityMedium
	case "low", "note":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

func (s Severity) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Severity) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*s = ParseSeverity(v)
	return nil
}

// SeverityCounts value object
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
	Total    int `json:"total"`
}

func (c *SeverityCounts) Add(s Severity) {
	switch s {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	case SeverityLow:
		c.Low++
	default:
		c.Info++
	}
	c.Total++
}

func CountIssues(issues []Issue) SeverityCounts {
	var c SeverityCounts
	for _, is := range issues {
		c.Add(is.Severity)
	}
	return c
}

// Issue is the canonical finding shape every tool output is mapped into.
// Line 0 means the finding applies to the file as a whole.
type Issue struct {
	Path        string   `json:"path"`
	StartLine   int      `json:"start_line"`
	EndLine     int      `json:"end_line"`
	RuleID      string   `json:"rule_id"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	Author      string   `json:"author,omitempty"`
	Tool        Tool     `json:"tool"`
	ReportedBy  []Tool   `json:"reported_by,omitempty"`
	Fingerprint string   `json:"fingerprint"`
}

// ToolStatus is the outcome of one tool execution inside a task.
type ToolStatus string

const (
	ToolOK      ToolStatus = "ok"
	ToolFailed  ToolStatus = "failed"
	ToolTimeout ToolStatus = "timeout"
	ToolSkipped ToolStatus = "skipped"
)

type ToolSummary struct {
	Tool       Tool       `json:"tool"`
	Version    string     `json:"version"`
	Status     ToolStatus `json:"status"`
	ExitCode   int        `json:"exit_code"`
	DurationMS int64      `json:"duration_ms"`
	IssueCount int        `json:"issue_count"`
	Error      string     `json:"error,omitempty"`
}

// TaskRun is the completion event recorded once a task reaches a terminal
// state. Issues are only attached for finished tasks.
type TaskRun struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	JobID      string         `json:"job_id"`
	ProjectID  string         `json:"project_id"`
	SchemeID   string         `json:"scheme_id"`
	Revision   string         `json:"revision"`
	Branch     string         `json:"branch,omitempty"`
	State      string         `json:"state"`
	ScanType   string         `json:"scan_type"`
	Counts     SeverityCounts `json:"counts"`
	Tools      []ToolSummary  `json:"tools"`
	Issues     []Issue        `json:"issues,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	DurationMS int64          `json:"duration_ms"`
}
