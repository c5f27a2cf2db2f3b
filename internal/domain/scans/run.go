package scans

import "time"

// RunRequest untuk Executor
type RunRequest struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // KEY=VALUE added to a minimal base environment
	Timeout time.Duration
}

// RunResult hasil dari Executor
type RunResult struct {
	Stdout     []byte
	Stderr     []byte
	ExitCode   int
	DurationMS int64
	TimedOut   bool
}
