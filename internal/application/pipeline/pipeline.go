package pipeline

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/bryanwahyu/automaton-node/internal/application/toolchain"
	"github.com/bryanwahyu/automaton-node/internal/domain/scans"
	"github.com/bryanwahyu/automaton-node/internal/domain/source"
	"github.com/bryanwahyu/automaton-node/internal/domain/tasks"
	"github.com/bryanwahyu/automaton-node/internal/logging"
)

// FileLines reads source files under Root, caching each file once.
type FileLines struct {
	Root string

	mu    sync.Mutex
	files map[string][]string
}

func (f *FileLines) Lines(path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lines, ok := f.files[path]; ok {
		return lines, nil
	}
	if f.files == nil {
		f.files = make(map[string][]string)
	}
	fh, err := os.Open(filepath.Join(f.Root, filepath.FromSlash(path)))
	if err != nil {
		f.files[path] = nil
		return nil, err
	}
	defer fh.Close()

	var lines []string
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	f.files[path] = lines
	return lines, sc.Err()
}

// Input for one pass over a task's tool outcomes.
type Input struct {
	Root     string
	Outcomes []toolchain.Outcome
	Worklist []string
	Delta    source.FileDelta
	Baseline *source.Baseline
	Filter   *source.PathFilter
	Ignore   tasks.IgnoreRules
	Lines    LineSource
	Blamer   Blamer
}

// Output is the final, sorted issue set plus per-tool counts of issues
// surviving the filter stage.
type Output struct {
	Issues     []scans.Issue
	ToolCounts map[scans.Tool]int
}

// Pipeline chains the stages. Tool outputs that fail to parse mark only
// that tool as failed.
type Pipeline struct {
	BlameWorkers int
	Log          *logging.Logger
}

func (p *Pipeline) Run(ctx context.Context, taskID string, in Input) (Output, []toolchain.Outcome) {
	outcomes := append([]toolchain.Outcome(nil), in.Outcomes...)

	var formatted []scans.Issue
	for i, o := range outcomes {
		if o.Status != scans.ToolOK {
			continue
		}
		issues, err := Format(o.Spec, o.Raw, in.Root)
		if err != nil {
			p.Log.Warnf("task=%s tool=%s unparseable output: %v", taskID, o.Spec.Name, err)
			outcomes[i].Status = scans.ToolFailed
			outcomes[i].Err = &tasks.Error{
				Class: tasks.ToolExecutionError, Stage: tasks.StateScanning, Tool: o.Spec.Name,
				Message: "parse output: " + err.Error(), Err: err,
			}
			continue
		}
		formatted = append(formatted, issues...)
	}

	scope := make(map[string]bool, len(in.Worklist))
	for _, path := range in.Worklist {
		scope[path] = true
	}
	filtered := Filter(formatted, Scope{Paths: scope, Filter: in.Filter, Ignore: in.Ignore}, in.Lines)

	counts := make(map[scans.Tool]int)
	for _, is := range filtered {
		counts[is.Tool]++
	}

	blamed := Blame(ctx, filtered, in.Blamer, p.BlameWorkers)
	unique := Dedup(blamed)
	final := CarryForward(unique, in.Baseline, in.Delta, func(is scans.Issue) bool {
		return Accept(is, in.Filter, in.Ignore, nil)
	})

	p.Log.Debugf("task=%s formatted=%d filtered=%d unique=%d final=%d", taskID, len(formatted), len(filtered), len(unique), len(final))
	return Output{Issues: final, ToolCounts: counts}, outcomes
}
