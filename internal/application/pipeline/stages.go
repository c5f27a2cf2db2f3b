// Package pipeline turns raw tool output into the final issue set. Each
// stage is a function of its inputs only.
package pipeline

import (
	"context"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/automaton-node/internal/domain/scans"
	"github.com/bryanwahyu/automaton-node/internal/domain/source"
	"github.com/bryanwahyu/automaton-node/internal/domain/tasks"
)

// Format parses one tool's output and canonicalizes every issue: relative
// slash path, rule restriction, reporter and fingerprint.
func Format(spec scans.ToolSpec, raw []byte, root string) ([]scans.Issue, error) {
	issues, err := scans.ParseIssues(spec.Name, raw)
	if err != nil {
		return nil, err
	}
	var allowed map[string]bool
	if len(spec.Options.Rules) > 0 {
		allowed = make(map[string]bool, len(spec.Options.Rules))
		for _, r := range spec.Options.Rules {
			allowed[r] = true
		}
	}

	out := issues[:0]
	for _, is := range issues {
		if allowed != nil && !allowed[is.RuleID] {
			continue
		}
		is.Path = relPath(root, is.Path)
		is.Tool = spec.Name
		is.ReportedBy = []scans.Tool{spec.Name}
		is.Fingerprint = scans.Fingerprint(is)
		out = append(out, is)
	}
	return out, nil
}

func relPath(root, p string) string {
	p = strings.TrimPrefix(p, "file://")
	if filepath.IsAbs(p) && root != "" {
		if rel, err := filepath.Rel(root, p); err == nil && !strings.HasPrefix(rel, "..") {
			p = rel
		}
	}
	return scans.NormalizePath(filepath.ToSlash(p))
}

// Scope is what the filter stage checks against.
type Scope struct {
	Paths  map[string]bool // files analyzed in this run; nil means unrestricted
	Filter *source.PathFilter
	Ignore tasks.IgnoreRules
}

// LineSource gives access to file contents for inline suppressions.
type LineSource interface {
	Lines(path string) ([]string, error)
}

// Filter drops issues outside scope, matching an ignore rule, or suppressed
// by an inline marker.
func Filter(issues []scans.Issue, scope Scope, lines LineSource) []scans.Issue {
	ignoredRules := make(map[string]bool, len(scope.Ignore.RuleIDs))
	for _, r := range scope.Ignore.RuleIDs {
		ignoredRules[r] = true
	}
	// a rule reported at line 0 is file level for its whole file
	fileRules := make(map[string]map[string]bool)
	for _, is := range issues {
		if is.StartLine > 0 {
			continue
		}
		if fileRules[is.Path] == nil {
			fileRules[is.Path] = make(map[string]bool)
		}
		fileRules[is.Path][is.RuleID] = true
	}
	var out []scans.Issue
	for _, is := range issues {
		if scope.Paths != nil && !scope.Paths[is.Path] {
			continue
		}
		if !Accept(is, scope.Filter, scope.Ignore, ignoredRules) {
			continue
		}
		if lines != nil && suppressed(is, lines, fileRules[is.Path][is.RuleID]) {
			continue
		}
		out = append(out, is)
	}
	return out
}

// Accept applies the path filter and ignore rules to a single issue.
func Accept(is scans.Issue, filter *source.PathFilter, ignore tasks.IgnoreRules, ignoredRules map[string]bool) bool {
	if !filter.Match(is.Path) {
		return false
	}
	if ignoredRules == nil {
		for _, r := range ignore.RuleIDs {
			if r == is.RuleID {
				return false
			}
		}
	} else if ignoredRules[is.RuleID] {
		return false
	}
	return !source.MatchAny(ignore.Paths, is.Path)
}

// A marker is "NOCA:rule(reason),rule (reason),..."; every rule needs a
// non-empty reason.
const markerRule = `([\w.\-/]+)\s*\(([^)]+)\)`

var (
	markerRx = regexp.MustCompile(`\bNOCA\s*:\s*` + markerRule + `(?:,\s*` + markerRule + `)*`)
	ruleRx   = regexp.MustCompile(markerRule)
)

// markerRules returns the rule ids named by a NOCA marker in line.
func markerRules(line string) []string {
	m := markerRx.FindString(line)
	if m == "" {
		return nil
	}
	var rules []string
	for _, r := range ruleRx.FindAllStringSubmatch(m, -1) {
		rules = append(rules, r[1])
	}
	return rules
}

func hasRule(line, rule string) bool {
	for _, r := range markerRules(line) {
		if r == rule {
			return true
		}
	}
	return false
}

var commentPrefixes = []string{"#", "//", "/*", "*", "--", ";", "<!--"}

func commentOnly(line string) bool {
	t := strings.TrimSpace(line)
	for _, p := range commentPrefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// suppressed: a marker trailing code on the issue's own line, or on a
// comment-only line directly above it. A comment-only marker covers the next
// line, never its own. File-level rules honour a marker anywhere in the file.
func suppressed(is scans.Issue, src LineSource, fileLevel bool) bool {
	lines, err := src.Lines(is.Path)
	if err != nil || len(lines) == 0 {
		return false
	}
	if fileLevel || is.StartLine <= 0 {
		for _, l := range lines {
			if hasRule(l, is.RuleID) {
				return true
			}
		}
		return false
	}
	if is.StartLine <= len(lines) {
		own := lines[is.StartLine-1]
		if !commentOnly(own) && hasRule(own, is.RuleID) {
			return true
		}
	}
	if is.StartLine >= 2 && is.StartLine-2 < len(lines) {
		above := lines[is.StartLine-2]
		return commentOnly(above) && hasRule(above, is.RuleID)
	}
	return false
}

// Blamer resolves the author of a line range.
type Blamer interface {
	Blame(ctx context.Context, path string, start, end int) (string, error)
}

// Blame attributes each issue to an author. Lookups are cached per range;
// a failed lookup leaves the author empty.
func Blame(ctx context.Context, issues []scans.Issue, b Blamer, workers int) []scans.Issue {
	if b == nil || len(issues) == 0 {
		return issues
	}
	type rng struct {
		path       string
		start, end int
	}
	var ranges []rng
	seen := make(map[rng]bool)
	for _, is := range issues {
		r := rng{is.Path, is.StartLine, max(is.EndLine, is.StartLine)}
		if is.StartLine > 0 && !seen[r] {
			seen[r] = true
			ranges = append(ranges, r)
		}
	}
	authors := make(map[rng]string, len(ranges))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	for _, r := range ranges {
		g.Go(func() error {
			author, err := b.Blame(gctx, r.path, r.start, r.end)
			if err != nil {
				return nil
			}
			mu.Lock()
			authors[r] = author
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := make([]scans.Issue, len(issues))
	for i, is := range issues {
		if is.StartLine > 0 {
			is.Author = authors[rng{is.Path, is.StartLine, max(is.EndLine, is.StartLine)}]
		}
		out[i] = is
	}
	return out
}

// Dedup keeps one issue per fingerprint, with the highest severity seen and
// every reporting tool listed.
func Dedup(issues []scans.Issue) []scans.Issue {
	byFP := make(map[string]int)
	var out []scans.Issue
	for _, is := range issues {
		i, seen := byFP[is.Fingerprint]
		if !seen {
			is.ReportedBy = append([]scans.Tool(nil), is.ReportedBy...)
			byFP[is.Fingerprint] = len(out)
			out = append(out, is)
			continue
		}
		kept := &out[i]
		reporters := mergeTools(kept.ReportedBy, is.ReportedBy)
		if is.Severity > kept.Severity {
			author := kept.Author
			*kept = is
			if kept.Author == "" {
				kept.Author = author
			}
		} else if kept.Author == "" {
			kept.Author = is.Author
		}
		kept.ReportedBy = reporters
	}
	SortIssues(out)
	return out
}

func mergeTools(a, b []scans.Tool) []scans.Tool {
	set := make(map[scans.Tool]bool, len(a)+len(b))
	for _, t := range a {
		set[t] = true
	}
	for _, t := range b {
		set[t] = true
	}
	out := make([]scans.Tool, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CarryForward re-emits baseline issues located in unchanged files that are
// still accepted and not already reported.
func CarryForward(current []scans.Issue, baseline *source.Baseline, delta source.FileDelta, accept func(scans.Issue) bool) []scans.Issue {
	if baseline == nil {
		return current
	}
	have := make(map[string]bool, len(current))
	for _, is := range current {
		have[is.Fingerprint] = true
	}
	out := append([]scans.Issue(nil), current...)
	for _, is := range baseline.Issues {
		if delta[is.Path] != source.Unchanged || have[is.Fingerprint] {
			continue
		}
		if accept != nil && !accept(is) {
			continue
		}
		have[is.Fingerprint] = true
		out = append(out, is)
	}
	SortIssues(out)
	return out
}

// SortIssues orders by path, line, rule and fingerprint.
func SortIssues(issues []scans.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.StartLine != b.StartLine {
			return a.StartLine < b.StartLine
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.Fingerprint < b.Fingerprint
	})
}
