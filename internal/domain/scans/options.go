package scans

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"
)

// Format describes the raw output shape a tool produces.
type Format string

const (
	FormatPylintJSON   Format = "pylint-json"
	FormatESLintJSON   Format = "eslint-json"
	FormatGitleaksJSON Format = "gitleaks-json"
	FormatSARIF        Format = "sarif"
)

// DefaultFormat is the only format each tool is invoked with.
func DefaultFormat(t Tool) Format {
	switch t {
	case ToolPylint:
		return FormatPylintJSON
	case ToolESLint:
		return FormatESLintJSON
	case ToolGitleaks:
		return FormatGitleaksJSON
	default:
		return FormatSARIF
	}
}

// ToolSpec is immutable once the owning task has been claimed.
type ToolSpec struct {
	Name    Tool        `json:"name"`
	Version string      `json:"version"`
	Options ToolOptions `json:"options"`
	Format  Format      `json:"format"`
}

// ToolOptions is the closed set of knobs an assignment may set per tool.
type ToolOptions struct {
	// Args are appended to the adapter's own arguments.
	Args []string `json:"args,omitempty"`
	// Config is a tool config file relative to the source root.
	Config string `json:"config,omitempty"`
	// Timeout overrides the node-wide per-tool timeout when non-zero.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Rules restricts the rule ids the tool runs, where the tool supports it.
	Rules []string          `json:"rules,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
}

const maxToolTimeout = 24 * time.Hour

var envKeyRx = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// RawToolSpec is the wire form received from the scheduler.
type RawToolSpec struct {
	Name    string         `json:"name"`
	Version string         `json:"version"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// ParseToolSpec validates a wire spec. Any unrecognized option is an error.
func ParseToolSpec(raw RawToolSpec) (ToolSpec, error) {
	tool, err := ParseTool(raw.Name)
	if err != nil {
		return ToolSpec{}, err
	}
	if strings.TrimSpace(raw.Version) == "" {
		return ToolSpec{}, fmt.Errorf("tool %s: version is required", tool)
	}
	format := DefaultFormat(tool)
	if raw.Format != "" && Format(raw.Format) != format {
		return ToolSpec{}, fmt.Errorf("tool %s: format %q not supported, want %q", tool, raw.Format, format)
	}
	opts, err := ParseToolOptions(raw.Options)
	if err != nil {
		return ToolSpec{}, fmt.Errorf("tool %s: %w", tool, err)
	}
	return ToolSpec{Name: tool, Version: raw.Version, Options: opts, Format: format}, nil
}

func ParseToolOptions(raw map[string]any) (ToolOptions, error) {
	var opts ToolOptions
	var errs []error

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := raw[k]
		switch k {
		case "args":
			s, ok := v.(string)
			if !ok {
				errs = append(errs, fmt.Errorf("option args: want string, got %T", v))
				continue
			}
			parts, err := shlex.Split(s)
			if err != nil {
				errs = append(errs, fmt.Errorf("option args: %w", err))
				continue
			}
			opts.Args = parts
		case "config":
			s, ok := v.(string)
			if !ok {
				errs = append(errs, fmt.Errorf("option config: want string, got %T", v))
				continue
			}
			clean := path.Clean(strings.ReplaceAll(s, "\\", "/"))
			if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
				errs = append(errs, fmt.Errorf("option config: %q escapes the source tree", s))
				continue
			}
			opts.Config = clean
		case "timeout_sec":
			n, ok := toInt(v)
			if !ok || n < 1 || time.Duration(n)*time.Second > maxToolTimeout {
				errs = append(errs, fmt.Errorf("option timeout_sec: want 1..%d, got %v", int(maxToolTimeout.Seconds()), v))
				continue
			}
			opts.Timeout = time.Duration(n) * time.Second
		case "rules":
			list, ok := v.([]any)
			if !ok {
				errs = append(errs, fmt.Errorf("option rules: want list, got %T", v))
				continue
			}
			for _, item := range list {
				s, ok := item.(string)
				if !ok || strings.TrimSpace(s) == "" {
					errs = append(errs, fmt.Errorf("option rules: invalid entry %v", item))
					continue
				}
				opts.Rules = append(opts.Rules, strings.TrimSpace(s))
			}
		case "env":
			m, ok := v.(map[string]any)
			if !ok {
				errs = append(errs, fmt.Errorf("option env: want object, got %T", v))
				continue
			}
			opts.Env = make(map[string]string, len(m))
			for ek, ev := range m {
				if !envKeyRx.MatchString(ek) {
					errs = append(errs, fmt.Errorf("option env: invalid key %q", ek))
					continue
				}
				opts.Env[ek] = fmt.Sprint(ev)
			}
		default:
			errs = append(errs, fmt.Errorf("unknown option %q", k))
		}
	}
	return opts, errors.Join(errs...)
}

// toInt accepts the numeric types encoding/json and yaml decoders produce.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
