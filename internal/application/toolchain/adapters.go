package toolchain

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bryanwahyu/automaton-node/internal/domain/scans"
	"github.com/bryanwahyu/automaton-node/internal/domain/toolpkg"
)

// invocation is everything needed to run one adapter and collect its output.
type invocation struct {
	req        scans.RunRequest
	reportPath string // when set, raw output is read from this file instead of stdout
}

// buildInvocation translates a tool spec into the tool's native command line.
// Dispatch is an exhaustive switch over the closed tool set.
func buildInvocation(pkg *toolpkg.Package, spec scans.ToolSpec, root string, worklist []string, reportDir string) invocation {
	cmd := Entrypoint(pkg)
	opts := spec.Options
	var args []string
	var report string

	switch spec.Name {
	case scans.ToolPylint:
		args = append(args, "--output-format=json", "--persistent=n")
		if opts.Config != "" {
			args = append(args, "--rcfile="+filepath.Join(root, opts.Config))
		}
		if len(opts.Rules) > 0 {
			args = append(args, "--disable=all", "--enable="+strings.Join(opts.Rules, ","))
		}
		args = append(args, opts.Args...)
		args = append(args, worklist...)
	case scans.ToolESLint:
		args = append(args, "--format", "json", "--no-error-on-unmatched-pattern")
		if opts.Config != "" {
			args = append(args, "--config", filepath.Join(root, opts.Config))
		}
		args = append(args, opts.Args...)
		args = append(args, worklist...)
	case scans.ToolGitleaks:
		report = filepath.Join(reportDir, "gitleaks-report.json")
		args = append(args, "detect", "--no-git", "--no-banner",
			"--source", root,
			"--report-format", "json", "--report-path", report)
		if opts.Config != "" {
			args = append(args, "--config", filepath.Join(root, opts.Config))
		}
		args = append(args, opts.Args...)
	case scans.ToolSARIF:
		if opts.Config != "" {
			args = append(args, "--config", filepath.Join(root, opts.Config))
		}
		args = append(args, opts.Args...)
		args = append(args, worklist...)
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	return invocation{
		req:        scans.RunRequest{Command: cmd, Args: args, Dir: root, Env: env, Timeout: opts.Timeout},
		reportPath: report,
	}
}

// acceptExit reports whether an exit code means the tool ran to completion.
// Linters exit non-zero when they report findings.
func acceptExit(tool scans.Tool, code int) bool {
	switch tool {
	case scans.ToolPylint:
		// bit-encoded: 1 fatal, 32 usage error; the rest are message categories
		return code&(1|32) == 0
	case scans.ToolESLint, scans.ToolGitleaks, scans.ToolSARIF:
		return code == 0 || code == 1
	default:
		return code == 0
	}
}

// needsWorklist is false for tools that walk the tree themselves.
func needsWorklist(tool scans.Tool) bool {
	return tool != scans.ToolGitleaks
}

func Entrypoint(pkg *toolpkg.Package) string {
	ep := pkg.Descriptor.Entrypoint
	if ep == "" {
		ep = string(pkg.Name)
	}
	return filepath.Join(pkg.InstallPath, filepath.FromSlash(ep))
}

func readReport(inv invocation, stdout []byte) ([]byte, error) {
	if inv.reportPath == "" {
		return stdout, nil
	}
	b, err := os.ReadFile(inv.reportPath)
	if os.IsNotExist(err) {
		// gitleaks skips the report when nothing was scanned
		return nil, nil
	}
	return b, err
}
