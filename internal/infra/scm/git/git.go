// Package git implements source.SCM on top of the git command line.
package git

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bryanwahyu/automaton-node/internal/domain/source"
	"github.com/bryanwahyu/automaton-node/internal/domain/tasks"
)

// networkPhrases mark git failures worth retrying.
var networkPhrases = []string{
	"could not resolve host",
	"connection refused",
	"connection timed out",
	"operation timed out",
	"unable to access",
	"the remote end hung up",
	"early eof",
	"network is unreachable",
	"tls handshake",
}

var unknownRevisionPhrases = []string{
	"unknown revision",
	"bad revision",
	"bad object",
	"invalid object name",
	"not a valid object",
	"ambiguous argument",
}

type Client struct {
	Binary string
	// WaitDelay bounds how long a cancelled git waits for helpers (ssh,
	// credential, remote-https) still holding its output pipes.
	WaitDelay time.Duration
}

func New() *Client { return &Client{Binary: "git", WaitDelay: 2 * time.Second} }

// Checkout clone/fetch repo lalu checkout revision secara detached.
func (c *Client) Checkout(ctx context.Context, repo, revision, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkout dir: %w", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); errors.Is(err, os.ErrNotExist) {
		if _, err := c.git(ctx, dir, "init", "--quiet"); err != nil {
			return err
		}
		if _, err := c.git(ctx, dir, "remote", "add", "origin", repo); err != nil {
			return err
		}
	}
	if _, err := c.git(ctx, dir, "fetch", "--quiet", "--tags", "origin"); err != nil {
		return err
	}
	if _, err := c.git(ctx, dir, "checkout", "--quiet", "--force", "--detach", revision); err == nil {
		return nil
	}
	// revision may be a sha outside any advertised ref
	if _, err := c.git(ctx, dir, "fetch", "--quiet", "origin", revision); err != nil {
		return err
	}
	_, err := c.git(ctx, dir, "checkout", "--quiet", "--force", "--detach", "FETCH_HEAD")
	return err
}

func (c *Client) Diff(ctx context.Context, dir, from, to string) ([]source.Change, error) {
	out, err := c.git(ctx, dir, "diff", "--name-status", "--no-renames", "-z", from, to, "--")
	if err != nil {
		return nil, err
	}
	return parseNameStatus(out)
}

func (c *Client) Blame(ctx context.Context, dir, path string, start, end int) (string, error) {
	if end < start {
		end = start
	}
	out, err := c.git(ctx, dir, "blame", "--porcelain", "-L", fmt.Sprintf("%d,%d", start, end), "--", path)
	if err != nil {
		return "", err
	}
	return parseBlameAuthor(out), nil
}

func (c *Client) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	bin := c.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// git forks transport helpers; kill the whole group
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = c.WaitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(args[0], stderr.String(), err)
	}
	return stdout.Bytes(), nil
}

func classify(op, stderr string, err error) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	for _, p := range unknownRevisionPhrases {
		if strings.Contains(lower, p) {
			return fmt.Errorf("git %s: %s: %w", op, msg, source.ErrRevisionUnknown)
		}
	}
	for _, p := range networkPhrases {
		if strings.Contains(lower, p) {
			return tasks.Errorf(tasks.NetworkError, "git %s: %s", op, msg)
		}
	}
	if msg == "" {
		return fmt.Errorf("git %s: %w", op, err)
	}
	return fmt.Errorf("git %s: %s: %w", op, msg, err)
}

// parseNameStatus reads `git diff --name-status -z` output: a status
// field followed by a path, both NUL terminated.
func parseNameStatus(out []byte) ([]source.Change, error) {
	fields := strings.Split(strings.TrimRight(string(out), "\x00"), "\x00")
	if len(fields) == 1 && fields[0] == "" {
		return nil, nil
	}
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("git diff: malformed name-status output")
	}
	changes := make([]source.Change, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		status, path := fields[i], filepath.ToSlash(fields[i+1])
		kind := source.Modified
		switch {
		case strings.HasPrefix(status, "A"), strings.HasPrefix(status, "C"):
			kind = source.Added
		case strings.HasPrefix(status, "D"):
			kind = source.Removed
		}
		changes = append(changes, source.Change{Path: path, Kind: kind})
	}
	return changes, nil
}

// parseBlameAuthor returns the author email of the first line in porcelain
// output, falling back to the author name.
func parseBlameAuthor(out []byte) string {
	var name string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "author-mail "):
			mail := strings.Trim(strings.TrimPrefix(line, "author-mail "), "<>")
			if mail != "" && mail != "not.committed.yet" {
				return mail
			}
		case strings.HasPrefix(line, "author ") && name == "":
			name = strings.TrimPrefix(line, "author ")
		}
	}
	if name == "Not Committed Yet" {
		return ""
	}
	return name
}
