// Package toolchain resolves analyzer packages onto the node and runs them.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/bryanwahyu/automaton-node/internal/application"
	"github.com/bryanwahyu/automaton-node/internal/application/retry"
	"github.com/bryanwahyu/automaton-node/internal/domain/scans"
	"github.com/bryanwahyu/automaton-node/internal/domain/tasks"
	"github.com/bryanwahyu/automaton-node/internal/domain/toolpkg"
	"github.com/bryanwahyu/automaton-node/internal/lock"
	"github.com/bryanwahyu/automaton-node/internal/logging"
)

const markerFile = ".installed"

// defaultInstallTimeout bounds one shared install when InstallTimeout is unset.
const defaultInstallTimeout = 15 * time.Minute

// Loader keeps the process-wide install cache. Lookups of installed
// packages only take a read lock; installs run once per name@version.
type Loader struct {
	InstallDir string
	Catalog    map[string]toolpkg.Descriptor // keyed by toolpkg.Key
	HTTP       toolpkg.Fetcher               // http(s) sources
	Objects    toolpkg.Fetcher               // object-store keys, optional
	Verifier   toolpkg.Verifier
	Retry      retry.Policy
	// InstallTimeout bounds an install shared by every task waiting on it.
	InstallTimeout time.Duration
	Clock          application.Clock
	Log            *logging.Logger

	mu    sync.RWMutex
	index map[string]*toolpkg.Package
	group singleflight.Group
	locks *lock.MutexMap
	once  sync.Once
}

func (l *Loader) init() {
	l.once.Do(func() {
		l.index = make(map[string]*toolpkg.Package)
		l.locks = lock.NewMutexMap()
	})
}

// Installed returns the package if it is already in the install cache.
func (l *Loader) Installed(name scans.Tool, version string) (*toolpkg.Package, bool) {
	l.init()
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.index[toolpkg.Key(name, version)]
	return p, ok
}

// Resolve returns an installed package for spec, installing it on a miss.
// Failures are ToolInstallError.
func (l *Loader) Resolve(ctx context.Context, spec scans.ToolSpec) (*toolpkg.Package, error) {
	l.init()
	if p, ok := l.Installed(spec.Name, spec.Version); ok {
		return p, nil
	}
	key := toolpkg.Key(spec.Name, spec.Version)
	desc, ok := l.Catalog[key]
	if !ok {
		return nil, installError(spec.Name, fmt.Errorf("%s: %w", key, toolpkg.ErrNotInCatalog))
	}

	// The install is shared, so it must not die with whichever task started
	// it. Each caller still stops waiting when its own ctx ends.
	ch := l.group.DoChan(key, func() (any, error) {
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.installTimeout())
		defer cancel()
		l.locks.Lock(key)
		defer l.locks.Unlock(key)
		if p, ok := l.Installed(spec.Name, spec.Version); ok {
			return p, nil
		}
		p, err := l.loadOrInstall(ictx, spec, desc)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.index[key] = p
		l.mu.Unlock()
		return p, nil
	})
	select {
	case <-ctx.Done():
		return nil, installError(spec.Name, fmt.Errorf("waiting for %s: %w", key, context.Cause(ctx)))
	case res := <-ch:
		if res.Err != nil {
			return nil, installError(spec.Name, res.Err)
		}
		return res.Val.(*toolpkg.Package), nil
	}
}

func (l *Loader) installTimeout() time.Duration {
	if l.InstallTimeout > 0 {
		return l.InstallTimeout
	}
	return defaultInstallTimeout
}

func (l *Loader) finalDir(name scans.Tool, version string) string {
	return filepath.Join(l.InstallDir, string(name), version)
}

func (l *Loader) loadOrInstall(ctx context.Context, spec scans.ToolSpec, desc toolpkg.Descriptor) (*toolpkg.Package, error) {
	final := l.finalDir(spec.Name, spec.Version)
	pkg := &toolpkg.Package{Name: spec.Name, Version: spec.Version, Descriptor: desc, InstallPath: final, Checksum: desc.SHA256}

	// installed by an earlier process
	if b, err := os.ReadFile(filepath.Join(final, markerFile)); err == nil {
		if strings.TrimSpace(string(b)) == desc.SHA256 {
			l.Log.Debugf("tool=%s version=%s reusing install at %s", spec.Name, spec.Version, final)
			return pkg, nil
		}
		l.Log.Warnf("tool=%s version=%s install checksum changed, reinstalling", spec.Name, spec.Version)
	}

	attempts := 0
	err := retry.Do(ctx, l.clock(), l.Retry, func(err error) bool {
		return ctx.Err() == nil
	}, func(attempt int) error {
		attempts = attempt
		err := l.install(ctx, spec, desc, final)
		if err != nil {
			l.Log.Warnf("tool=%s version=%s install attempt=%d/%d failed: %v", spec.Name, spec.Version, attempt, l.Retry.MaxAttempts, err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("install %s after %d attempts: %w", pkg.Key(), attempts, err)
	}
	l.Log.Infof("tool=%s version=%s installed at %s", spec.Name, spec.Version, final)
	return pkg, nil
}

// install downloads into a temp file, verifies it, stages the package in a
// temp dir and renames the dir into place. Nothing partial is ever visible
// at the final path.
func (l *Loader) install(ctx context.Context, spec scans.ToolSpec, desc toolpkg.Descriptor, final string) error {
	if err := os.MkdirAll(l.InstallDir, 0o750); err != nil {
		return err
	}
	id := uuid.NewString()
	tmpFile := filepath.Join(l.InstallDir, ".download-"+id)
	staging := filepath.Join(l.InstallDir, ".staging-"+id)
	defer os.Remove(tmpFile)
	defer os.RemoveAll(staging)

	if err := l.download(ctx, desc.Source, tmpFile); err != nil {
		return err
	}
	if err := l.Verifier.VerifyChecksum(ctx, tmpFile, desc.SHA256); err != nil {
		return err
	}
	if desc.SignatureURL != "" {
		if err := l.Verifier.VerifySignature(ctx, tmpFile, desc.SignatureURL); err != nil {
			return err
		}
	}

	if desc.Archive {
		if err := extractTarGz(tmpFile, staging); err != nil {
			return err
		}
	} else {
		ep := desc.Entrypoint
		if ep == "" {
			ep = string(spec.Name)
		}
		dst := filepath.Join(staging, filepath.FromSlash(ep))
		if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			return err
		}
		if err := os.Rename(tmpFile, dst); err != nil {
			return err
		}
		if err := os.Chmod(dst, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(filepath.Join(staging, markerFile), []byte(desc.SHA256+"\n"), 0o644); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(final), 0o750); err != nil {
		return err
	}
	// a stale install (checksum changed) is replaced; removal happens
	// under the per-version lock so no reader sees a half-deleted tree
	if err := os.RemoveAll(final); err != nil {
		return err
	}
	return os.Rename(staging, final)
}

func (l *Loader) download(ctx context.Context, src, dst string) error {
	fetcher := l.HTTP
	if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
		fetcher = l.Objects
	}
	if fetcher == nil {
		return fmt.Errorf("no fetcher for source %q", src)
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := fetcher.Fetch(ctx, src, f); err != nil {
		f.Close()
		return fmt.Errorf("fetch %s: %w", src, err)
	}
	return f.Close()
}

func (l *Loader) clock() application.Clock {
	if l.Clock == nil {
		return application.SystemClock{}
	}
	return l.Clock
}

func installError(tool scans.Tool, err error) error {
	var te *tasks.Error
	if errors.As(err, &te) && te.Class == tasks.ToolInstallError {
		return te
	}
	return &tasks.Error{Class: tasks.ToolInstallError, Stage: tasks.StateToolPreparing, Tool: tool, Message: err.Error(), Err: err}
}
