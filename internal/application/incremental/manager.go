// Package incremental decides which files of a checkout need analysis,
// given the baseline of the last successful scan.
package incremental

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/automaton-node/internal/domain/source"
	"github.com/bryanwahyu/automaton-node/internal/logging"
)

// Method records how a delta was obtained.
type Method string

const (
	MethodFull Method = "full" // no baseline
	MethodSCM  Method = "scm"
	MethodHash Method = "hash"
)

type Input struct {
	Root     string
	Revision string
	Baseline *source.Baseline
	Filter   *source.PathFilter
}

type Result struct {
	Delta    source.FileDelta
	Manifest source.Manifest // complete manifest of the current tree
	Worklist []string
	Method   Method
}

type Manager struct {
	SCM     source.SCM // optional
	Log     *logging.Logger
	Workers int
}

func NewManager(scm source.SCM, log *logging.Logger) *Manager {
	return &Manager{SCM: scm, Log: log, Workers: runtime.NumCPU()}
}

func (m *Manager) Compute(ctx context.Context, in Input) (Result, error) {
	files, err := WalkTree(in.Root)
	if err != nil {
		return Result{}, err
	}

	b := in.Baseline
	var res Result
	switch {
	case b == nil:
		res, err = m.classifyAll(ctx, in.Root, files, nil, nil, MethodFull)
	case b.HashScheme != source.HashScheme:
		m.Log.Warnf("baseline=%s hash_scheme=%s local=%s falling back to full rehash", b.Key, b.HashScheme, source.HashScheme)
		res, err = m.classifyAll(ctx, in.Root, files, b.Manifest, nil, MethodHash)
		if err == nil {
			for p, kind := range res.Delta {
				if kind == source.Unchanged {
					res.Delta[p] = source.Modified
				}
			}
		}
	default:
		hint, herr := m.diffHint(ctx, in.Root, b.Key.Revision, in.Revision)
		if herr != nil {
			m.Log.Infof("baseline=%s scm diff unavailable (%v), hashing full tree", b.Key, herr)
			res, err = m.classifyAll(ctx, in.Root, files, b.Manifest, nil, MethodHash)
		} else {
			res, err = m.classifyAll(ctx, in.Root, files, b.Manifest, hint, MethodSCM)
		}
	}
	if err != nil {
		return Result{}, err
	}

	for _, p := range files {
		kind := res.Delta[p]
		if (kind == source.Added || kind == source.Modified) && in.Filter.Match(p) {
			res.Worklist = append(res.Worklist, p)
		}
	}
	sort.Strings(res.Worklist)
	return res, nil
}

func (m *Manager) diffHint(ctx context.Context, root, from, to string) (map[string]bool, error) {
	if m.SCM == nil {
		return nil, errors.New("no scm configured")
	}
	if from == "" || to == "" {
		return nil, source.ErrRevisionUnknown
	}
	changes, err := m.SCM.Diff(ctx, root, from, to)
	if err != nil {
		return nil, err
	}
	hint := make(map[string]bool, len(changes))
	for _, c := range changes {
		hint[filepath.ToSlash(c.Path)] = true
	}
	return hint, nil
}

// classifyAll builds the delta. With a nil hint every file is hashed; with
// a hint only hinted files and files unknown to the manifest are hashed and
// the rest inherit their manifest fingerprint as Unchanged.
func (m *Manager) classifyAll(ctx context.Context, root string, files []string, manifest source.Manifest, hint map[string]bool, method Method) (Result, error) {
	res := Result{
		Delta:    make(source.FileDelta, len(files)+len(manifest)),
		Manifest: make(source.Manifest, len(files)),
		Method:   method,
	}

	var toHash []string
	for _, p := range files {
		old, known := manifest[p]
		if hint != nil && known && !hint[p] {
			res.Delta[p] = source.Unchanged
			res.Manifest[p] = old
			continue
		}
		toHash = append(toHash, p)
	}

	hashes, err := m.hashAll(ctx, root, toHash)
	if err != nil {
		return Result{}, err
	}
	for _, p := range toHash {
		sum := hashes[p]
		res.Manifest[p] = sum
		old, known := manifest[p]
		switch {
		case !known:
			res.Delta[p] = source.Added
		case old == sum:
			res.Delta[p] = source.Unchanged
		default:
			res.Delta[p] = source.Modified
		}
	}

	present := make(map[string]bool, len(files))
	for _, p := range files {
		present[p] = true
	}
	for p := range manifest {
		if !present[p] {
			res.Delta[p] = source.Removed
		}
	}
	return res, nil
}

func (m *Manager) hashAll(ctx context.Context, root string, paths []string) (map[string]string, error) {
	out := make(map[string]string, len(paths))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	workers := m.Workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	for _, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum, err := HashFile(filepath.Join(root, filepath.FromSlash(p)))
			if err != nil {
				return fmt.Errorf("hash %s: %w", p, err)
			}
			mu.Lock()
			out[p] = sum
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// HashFile returns the hex sha256 of the file contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WalkTree lists regular files under root as sorted slash paths, skipping
// the .git directory.
func WalkTree(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}
