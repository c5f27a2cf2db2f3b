package incremental

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-node/internal/domain/source"
	"github.com/bryanwahyu/automaton-node/internal/logging"
)

type fakeSCM struct {
	changes []source.Change
	err     error
	calls   int
}

func (f *fakeSCM) Checkout(context.Context, string, string, string) error { return nil }
func (f *fakeSCM) Blame(context.Context, string, string, int, int) (string, error) {
	return "", nil
}
func (f *fakeSCM) Diff(context.Context, string, string, string) ([]source.Change, error) {
	f.calls++
	return f.changes, f.err
}

func sum(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for p, content := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

func manifestOf(files map[string]string) source.Manifest {
	m := make(source.Manifest, len(files))
	for p, c := range files {
		m[p] = sum(c)
	}
	return m
}

func baselineOf(files map[string]string) *source.Baseline {
	return &source.Baseline{
		Key:        source.BaselineKey{ProjectID: "p", SchemeID: "s", Revision: "r1"},
		HashScheme: source.HashScheme,
		Manifest:   manifestOf(files),
	}
}

// trueDiff is what an authoritative SCM reports between two trees.
func trueDiff(before, after map[string]string) []source.Change {
	var out []source.Change
	for p, c := range after {
		old, ok := before[p]
		switch {
		case !ok:
			out = append(out, source.Change{Path: p, Kind: source.Added})
		case old != c:
			out = append(out, source.Change{Path: p, Kind: source.Modified})
		}
	}
	for p := range before {
		if _, ok := after[p]; !ok {
			out = append(out, source.Change{Path: p, Kind: source.Removed})
		}
	}
	return out
}

func TestCompute_Scenario(t *testing.T) {
	before := map[string]string{"a.py": "one", "b.py": "two"}
	after := map[string]string{"a.py": "one", "b.py": "three", "c.py": "four"}
	root := writeTree(t, after)

	for _, scm := range []*fakeSCM{{changes: trueDiff(before, after)}, {err: source.ErrRevisionUnknown}} {
		m := NewManager(scm, logging.Discard())
		res, err := m.Compute(context.Background(), Input{Root: root, Revision: "r2", Baseline: baselineOf(before)})
		require.NoError(t, err)

		assert.Equal(t, source.FileDelta{"a.py": source.Unchanged, "b.py": source.Modified, "c.py": source.Added}, res.Delta)
		assert.Equal(t, []string{"b.py", "c.py"}, res.Worklist)
		assert.Equal(t, manifestOf(after), res.Manifest)
	}
}

func TestCompute_RemovedAndGitSkipped(t *testing.T) {
	before := map[string]string{"keep.go": "k", "gone.go": "g"}
	root := writeTree(t, map[string]string{"keep.go": "k", ".git/HEAD": "ref: refs/heads/main"})

	res, err := NewManager(nil, logging.Discard()).Compute(context.Background(), Input{Root: root, Baseline: baselineOf(before)})
	require.NoError(t, err)
	assert.Equal(t, MethodHash, res.Method)
	assert.Equal(t, source.FileDelta{"keep.go": source.Unchanged, "gone.go": source.Removed}, res.Delta)
	assert.Empty(t, res.Worklist)
	assert.NotContains(t, res.Manifest, ".git/HEAD")
}

func TestCompute_NoBaseline(t *testing.T) {
	root := writeTree(t, map[string]string{"src/a.py": "a", "src/vendor/b.py": "b", "README.md": "r"})
	filter, err := source.NewPathFilter([]string{"src/*"}, []string{"src/vendor/*"})
	require.NoError(t, err)

	res, err := NewManager(&fakeSCM{}, logging.Discard()).Compute(context.Background(), Input{Root: root, Revision: "r1", Filter: filter})
	require.NoError(t, err)
	assert.Equal(t, MethodFull, res.Method)
	for _, kind := range res.Delta {
		assert.Equal(t, source.Added, kind)
	}
	assert.Equal(t, []string{"src/a.py"}, res.Worklist)
}

func TestCompute_Idempotent(t *testing.T) {
	files := map[string]string{"a.py": "1", "pkg/b.py": "2"}
	root := writeTree(t, files)
	scm := &fakeSCM{}

	res, err := NewManager(scm, logging.Discard()).Compute(context.Background(), Input{Root: root, Revision: "r1", Baseline: baselineOf(files)})
	require.NoError(t, err)
	assert.Empty(t, res.Worklist)
	assert.Empty(t, res.Delta.Paths(source.Removed))
	assert.Len(t, res.Delta.Paths(source.Unchanged), 2)
}

func TestCompute_HashSchemeMismatchForcesRehash(t *testing.T) {
	files := map[string]string{"a.py": "1"}
	root := writeTree(t, files)
	b := baselineOf(files)
	b.HashScheme = "xxh3"
	scm := &fakeSCM{}

	res, err := NewManager(scm, logging.Discard()).Compute(context.Background(), Input{Root: root, Revision: "r2", Baseline: b})
	require.NoError(t, err)
	assert.Equal(t, 0, scm.calls)
	assert.Equal(t, source.Modified, res.Delta["a.py"])
	assert.Equal(t, []string{"a.py"}, res.Worklist)
}

func TestCompute_ModeOnlyHintStaysUnchanged(t *testing.T) {
	files := map[string]string{"run.sh": "echo"}
	root := writeTree(t, files)
	scm := &fakeSCM{changes: []source.Change{{Path: "run.sh", Kind: source.Modified}}}

	res, err := NewManager(scm, logging.Discard()).Compute(context.Background(), Input{Root: root, Revision: "r2", Baseline: baselineOf(files)})
	require.NoError(t, err)
	assert.Equal(t, MethodSCM, res.Method)
	assert.Equal(t, source.Unchanged, res.Delta["run.sh"])
}

func TestCompute_SCMAndFallbackAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 25; iter++ {
		before := map[string]string{}
		after := map[string]string{}
		for i := 0; i < 12; i++ {
			p := fmt.Sprintf("d%d/f%d.txt", i%3, i)
			switch rng.Intn(4) {
			case 0: // only before
				before[p] = "x"
			case 1: // only after
				after[p] = "y"
			case 2: // same
				before[p], after[p] = "s", "s"
			default: // changed
				before[p], after[p] = "old", "new"
			}
		}
		root := writeTree(t, after)
		b := baselineOf(before)

		viaSCM, err := NewManager(&fakeSCM{changes: trueDiff(before, after)}, logging.Discard()).
			Compute(context.Background(), Input{Root: root, Revision: "r2", Baseline: b})
		require.NoError(t, err)
		viaHash, err := NewManager(&fakeSCM{err: errors.New("not a repo")}, logging.Discard()).
			Compute(context.Background(), Input{Root: root, Revision: "r2", Baseline: b})
		require.NoError(t, err)

		require.Equal(t, MethodSCM, viaSCM.Method)
		require.Equal(t, MethodHash, viaHash.Method)
		assert.Equal(t, viaHash.Delta, viaSCM.Delta, "iteration %d", iter)
		assert.Equal(t, viaHash.Worklist, viaSCM.Worklist, "iteration %d", iter)
		assert.Equal(t, viaHash.Manifest, viaSCM.Manifest, "iteration %d", iter)
	}
}
