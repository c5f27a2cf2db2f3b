package source

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bryanwahyu/automaton-node/internal/domain/scans"
)

// HashScheme names the content fingerprint function used in manifests.
const HashScheme = "sha256"

// ErrRevisionUnknown is returned by an SCM that cannot resolve a revision,
// e.g. a dirty or shallow working copy.
var ErrRevisionUnknown = errors.New("revision unknown to scm")

type ChangeKind string

const (
	Added     ChangeKind = "added"
	Modified  ChangeKind = "modified"
	Removed   ChangeKind = "removed"
	Unchanged ChangeKind = "unchanged"
)

// Manifest maps slash-separated relative path to content fingerprint.
type Manifest map[string]string

func (m Manifest) Paths() []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type BaselineKey struct {
	ProjectID string `json:"project_id"`
	SchemeID  string `json:"scheme_id"`
	Revision  string `json:"revision"`
}

func (k BaselineKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ProjectID, k.SchemeID, k.Revision)
}

func (k BaselineKey) Valid() bool {
	return k.ProjectID != "" && k.SchemeID != "" && k.Revision != ""
}

// Baseline is the recorded state of the last successful scan.
type Baseline struct {
	Key        BaselineKey   `json:"key"`
	HashScheme string        `json:"hash_scheme"`
	Manifest   Manifest      `json:"manifest"`
	Issues     []scans.Issue `json:"issues"`
	CreatedAt  time.Time     `json:"created_at"`
}

// FileDelta classifies every path of the current tree plus removed paths.
type FileDelta map[string]ChangeKind

func (d FileDelta) Paths(kind ChangeKind) []string {
	var out []string
	for p, k := range d {
		if k == kind {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Change is one SCM diff entry.
type Change struct {
	Path string
	Kind ChangeKind
}
