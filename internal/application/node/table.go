package node

import (
	"context"
	"errors"
	"sort"
	"sync"

	domain "github.com/bryanwahyu/automaton-node/internal/domain/tasks"
)

var ErrDuplicateTask = errors.New("task already in flight")

const archiveSize = 200

type entry struct {
	task   *domain.Task
	cancel context.CancelCauseFunc
}

// Table tracks the tasks this node is running plus a short history of
// finished ones.
type Table struct {
	mu      sync.RWMutex
	active  map[string]*entry
	archive []domain.Snapshot
}

func NewTable() *Table {
	return &Table{active: make(map[string]*entry)}
}

// Claim registers a task as in flight. cancel is used by Kill.
func (t *Table) Claim(task *domain.Task, cancel context.CancelCauseFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[task.ID]; ok {
		return ErrDuplicateTask
	}
	t.active[task.ID] = &entry{task: task, cancel: cancel}
	return nil
}

// Complete moves a task into the archive.
func (t *Table) Complete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.active[id]
	if !ok {
		return
	}
	delete(t.active, id)
	t.archive = append(t.archive, e.task.Snapshot())
	if len(t.archive) > archiveSize {
		t.archive = t.archive[len(t.archive)-archiveSize:]
	}
}

// Kill cancels an in-flight task with cause. It reports false for unknown ids.
func (t *Table) Kill(id string, cause error) bool {
	t.mu.RLock()
	e, ok := t.active[id]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	e.cancel(cause)
	return true
}

func (t *Table) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

func (t *Table) ActiveIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot lists in-flight tasks first, then archived ones, each ordered by
// claim time.
func (t *Table) Snapshot() []domain.Snapshot {
	t.mu.RLock()
	active := make([]domain.Snapshot, 0, len(t.active))
	for _, e := range t.active {
		active = append(active, e.task.Snapshot())
	}
	archived := append([]domain.Snapshot(nil), t.archive...)
	t.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool { return active[i].ClaimedAt.Before(active[j].ClaimedAt) })
	sort.SliceStable(archived, func(i, j int) bool { return archived[i].ClaimedAt.Before(archived[j].ClaimedAt) })
	return append(active, archived...)
}

// Get returns the snapshot of one task, in flight or archived.
func (t *Table) Get(id string) (domain.Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.active[id]; ok {
		return e.task.Snapshot(), true
	}
	for i := len(t.archive) - 1; i >= 0; i-- {
		if t.archive[i].ID == id {
			return t.archive[i], true
		}
	}
	return domain.Snapshot{}, false
}
