// Package tasks implements the task store: an append-only, densely numbered
// collection of tasks plus a write-once claimed flag per task.
//
// Store is not safe for concurrent use; the market engine serializes access.
// Mutations are staged on a Txn and become visible only on Commit.
package tasks

import (
	"fmt"
	"sort"

	"github.com/proofmarket/pmkt/internal/domain"
)

// Store owns every task record and the id counter. Tasks are never deleted.
type Store struct {
	tasks   []domain.Task // index == task id
	claimed map[uint64]bool
}

// NewStore creates an empty task store.
func NewStore() *Store {
	return &Store{claimed: make(map[uint64]bool)}
}

// Restore replaces the store with persisted state. tasks must be dense and
// ascending from id 0.
func (s *Store) Restore(tasks []domain.Task, claimed []uint64) error {
	restored := make([]domain.Task, len(tasks))
	for i, t := range tasks {
		if t.ID != uint64(i) {
			return fmt.Errorf("restore task %d at position %d: %w", t.ID, i, domain.ErrInvariant)
		}
		restored[i] = t.Clone()
	}
	c := make(map[uint64]bool, len(claimed))
	for _, id := range claimed {
		if id >= uint64(len(restored)) {
			return fmt.Errorf("restore claim for task %d: %w", id, domain.ErrInvariant)
		}
		c[id] = true
	}
	s.tasks = restored
	s.claimed = c
	return nil
}

// Count returns the id counter: the number of tasks ever created.
func (s *Store) Count() uint64 {
	return uint64(len(s.tasks))
}

// Get returns a copy of a committed task.
func (s *Store) Get(id uint64) (domain.Task, error) {
	if id >= s.Count() {
		return domain.Task{}, fmt.Errorf("task %d: %w", id, domain.ErrInvalidTaskID)
	}
	return s.tasks[id].Clone(), nil
}

// Claimed reports whether compensation for a task was paid out.
func (s *Store) Claimed(id uint64) bool {
	return s.claimed[id]
}

// IDs returns the ids of committed tasks matching f, ascending. The limit of
// f is not applied; callers filter again after touching each task.
func (s *Store) IDs(f domain.TaskFilter) []uint64 {
	var out []uint64
	for i := range s.tasks {
		if f.Match(&s.tasks[i]) {
			out = append(out, uint64(i))
		}
	}
	return out
}

// List returns copies of committed tasks matching f, ascending by id.
func (s *Store) List(f domain.TaskFilter) []domain.Task {
	var out []domain.Task
	for i := range s.tasks {
		if !f.Match(&s.tasks[i]) {
			continue
		}
		out = append(out, s.tasks[i].Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Stats counts committed tasks per status.
func (s *Store) Stats() map[domain.TaskStatus]int {
	out := make(map[domain.TaskStatus]int)
	for i := range s.tasks {
		out[s.tasks[i].Status]++
	}
	return out
}

// Begin opens a staged view of the store.
func (s *Store) Begin() *Txn {
	return &Txn{
		s:       s,
		next:    s.Count(),
		pending: make(map[uint64]domain.Task),
		claims:  make(map[uint64]bool),
	}
}

// ─── Staged Mutation ────────────────────────────────────────────────────────

// Txn overlays uncommitted task changes.
type Txn struct {
	s       *Store
	next    uint64
	pending map[uint64]domain.Task
	claims  map[uint64]bool
}

// Count returns the id counter including staged creations.
func (t *Txn) Count() uint64 {
	return t.next
}

// Next reserves the next task id.
func (t *Txn) Next() uint64 {
	id := t.next
	t.next++
	return id
}

// Get returns a task, seeing staged changes.
func (t *Txn) Get(id uint64) (domain.Task, error) {
	if id >= t.next {
		return domain.Task{}, fmt.Errorf("task %d: %w", id, domain.ErrInvalidTaskID)
	}
	if task, ok := t.pending[id]; ok {
		return task.Clone(), nil
	}
	if id >= t.s.Count() {
		// Reserved but never written.
		return domain.Task{}, fmt.Errorf("task %d reserved but unwritten: %w", id, domain.ErrInvariant)
	}
	return t.s.tasks[id].Clone(), nil
}

// Put stages a task record. The id must already be reserved.
func (t *Txn) Put(task domain.Task) error {
	if task.ID >= t.next {
		return fmt.Errorf("put task %d: %w", task.ID, domain.ErrInvalidTaskID)
	}
	t.pending[task.ID] = task.Clone()
	return nil
}

// Claimed reports the claimed flag, seeing staged changes.
func (t *Txn) Claimed(id uint64) bool {
	return t.claims[id] || t.s.claimed[id]
}

// MarkClaimed sets the write-once claimed flag.
func (t *Txn) MarkClaimed(id uint64) error {
	if id >= t.next {
		return fmt.Errorf("claim task %d: %w", id, domain.ErrInvalidTaskID)
	}
	if t.Claimed(id) {
		return fmt.Errorf("task %d already claimed: %w", id, domain.ErrInvariant)
	}
	t.claims[id] = true
	return nil
}

// Changes returns staged tasks (ascending), staged claims and the counter.
func (t *Txn) Changes() ([]domain.Task, []uint64, uint64) {
	var tasks []domain.Task
	for _, task := range t.pending {
		tasks = append(tasks, task.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	var claims []uint64
	for id := range t.claims {
		claims = append(claims, id)
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i] < claims[j] })
	return tasks, claims, t.next
}

// Validate checks that every reserved id has a staged record, so the store
// stays dense after Commit.
func (t *Txn) Validate() error {
	for id := t.s.Count(); id < t.next; id++ {
		if _, ok := t.pending[id]; !ok {
			return fmt.Errorf("task %d reserved but unwritten: %w", id, domain.ErrInvariant)
		}
	}
	return nil
}

// Commit publishes the staged changes. Call Validate first.
func (t *Txn) Commit() {
	for id := t.s.Count(); id < t.next; id++ {
		t.s.tasks = append(t.s.tasks, t.pending[id])
		delete(t.pending, id)
	}
	for id, task := range t.pending {
		t.s.tasks[id] = task
	}
	for id := range t.claims {
		t.s.claimed[id] = true
	}
	t.pending = make(map[uint64]domain.Task)
	t.claims = make(map[uint64]bool)
}
