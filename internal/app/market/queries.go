package market

import (
	"context"
	"fmt"
	"time"

	"github.com/proofmarket/pmkt/internal/domain"
)

// ─── Task Queries ───────────────────────────────────────────────────────────
// Queries that expose task status run the watchdog first, so expiry is
// observed the same way from every entry point.

// GetTask returns a task.
func (e *Engine) GetTask(ctx context.Context, id uint64) (domain.Task, error) {
	var task domain.Task
	err := e.atomic(ctx, "get_task", touchOne(id), func(u *unit) error {
		t, err := e.touch(u, id)
		task = t
		return err
	})
	return task, err
}

// GetProof returns the proof recorded on a task; empty until the task is
// VERIFIED_SUCCESS.
func (e *Engine) GetProof(ctx context.Context, id uint64) ([]byte, error) {
	task, err := e.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return task.Proof, nil
}

// ListTasks returns tasks matching f, ascending by id, after expiring every
// overdue assignment.
func (e *Engine) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	var out []domain.Task
	err := e.atomic(ctx, "list_tasks", e.expiredAssigned, func(u *unit) error {
		out = e.tasks.List(f)
		return nil
	})
	return out, err
}

// Claimed reports whether a task's compensation has been paid out.
func (e *Engine) Claimed(id uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id >= e.tasks.Count() {
		return false, fmt.Errorf("task %d: %w", id, domain.ErrInvalidTaskID)
	}
	return e.tasks.Claimed(id), nil
}

// TaskCount returns the task id counter.
func (e *Engine) TaskCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks.Count()
}

// Stats counts tasks per status.
func (e *Engine) Stats() map[domain.TaskStatus]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks.Stats()
}

// Sweep expires every overdue assignment and returns how many were slashed.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	var n int
	err := e.atomic(ctx, "sweep", nil, func(u *unit) error {
		for _, id := range e.expiredAssigned(u.now) {
			if _, err := e.touch(u, id); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// ─── Ledger Queries ─────────────────────────────────────────────────────────

// Balance returns a user's market balance in asset.
func (e *Engine) Balance(user domain.Address, asset domain.AssetID) domain.Balance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Balance(user, asset)
}

// JournalReader reads persisted ledger history.
type JournalReader interface {
	LedgerEntries(ctx context.Context, user domain.Address, limit int) ([]domain.LedgerEntry, error)
}

// Entries returns up to limit journal rows for user (all users when empty),
// newest first. History comes from the state store when it keeps one.
func (e *Engine) Entries(ctx context.Context, user domain.Address, limit int) ([]domain.LedgerEntry, error) {
	if jr, ok := e.store.(JournalReader); ok {
		return jr.LedgerEntries(ctx, user, limit)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Entries(user, limit), nil
}

// Audit runs the conservation audit.
func (e *Engine) Audit() []domain.AssetAudit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Audit()
}

// ─── Registry Queries ───────────────────────────────────────────────────────

// ProtocolInfo is a protocol entry with its asset's minimum ask.
type ProtocolInfo struct {
	domain.ProtocolEntry
	MinAsk domain.Amount `json:"min_ask"`
}

// Protocol returns a protocol entry, including removed ones.
func (e *Engine) Protocol(protocol string) (ProtocolInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.registry.Entry(protocol)
	if !ok {
		return ProtocolInfo{}, false
	}
	return ProtocolInfo{ProtocolEntry: entry, MinAsk: e.registry.MinAsk(entry.Asset)}, true
}

// Protocols lists every protocol entry, sorted by id.
func (e *Engine) Protocols() []ProtocolInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	all := e.registry.All()
	out := make([]ProtocolInfo, len(all))
	for i, entry := range all {
		out[i] = ProtocolInfo{ProtocolEntry: entry, MinAsk: e.registry.MinAsk(entry.Asset)}
	}
	return out
}

// Asks returns the minimum ask per asset.
func (e *Engine) Asks() map[domain.AssetID]domain.Amount {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Asks()
}

// Now returns the engine clock reading.
func (e *Engine) Now() time.Time {
	return e.clock()
}
