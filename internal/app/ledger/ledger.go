// Package ledger implements the stake ledger: per-(user, asset) balances
// split into available and locked funds.
// Every movement is journaled as matched DEBIT/CREDIT rows, and only four
// primitives move value: Deposit, Withdraw, Escrow and Release. For every
// asset, Σ(available+locked) == deposited − withdrawn is an invariant.
//
// Ledger is not safe for concurrent use; the market engine serializes access.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/proofmarket/pmkt/internal/domain"
)

// Ledger is the single source of truth for market-held funds.
type Ledger struct {
	balances map[domain.BalanceKey]domain.Balance
	totals   map[domain.AssetID]domain.AssetTotals
	journal  []domain.LedgerEntry
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		balances: make(map[domain.BalanceKey]domain.Balance),
		totals:   make(map[domain.AssetID]domain.AssetTotals),
	}
}

// Restore replaces balances and totals with persisted state. The in-memory
// journal starts empty; history lives in the state store.
func (l *Ledger) Restore(balances map[domain.BalanceKey]domain.Balance, totals map[domain.AssetID]domain.AssetTotals) {
	l.balances = make(map[domain.BalanceKey]domain.Balance, len(balances))
	for k, v := range balances {
		l.balances[k] = v
	}
	l.totals = make(map[domain.AssetID]domain.AssetTotals, len(totals))
	for k, v := range totals {
		l.totals[k] = v
	}
	l.journal = nil
}

// Balance returns the committed balance of (user, asset).
func (l *Ledger) Balance(user domain.Address, asset domain.AssetID) domain.Balance {
	return l.balances[domain.BalanceKey{User: user, Asset: asset}]
}

// Balances returns a copy of every committed balance.
func (l *Ledger) Balances() map[domain.BalanceKey]domain.Balance {
	out := make(map[domain.BalanceKey]domain.Balance, len(l.balances))
	for k, v := range l.balances {
		out[k] = v
	}
	return out
}

// Totals returns a copy of the per-asset external flow totals.
func (l *Ledger) Totals() map[domain.AssetID]domain.AssetTotals {
	out := make(map[domain.AssetID]domain.AssetTotals, len(l.totals))
	for k, v := range l.totals {
		out[k] = v
	}
	return out
}

// Entries returns up to limit journal rows touching user, newest first.
// An empty user matches every row.
func (l *Ledger) Entries(user domain.Address, limit int) []domain.LedgerEntry {
	var out []domain.LedgerEntry
	for i := len(l.journal) - 1; i >= 0; i-- {
		e := l.journal[i]
		if user != "" && e.User != user {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Begin opens a staged view of the ledger for one atomic operation.
func (l *Ledger) Begin(opID string, now time.Time) *Txn {
	return &Txn{
		l:        l,
		opID:     opID,
		now:      now,
		balances: make(map[domain.BalanceKey]domain.Balance),
		totals:   make(map[domain.AssetID]domain.AssetTotals),
	}
}

// ─── Staged Mutation ────────────────────────────────────────────────────────

// Txn overlays uncommitted balance movements.
type Txn struct {
	l        *Ledger
	opID     string
	now      time.Time
	balances map[domain.BalanceKey]domain.Balance
	totals   map[domain.AssetID]domain.AssetTotals
	entries  []domain.LedgerEntry
}

// Balance returns the balance of (user, asset) including staged movements.
func (t *Txn) Balance(user domain.Address, asset domain.AssetID) domain.Balance {
	k := domain.BalanceKey{User: user, Asset: asset}
	if b, ok := t.balances[k]; ok {
		return b
	}
	return t.l.balances[k]
}

func (t *Txn) assetTotals(asset domain.AssetID) domain.AssetTotals {
	if v, ok := t.totals[asset]; ok {
		return v
	}
	return t.l.totals[asset]
}

func (t *Txn) record(kind domain.MovementKind, et domain.EntryType, user domain.Address, asset domain.AssetID,
	field domain.BalanceField, amount, after domain.Amount, taskID *uint64) {
	var tid *uint64
	if taskID != nil {
		v := *taskID
		tid = &v
	}
	t.entries = append(t.entries, domain.LedgerEntry{
		OpID:      t.opID,
		Timestamp: t.now,
		Kind:      kind,
		EntryType: et,
		User:      user,
		Asset:     asset,
		Field:     field,
		Amount:    amount,
		After:     after,
		TaskID:    tid,
	})
}

// Deposit credits amount, received from outside the market, to the user's
// available balance.
func (t *Txn) Deposit(user domain.Address, asset domain.AssetID, amount domain.Amount, taskID *uint64) error {
	if amount == 0 {
		return nil
	}
	b := t.Balance(user, asset)
	avail, err := domain.AddAmounts(b.Available, amount)
	if err != nil {
		return fmt.Errorf("deposit %d to %s/%s: %w", amount, user, asset, err)
	}
	tot := t.assetTotals(asset)
	dep, err := domain.AddAmounts(tot.Deposited, amount)
	if err != nil {
		return fmt.Errorf("deposit total %s: %w", asset, err)
	}
	// Held funds are bounded by deposits, so a fitting deposit total keeps
	// every audit sum in range.
	b.Available = avail
	tot.Deposited = dep
	t.balances[domain.BalanceKey{User: user, Asset: asset}] = b
	t.totals[asset] = tot
	t.record(domain.MoveDeposit, domain.EntryCredit, user, asset, domain.FieldAvailable, amount, b.Available, taskID)
	return nil
}

// Withdraw debits amount from the user's available balance for payment
// outside the market.
func (t *Txn) Withdraw(user domain.Address, asset domain.AssetID, amount domain.Amount, taskID *uint64) error {
	if amount == 0 {
		return nil
	}
	b := t.Balance(user, asset)
	if b.Available < amount {
		return fmt.Errorf("withdraw %d from %s/%s (available %d): %w",
			amount, user, asset, b.Available, domain.ErrInsufficientAvailable)
	}
	tot := t.assetTotals(asset)
	wd, err := domain.AddAmounts(tot.Withdrawn, amount)
	if err != nil {
		return fmt.Errorf("withdraw total %s: %w", asset, err)
	}
	b.Available -= amount
	tot.Withdrawn = wd
	t.balances[domain.BalanceKey{User: user, Asset: asset}] = b
	t.totals[asset] = tot
	t.record(domain.MoveWithdraw, domain.EntryDebit, user, asset, domain.FieldAvailable, amount, b.Available, taskID)
	return nil
}

// Escrow moves amount from the user's available to locked funds.
func (t *Txn) Escrow(user domain.Address, asset domain.AssetID, amount domain.Amount, taskID *uint64) error {
	if amount == 0 {
		return nil
	}
	b := t.Balance(user, asset)
	if b.Available < amount {
		return fmt.Errorf("escrow %d from %s/%s (available %d): %w",
			amount, user, asset, b.Available, domain.ErrInsufficientAvailable)
	}
	locked, err := domain.AddAmounts(b.Locked, amount)
	if err != nil {
		return fmt.Errorf("escrow %d to %s/%s: %w", amount, user, asset, err)
	}
	b.Available -= amount
	b.Locked = locked
	t.balances[domain.BalanceKey{User: user, Asset: asset}] = b
	t.record(domain.MoveEscrow, domain.EntryDebit, user, asset, domain.FieldAvailable, amount, b.Available, taskID)
	t.record(domain.MoveEscrow, domain.EntryCredit, user, asset, domain.FieldLocked, amount, b.Locked, taskID)
	return nil
}

// Release moves amount out of from's locked funds into to's available funds.
// from and to may be the same user. Every settlement path uses it.
func (t *Txn) Release(from, to domain.Address, asset domain.AssetID, amount domain.Amount, taskID *uint64) error {
	if amount == 0 {
		return nil
	}
	src := t.Balance(from, asset)
	if src.Locked < amount {
		return fmt.Errorf("release %d from %s/%s (locked %d): %w",
			amount, from, asset, src.Locked, domain.ErrInsufficientLocked)
	}
	src.Locked -= amount
	t.balances[domain.BalanceKey{User: from, Asset: asset}] = src

	dst := t.Balance(to, asset)
	avail, err := domain.AddAmounts(dst.Available, amount)
	if err != nil {
		// Undo the staged debit so the txn stays usable by the caller.
		src.Locked += amount
		t.balances[domain.BalanceKey{User: from, Asset: asset}] = src
		return fmt.Errorf("release %d to %s/%s: %w", amount, to, asset, err)
	}
	dst.Available = avail
	t.balances[domain.BalanceKey{User: to, Asset: asset}] = dst

	t.record(domain.MoveRelease, domain.EntryDebit, from, asset, domain.FieldLocked, amount, src.Locked, taskID)
	t.record(domain.MoveRelease, domain.EntryCredit, to, asset, domain.FieldAvailable, amount, dst.Available, taskID)
	return nil
}

// Changes returns the staged balances, totals and journal rows.
func (t *Txn) Changes() (map[domain.BalanceKey]domain.Balance, map[domain.AssetID]domain.AssetTotals, []domain.LedgerEntry) {
	var balances map[domain.BalanceKey]domain.Balance
	if len(t.balances) > 0 {
		balances = make(map[domain.BalanceKey]domain.Balance, len(t.balances))
		for k, v := range t.balances {
			balances[k] = v
		}
	}
	var totals map[domain.AssetID]domain.AssetTotals
	if len(t.totals) > 0 {
		totals = make(map[domain.AssetID]domain.AssetTotals, len(t.totals))
		for k, v := range t.totals {
			totals[k] = v
		}
	}
	entries := append([]domain.LedgerEntry(nil), t.entries...)
	return balances, totals, entries
}

// Commit publishes the staged movements.
func (t *Txn) Commit() {
	for k, v := range t.balances {
		t.l.balances[k] = v
	}
	for k, v := range t.totals {
		t.l.totals[k] = v
	}
	t.l.journal = append(t.l.journal, t.entries...)
	t.balances = make(map[domain.BalanceKey]domain.Balance)
	t.totals = make(map[domain.AssetID]domain.AssetTotals)
	t.entries = nil
}

// ─── Conservation Audit ─────────────────────────────────────────────────────

// Audit checks, per asset, that the funds held by the ledger equal the net
// external inflow. Assets are reported in sorted order.
func (l *Ledger) Audit() []domain.AssetAudit {
	byAsset := make(map[domain.AssetID]*domain.AssetAudit)
	get := func(a domain.AssetID) *domain.AssetAudit {
		r, ok := byAsset[a]
		if !ok {
			r = &domain.AssetAudit{Asset: a}
			byAsset[a] = r
		}
		return r
	}

	overflow := make(map[domain.AssetID]bool)
	for k, b := range l.balances {
		r := get(k.Asset)
		var err1, err2 error
		r.Available, err1 = domain.AddAmounts(r.Available, b.Available)
		r.Locked, err2 = domain.AddAmounts(r.Locked, b.Locked)
		if err1 != nil || err2 != nil {
			overflow[k.Asset] = true
		}
	}
	for a, tot := range l.totals {
		r := get(a)
		r.Deposited = tot.Deposited
		r.Withdrawn = tot.Withdrawn
	}

	out := make([]domain.AssetAudit, 0, len(byAsset))
	for a, r := range byAsset {
		held, err := domain.AddAmounts(r.Available, r.Locked)
		r.OK = err == nil && !overflow[a] &&
			r.Deposited >= r.Withdrawn && held == r.Deposited-r.Withdrawn
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Conserved reports whether every asset passes the audit.
func (l *Ledger) Conserved() bool {
	for _, a := range l.Audit() {
		if !a.OK {
			return false
		}
	}
	return true
}
