package domain

import (
	"math"
	"time"
)

// Address identifies a market participant (client, miner or admin).
type Address string

// AssetID identifies a settlement asset. The empty string is the null asset.
type AssetID string

// Amount is an unsigned quantity of an asset.
type Amount uint64

// AddAmounts returns a+b, or ErrAmountOverflow if the sum does not fit.
func AddAmounts(a, b Amount) (Amount, error) {
	if a > math.MaxUint64-b {
		return 0, ErrAmountOverflow
	}
	return a + b, nil
}

// BalanceKey is the composite (user, asset) key of the stake ledger.
type BalanceKey struct {
	User  Address `json:"user"`
	Asset AssetID `json:"asset"`
}

// Balance splits a user's funds in one asset into free and task-bound parts.
type Balance struct {
	Available Amount `json:"available"`
	Locked    Amount `json:"locked"`
}

// Total returns available + locked. Callers audit with it, so overflow is
// reported rather than wrapped.
func (b Balance) Total() (Amount, error) {
	return AddAmounts(b.Available, b.Locked)
}

// ─── Ledger Journal ─────────────────────────────────────────────────────────
// Every balance movement is journaled. Rows sharing an OpID were written by
// one atomic market operation.

// MovementKind names the ledger primitive that produced a journal row.
type MovementKind string

const (
	MoveDeposit  MovementKind = "DEPOSIT"  // external → available
	MoveWithdraw MovementKind = "WITHDRAW" // available → external
	MoveEscrow   MovementKind = "ESCROW"   // available → locked
	MoveRelease  MovementKind = "RELEASE"  // locked → available (any user)
)

// BalanceField names which half of a Balance a journal row touched.
type BalanceField string

const (
	FieldAvailable BalanceField = "available"
	FieldLocked    BalanceField = "locked"
)

// EntryType marks the direction of a journal row.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// LedgerEntry is one row of the stake ledger journal.
type LedgerEntry struct {
	ID        int64        `json:"id"`
	OpID      string       `json:"op_id"`
	Timestamp time.Time    `json:"timestamp"`
	Kind      MovementKind `json:"kind"`
	EntryType EntryType    `json:"entry_type"`
	User      Address      `json:"user"`
	Asset     AssetID      `json:"asset"`
	Field     BalanceField `json:"field"`
	Amount    Amount       `json:"amount"`
	After     Amount       `json:"after"` // Field value after the movement
	TaskID    *uint64      `json:"task_id,omitempty"`
}

// AssetTotals tracks external flows per asset for the conservation audit.
type AssetTotals struct {
	Deposited Amount `json:"deposited"`
	Withdrawn Amount `json:"withdrawn"`
}

// AssetAudit is the conservation check result for one asset:
// held must equal deposited − withdrawn.
type AssetAudit struct {
	Asset     AssetID `json:"asset"`
	Available Amount  `json:"available"`
	Locked    Amount  `json:"locked"`
	Deposited Amount  `json:"deposited"`
	Withdrawn Amount  `json:"withdrawn"`
	OK        bool    `json:"ok"`
}
