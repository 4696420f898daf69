package domain

import "context"

// ─── Collaborator Interfaces ────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; the market engine depends on them.

// Bank is the value-transfer collaborator: it moves funds between a user's
// external holdings and the market. Each external movement calls it exactly
// once.
type Bank interface {
	// Debit takes amount from the user's external holdings.
	// Returns ErrInsufficientExternalBalance when they do not cover it.
	Debit(ctx context.Context, user Address, asset AssetID, amount Amount) error

	// Credit pays amount out to the user's external holdings.
	Credit(ctx context.Context, user Address, asset AssetID, amount Amount) error
}

// AccessControl answers whether a caller may administer the registry.
type AccessControl interface {
	IsAdmin(caller Address) bool
}

// ProofVerifier checks a proof against a verifying key and public input.
// Implementations are protocol specific; malformed input is an invalid proof.
type ProofVerifier interface {
	Verify(vk string, inputData, proof []byte) bool
}

// EventSink receives market notifications after an operation commits.
type EventSink interface {
	Publish(ev Event)
}

// StateStore persists market state. CommitMarket applies one operation's
// change set atomically and assigns Seq to its events.
type StateStore interface {
	LoadMarket(ctx context.Context) (*MarketState, error)
	CommitMarket(ctx context.Context, cs *ChangeSet) error
}

// MarketState is the full persisted state loaded at startup.
type MarketState struct {
	Protocols  []ProtocolEntry
	Asks       map[AssetID]Amount
	Balances   map[BalanceKey]Balance
	Totals     map[AssetID]AssetTotals
	Tasks      []Task // Ascending by ID, dense from 0
	Claimed    []uint64
	NextTaskID uint64
}

// ChangeSet is everything one committed operation touched.
type ChangeSet struct {
	OpID       string
	Protocols  []ProtocolEntry
	Asks       map[AssetID]Amount
	Balances   map[BalanceKey]Balance
	Totals     map[AssetID]AssetTotals
	Entries    []LedgerEntry
	Tasks      []Task
	Claims     []uint64
	NextTaskID uint64
	Events     []Event
}

// Empty reports whether the change set carries no state.
func (c *ChangeSet) Empty() bool {
	return len(c.Protocols) == 0 && len(c.Asks) == 0 && len(c.Balances) == 0 &&
		len(c.Totals) == 0 && len(c.Entries) == 0 && len(c.Tasks) == 0 &&
		len(c.Claims) == 0 && len(c.Events) == 0
}
