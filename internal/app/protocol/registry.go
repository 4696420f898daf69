// Package protocol implements the protocol registry: which settlement asset a
// proof protocol pays in, the minimum ask per asset, and the minimum stake
// increment per (protocol, asset) pair.
//
// Registry is not safe for concurrent use on its own; the market engine
// serializes every access under its exclusive lock. Mutations are staged on
// a Txn and become visible only on Commit.
package protocol

import (
	"fmt"
	"sort"

	"github.com/proofmarket/pmkt/internal/domain"
)

// Registry holds the admin-controlled protocol configuration.
type Registry struct {
	acl       domain.AccessControl
	protocols map[string]domain.ProtocolEntry
	asks      map[domain.AssetID]domain.Amount
}

// NewRegistry creates an empty registry guarded by acl.
func NewRegistry(acl domain.AccessControl) *Registry {
	return &Registry{
		acl:       acl,
		protocols: make(map[string]domain.ProtocolEntry),
		asks:      make(map[domain.AssetID]domain.Amount),
	}
}

// Restore replaces the registry contents with persisted state.
func (r *Registry) Restore(entries []domain.ProtocolEntry, asks map[domain.AssetID]domain.Amount) {
	r.protocols = make(map[string]domain.ProtocolEntry, len(entries))
	for _, e := range entries {
		r.protocols[e.Protocol] = e.Clone()
	}
	r.asks = make(map[domain.AssetID]domain.Amount, len(asks))
	for k, v := range asks {
		r.asks[k] = v
	}
}

// Resolve returns the asset a protocol settles in.
func (r *Registry) Resolve(protocol string) (domain.AssetID, bool) {
	e, ok := r.protocols[protocol]
	if !ok || !e.Active() {
		return "", false
	}
	return e.Asset, true
}

// MinAsk returns the minimum task price for an asset (0 if unset).
func (r *Registry) MinAsk(asset domain.AssetID) domain.Amount {
	return r.asks[asset]
}

// MinStake returns the minimum stake increment for (protocol, asset).
func (r *Registry) MinStake(protocol string, asset domain.AssetID) domain.Amount {
	return r.protocols[protocol].MinStake[asset]
}

// Entry returns a copy of a protocol entry, including removed ones.
func (r *Registry) Entry(protocol string) (domain.ProtocolEntry, bool) {
	e, ok := r.protocols[protocol]
	if !ok {
		return domain.ProtocolEntry{}, false
	}
	return e.Clone(), true
}

// All returns every entry sorted by protocol id.
func (r *Registry) All() []domain.ProtocolEntry {
	out := make([]domain.ProtocolEntry, 0, len(r.protocols))
	for _, e := range r.protocols {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Protocol < out[j].Protocol })
	return out
}

// Asks returns a copy of the minimum-ask table.
func (r *Registry) Asks() map[domain.AssetID]domain.Amount {
	out := make(map[domain.AssetID]domain.Amount, len(r.asks))
	for k, v := range r.asks {
		out[k] = v
	}
	return out
}

// Begin opens a staged view of the registry.
func (r *Registry) Begin() *Txn {
	return &Txn{
		r:         r,
		protocols: make(map[string]domain.ProtocolEntry),
		asks:      make(map[domain.AssetID]domain.Amount),
	}
}

// ─── Staged Mutation ────────────────────────────────────────────────────────

// Txn overlays uncommitted registry changes.
type Txn struct {
	r         *Registry
	protocols map[string]domain.ProtocolEntry
	asks      map[domain.AssetID]domain.Amount
}

func (t *Txn) entry(protocol string) (domain.ProtocolEntry, bool) {
	if e, ok := t.protocols[protocol]; ok {
		return e, true
	}
	e, ok := t.r.protocols[protocol]
	if !ok {
		return domain.ProtocolEntry{Protocol: protocol}, false
	}
	return e.Clone(), true
}

// Resolve returns the asset a protocol settles in, seeing staged changes.
func (t *Txn) Resolve(protocol string) (domain.AssetID, bool) {
	e, _ := t.entry(protocol)
	if !e.Active() {
		return "", false
	}
	return e.Asset, true
}

// MinAsk returns the minimum ask for an asset, seeing staged changes.
func (t *Txn) MinAsk(asset domain.AssetID) domain.Amount {
	if v, ok := t.asks[asset]; ok {
		return v
	}
	return t.r.asks[asset]
}

// MinStake returns the minimum stake increment, seeing staged changes.
func (t *Txn) MinStake(protocol string, asset domain.AssetID) domain.Amount {
	e, _ := t.entry(protocol)
	return e.MinStake[asset]
}

func (t *Txn) requireAdmin(caller domain.Address) error {
	if t.r.acl == nil || !t.r.acl.IsAdmin(caller) {
		return fmt.Errorf("%s: %w", caller, domain.ErrNotAdmin)
	}
	return nil
}

// AddProtocol maps protocol to asset. Re-adding overwrites the asset and
// keeps the configured minimum stakes.
func (t *Txn) AddProtocol(caller domain.Address, protocol string, asset domain.AssetID) error {
	if err := t.requireAdmin(caller); err != nil {
		return err
	}
	if asset == "" {
		return domain.ErrInvalidAsset
	}
	e, _ := t.entry(protocol)
	e.Asset = asset
	t.protocols[protocol] = e
	return nil
}

// RemoveProtocol soft-deletes a protocol by clearing its asset. Tasks that
// already reference it keep their frozen asset.
func (t *Txn) RemoveProtocol(caller domain.Address, protocol string) error {
	if err := t.requireAdmin(caller); err != nil {
		return err
	}
	e, ok := t.entry(protocol)
	if !ok {
		return nil
	}
	e.Asset = ""
	t.protocols[protocol] = e
	return nil
}

// SetAsk sets the minimum acceptable task price for an asset.
func (t *Txn) SetAsk(caller domain.Address, asset domain.AssetID, minPrice domain.Amount) error {
	if err := t.requireAdmin(caller); err != nil {
		return err
	}
	if asset == "" {
		return domain.ErrInvalidAsset
	}
	t.asks[asset] = minPrice
	return nil
}

// SetMinAdd sets the minimum stake increment for (protocol, asset).
func (t *Txn) SetMinAdd(caller domain.Address, protocol string, asset domain.AssetID, minStake domain.Amount) error {
	if err := t.requireAdmin(caller); err != nil {
		return err
	}
	e, _ := t.entry(protocol)
	if !e.Active() {
		return fmt.Errorf("%s: %w", protocol, domain.ErrUnknownProtocol)
	}
	if asset == "" {
		return domain.ErrInvalidAsset
	}
	if e.MinStake == nil {
		e.MinStake = make(map[domain.AssetID]domain.Amount)
	}
	e.MinStake[asset] = minStake
	t.protocols[protocol] = e
	return nil
}

// Changes returns the staged entries and asks.
func (t *Txn) Changes() ([]domain.ProtocolEntry, map[domain.AssetID]domain.Amount) {
	var entries []domain.ProtocolEntry
	for _, e := range t.protocols {
		entries = append(entries, e.Clone())
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Protocol < entries[j].Protocol })

	var asks map[domain.AssetID]domain.Amount
	if len(t.asks) > 0 {
		asks = make(map[domain.AssetID]domain.Amount, len(t.asks))
		for k, v := range t.asks {
			asks[k] = v
		}
	}
	return entries, asks
}

// Commit publishes the staged changes.
func (t *Txn) Commit() {
	for k, e := range t.protocols {
		t.r.protocols[k] = e
	}
	for k, v := range t.asks {
		t.r.asks[k] = v
	}
	t.protocols = make(map[string]domain.ProtocolEntry)
	t.asks = make(map[domain.AssetID]domain.Amount)
}
