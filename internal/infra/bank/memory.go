// Package bank provides an in-memory value-transfer collaborator: external
// wallets the market debits on deposit and credits on withdrawal.
package bank

import (
	"context"
	"fmt"
	"sync"

	"github.com/proofmarket/pmkt/internal/domain"
)

// Memory holds external balances in memory.
type Memory struct {
	mu      sync.Mutex
	wallets map[domain.BalanceKey]domain.Amount
	debits  int
	credits int
}

// NewMemory creates an empty bank.
func NewMemory() *Memory {
	return &Memory{wallets: make(map[domain.BalanceKey]domain.Amount)}
}

// Fund mints amount into a user's external wallet.
func (m *Memory) Fund(user domain.Address, asset domain.AssetID, amount domain.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := domain.BalanceKey{User: user, Asset: asset}
	v, err := domain.AddAmounts(m.wallets[k], amount)
	if err != nil {
		return err
	}
	m.wallets[k] = v
	return nil
}

// Wallet returns a user's external balance.
func (m *Memory) Wallet(user domain.Address, asset domain.AssetID) domain.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallets[domain.BalanceKey{User: user, Asset: asset}]
}

// Total returns the sum of every external wallet in asset.
func (m *Memory) Total(asset domain.AssetID) domain.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum domain.Amount
	for k, v := range m.wallets {
		if k.Asset == asset {
			sum += v
		}
	}
	return sum
}

// Calls returns how many debits and credits succeeded.
func (m *Memory) Calls() (debits, credits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debits, m.credits
}

// Debit implements domain.Bank.
func (m *Memory) Debit(_ context.Context, user domain.Address, asset domain.AssetID, amount domain.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := domain.BalanceKey{User: user, Asset: asset}
	if m.wallets[k] < amount {
		return fmt.Errorf("debit %d from %s/%s (have %d): %w",
			amount, user, asset, m.wallets[k], domain.ErrInsufficientExternalBalance)
	}
	m.wallets[k] -= amount
	m.debits++
	return nil
}

// Credit implements domain.Bank.
func (m *Memory) Credit(_ context.Context, user domain.Address, asset domain.AssetID, amount domain.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := domain.BalanceKey{User: user, Asset: asset}
	v, err := domain.AddAmounts(m.wallets[k], amount)
	if err != nil {
		return fmt.Errorf("credit %d to %s/%s: %w", amount, user, asset, err)
	}
	m.wallets[k] = v
	m.credits++
	return nil
}

// Faucet adapts Memory to the context-aware wallet interface served over
// HTTP, where the sqlite wallets are the other implementation.
type Faucet struct{ *Memory }

// Fund mints amount into a user's external wallet.
func (f Faucet) Fund(_ context.Context, user domain.Address, asset domain.AssetID, amount domain.Amount) error {
	return f.Memory.Fund(user, asset, amount)
}

// Wallet returns a user's external balance.
func (f Faucet) Wallet(_ context.Context, user domain.Address, asset domain.AssetID) (domain.Amount, error) {
	return f.Memory.Wallet(user, asset), nil
}
