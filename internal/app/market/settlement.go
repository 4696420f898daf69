package market

import (
	"fmt"

	"github.com/proofmarket/pmkt/internal/domain"
)

// SettlementKind names how a task's escrow is resolved.
type SettlementKind string

const (
	// SettlePay rewards the miner for a valid proof.
	SettlePay SettlementKind = "pay"
	// SettleSlash refunds the client and forfeits the miner's collateral.
	SettleSlash SettlementKind = "slash"
)

const (
	triggerProof    = "proof"
	triggerDeadline = "deadline"
)

// Settlement is a decided resolution of an assigned task.
type Settlement struct {
	Kind SettlementKind
	Task domain.Task
}

// Releaser moves locked funds to an available balance. It is the only ledger
// capability settlement gets.
type Releaser interface {
	Release(from, to domain.Address, asset domain.AssetID, amount domain.Amount, taskID *uint64) error
}

// Compensation is what the winning side of a settlement receives: the price
// plus the miner's collateral.
func Compensation(price domain.Amount) domain.Amount {
	return price + price/2
}

// Pay releases the client's escrowed price and the miner's collateral to the
// miner.
func Pay(r Releaser, task domain.Task) error {
	id := task.ID
	if err := r.Release(task.Client, task.Miner, task.Asset, task.Price, &id); err != nil {
		return fmt.Errorf("pay task %d: %w", id, err)
	}
	if err := r.Release(task.Miner, task.Miner, task.Asset, task.Collateral(), &id); err != nil {
		return fmt.Errorf("pay task %d: %w", id, err)
	}
	return nil
}

// Slash refunds the client's escrowed price and hands the miner's collateral
// to the client.
func Slash(r Releaser, task domain.Task) error {
	id := task.ID
	if err := r.Release(task.Client, task.Client, task.Asset, task.Price, &id); err != nil {
		return fmt.Errorf("slash task %d: %w", id, err)
	}
	if err := r.Release(task.Miner, task.Client, task.Asset, task.Collateral(), &id); err != nil {
		return fmt.Errorf("slash task %d: %w", id, err)
	}
	return nil
}

// Apply performs the settlement's fund movements.
func (s Settlement) Apply(r Releaser) error {
	switch s.Kind {
	case SettlePay:
		return Pay(r, s.Task)
	case SettleSlash:
		return Slash(r, s.Task)
	default:
		return fmt.Errorf("settlement kind %q: %w", s.Kind, domain.ErrInvariant)
	}
}

// settle applies s to task inside u and moves the task to its terminal
// status. Locked funds were validated on escrow, so a release failure here
// is an invariant violation.
func (e *Engine) settle(u *unit, task *domain.Task, s Settlement, trigger string) error {
	if err := s.Apply(u.led); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrInvariant)
	}
	to := domain.TaskVerifiedFailed
	if s.Kind == SettlePay {
		to = domain.TaskVerifiedSuccess
	}
	if err := e.transition(u, task, to); err != nil {
		return err
	}
	u.settled = append(u.settled, settled{task: *task, kind: s.Kind, trigger: trigger})
	return nil
}
