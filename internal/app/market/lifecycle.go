package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/proofmarket/pmkt/internal/domain"
)

// ─── Transition Table ───────────────────────────────────────────────────────

// transitions lists every legal status change. Terminal statuses have no
// outgoing edges.
var transitions = map[domain.TaskStatus][]domain.TaskStatus{
	domain.TaskSubmitted: {domain.TaskAssigned},
	domain.TaskAssigned:  {domain.TaskVerifiedSuccess, domain.TaskVerifiedFailed},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to domain.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves task to status to, stages the record and emits
// TaskStatusChanged.
func (e *Engine) transition(u *unit, task *domain.Task, to domain.TaskStatus) error {
	if !CanTransition(task.Status, to) {
		return fmt.Errorf("task %d: %s -> %s: %w", task.ID, task.Status, to, domain.ErrInvariant)
	}
	task.Status = to
	task.UpdatedAt = u.now
	if err := u.tasks.Put(*task); err != nil {
		return err
	}
	u.emit(domain.EventTaskStatusChanged, task.ID, to, nil)
	return nil
}

func touchOne(id uint64) func(time.Time) []uint64 {
	return func(time.Time) []uint64 { return []uint64{id} }
}

// ─── Operations ─────────────────────────────────────────────────────────────

// SubmitTask posts a task for client. The price is debited from the client's
// external holdings and escrowed for the task's lifetime.
func (e *Engine) SubmitTask(ctx context.Context, client domain.Address, sub domain.Submission) (uint64, error) {
	var id uint64
	err := e.atomic(ctx, "submit_task", nil, func(u *unit) error {
		if client == "" {
			return domain.ErrInvalidCaller
		}
		asset, ok := u.reg.Resolve(sub.Protocol)
		if !ok {
			return fmt.Errorf("protocol %q: %w", sub.Protocol, domain.ErrUnknownProtocol)
		}
		if !sub.Deadline.After(u.now) {
			return fmt.Errorf("deadline %s: %w", sub.Deadline.Format(time.RFC3339), domain.ErrInvalidDeadline)
		}
		if floor := u.reg.MinAsk(asset); sub.Price < floor {
			return fmt.Errorf("price %d < %d: %w", sub.Price, floor, domain.ErrPriceBelowMinimum)
		}
		switch {
		case sub.URL == "":
			return domain.ErrInvalidURL
		case sub.VK == "":
			return domain.ErrInvalidVK
		case len(sub.InputData) == 0:
			return domain.ErrInvalidInputData
		}
		// Settlement pays out price + price/2; it must fit in an amount.
		if _, err := domain.AddAmounts(sub.Price, sub.Price/2); err != nil {
			return fmt.Errorf("price %d: %w", sub.Price, err)
		}

		id = u.tasks.Next()
		tid := id
		if err := u.led.Deposit(client, asset, sub.Price, &tid); err != nil {
			return err
		}
		if err := u.led.Escrow(client, asset, sub.Price, &tid); err != nil {
			return err
		}
		if err := u.stageExternal(debit, client, asset, sub.Price); err != nil {
			return err
		}

		task := domain.Task{
			ID:        id,
			URL:       sub.URL,
			VK:        sub.VK,
			Protocol:  sub.Protocol,
			Asset:     asset,
			Client:    client,
			Price:     sub.Price,
			Deadline:  sub.Deadline,
			Status:    domain.TaskSubmitted,
			InputData: append([]byte(nil), sub.InputData...),
			CreatedAt: u.now,
			UpdatedAt: u.now,
		}
		if err := u.tasks.Put(task); err != nil {
			return err
		}
		payload, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("encode submission: %w", err)
		}
		u.emit(domain.EventTaskCreated, id, "", payload)
		u.created = append(u.created, sub.Protocol)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// TakeTask assigns an open task to miner, locking half the price from the
// miner's available balance as collateral.
func (e *Engine) TakeTask(ctx context.Context, id uint64, miner domain.Address) error {
	return e.atomic(ctx, "take_task", touchOne(id), func(u *unit) error {
		task, err := e.touch(u, id)
		if err != nil {
			return err
		}
		if miner == "" {
			return domain.ErrInvalidCaller
		}
		if task.Status != domain.TaskSubmitted {
			return fmt.Errorf("task %d is %s: %w", id, task.Status, domain.ErrTaskNotOpen)
		}
		if !task.Deadline.After(u.now) {
			return fmt.Errorf("task %d: %w", id, domain.ErrTaskExpired)
		}
		coll := task.Collateral()
		if have := u.led.Balance(miner, task.Asset).Available; have < coll {
			return fmt.Errorf("task %d needs %d %s, %s has %d: %w",
				id, coll, task.Asset, miner, have, domain.ErrInsufficientCollateral)
		}
		tid := id
		if err := u.led.Escrow(miner, task.Asset, coll, &tid); err != nil {
			return err
		}
		task.Miner = miner
		return e.transition(u, &task, domain.TaskAssigned)
	})
}

// VerifyProof settles an assigned task with the miner's proof. A valid proof
// pays the miner; an invalid or empty one slashes them. It reports whether
// the proof was accepted.
func (e *Engine) VerifyProof(ctx context.Context, id uint64, miner domain.Address, proof []byte) (bool, error) {
	var valid bool
	err := e.atomic(ctx, "verify_proof", touchOne(id), func(u *unit) error {
		task, err := e.touch(u, id)
		if err != nil {
			return err
		}
		if task.Status != domain.TaskAssigned {
			return fmt.Errorf("task %d is %s: %w", id, task.Status, domain.ErrTaskNotAssigned)
		}
		if miner != task.Miner {
			return fmt.Errorf("task %d: %w", id, domain.ErrNotAssignedMiner)
		}

		valid = len(proof) > 0 && e.verifiers.For(task.Protocol).Verify(task.VK, task.InputData, proof)
		if !valid {
			return e.settle(u, &task, Settlement{Kind: SettleSlash, Task: task}, triggerProof)
		}
		task.Proof = append([]byte(nil), proof...)
		return e.settle(u, &task, Settlement{Kind: SettlePay, Task: task}, triggerProof)
	})
	if err != nil {
		return false, err
	}
	return valid, nil
}
