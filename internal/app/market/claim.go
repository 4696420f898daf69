package market

import (
	"context"
	"fmt"

	"github.com/proofmarket/pmkt/internal/domain"
)

// ClaimCompensation pays a failed task's compensation out to its client's
// external holdings, once. It reports whether a payout happened; claims on
// tasks that are not VERIFIED_FAILED, or already claimed, do nothing.
func (e *Engine) ClaimCompensation(ctx context.Context, id uint64, caller domain.Address) (bool, error) {
	var paid bool
	err := e.atomic(ctx, "claim_compensation", touchOne(id), func(u *unit) error {
		task, err := e.touch(u, id)
		if err != nil {
			return err
		}
		if caller != task.Client {
			return fmt.Errorf("task %d: %w", id, domain.ErrNotClient)
		}
		if task.Status != domain.TaskVerifiedFailed || u.tasks.Claimed(id) {
			return nil
		}

		amount := Compensation(task.Price)
		tid := id
		if err := u.led.Withdraw(task.Client, task.Asset, amount, &tid); err != nil {
			return fmt.Errorf("claim task %d: %w", id, err)
		}
		if err := u.tasks.MarkClaimed(id); err != nil {
			return err
		}
		if err := u.stageExternal(credit, task.Client, task.Asset, amount); err != nil {
			return err
		}
		u.claimed++
		paid = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return paid, nil
}
