package market

import (
	"context"
	"fmt"

	"github.com/proofmarket/pmkt/internal/domain"
)

// Stake moves amount of the protocol's asset from the user's external
// holdings into their available balance.
func (e *Engine) Stake(ctx context.Context, user domain.Address, protocol string, amount domain.Amount) error {
	return e.atomic(ctx, "stake", nil, func(u *unit) error {
		if user == "" {
			return domain.ErrInvalidCaller
		}
		asset, ok := u.reg.Resolve(protocol)
		if !ok {
			return fmt.Errorf("protocol %q: %w", protocol, domain.ErrUnknownProtocol)
		}
		if amount == 0 {
			return domain.ErrInvalidAmount
		}
		if floor := u.reg.MinStake(protocol, asset); amount < floor {
			return fmt.Errorf("stake %d < %d: %w", amount, floor, domain.ErrStakeTooLow)
		}
		if err := u.led.Deposit(user, asset, amount, nil); err != nil {
			return err
		}
		return u.stageExternal(debit, user, asset, amount)
	})
}

// Unstake pays amount of the protocol's asset from the user's available
// balance out to their external holdings.
func (e *Engine) Unstake(ctx context.Context, user domain.Address, protocol string, amount domain.Amount) error {
	return e.atomic(ctx, "unstake", nil, func(u *unit) error {
		if user == "" {
			return domain.ErrInvalidCaller
		}
		asset, ok := u.reg.Resolve(protocol)
		if !ok {
			return fmt.Errorf("protocol %q: %w", protocol, domain.ErrUnknownProtocol)
		}
		if amount == 0 {
			return domain.ErrInvalidAmount
		}
		if err := u.led.Withdraw(user, asset, amount, nil); err != nil {
			return err
		}
		return u.stageExternal(credit, user, asset, amount)
	})
}
