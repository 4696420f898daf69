package market

import (
	"context"

	"github.com/proofmarket/pmkt/internal/domain"
)

// ─── Registry Administration ────────────────────────────────────────────────
// Admin operations run under the same lock as the lifecycle so a protocol
// change never interleaves with a submission.

// AddProtocol maps protocol to asset.
func (e *Engine) AddProtocol(ctx context.Context, caller domain.Address, protocol string, asset domain.AssetID) error {
	return e.atomic(ctx, "add_protocol", nil, func(u *unit) error {
		return u.reg.AddProtocol(caller, protocol, asset)
	})
}

// RemoveProtocol soft-deletes protocol.
func (e *Engine) RemoveProtocol(ctx context.Context, caller domain.Address, protocol string) error {
	return e.atomic(ctx, "remove_protocol", nil, func(u *unit) error {
		return u.reg.RemoveProtocol(caller, protocol)
	})
}

// SetAsk sets the minimum task price for asset.
func (e *Engine) SetAsk(ctx context.Context, caller domain.Address, asset domain.AssetID, minPrice domain.Amount) error {
	return e.atomic(ctx, "set_ask", nil, func(u *unit) error {
		return u.reg.SetAsk(caller, asset, minPrice)
	})
}

// SetMinAdd sets the minimum stake increment for (protocol, asset).
func (e *Engine) SetMinAdd(ctx context.Context, caller domain.Address, protocol string, asset domain.AssetID, minStake domain.Amount) error {
	return e.atomic(ctx, "set_min_add", nil, func(u *unit) error {
		return u.reg.SetMinAdd(caller, protocol, asset, minStake)
	})
}

// Seed registers protocols that are not yet known, with caller as the
// acting administrator. Protocols that already exist, active or removed,
// are left alone.
func (e *Engine) Seed(ctx context.Context, caller domain.Address, seeds []ProtocolSeed) (int, error) {
	added := 0
	err := e.atomic(ctx, "seed_protocols", nil, func(u *unit) error {
		added = 0
		for _, s := range seeds {
			if _, known := e.registry.Entry(s.Protocol); known {
				continue
			}
			if err := u.reg.AddProtocol(caller, s.Protocol, s.Asset); err != nil {
				return err
			}
			if s.MinStake > 0 {
				if err := u.reg.SetMinAdd(caller, s.Protocol, s.Asset, s.MinStake); err != nil {
					return err
				}
			}
			if s.MinAsk > 0 {
				if err := u.reg.SetAsk(caller, s.Asset, s.MinAsk); err != nil {
					return err
				}
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// ProtocolSeed is a protocol registered at startup.
type ProtocolSeed struct {
	Protocol string
	Asset    domain.AssetID
	MinAsk   domain.Amount
	MinStake domain.Amount
}
