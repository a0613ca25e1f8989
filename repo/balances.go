package repo

import (
	"context"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/types"
)

// Balances stores per-trader balances under balance:<addr>. Balances are
// created lazily on first read and never deleted. The guarded mutators all
// assume the caller holds lock:balance:<addr>; each one validates the
// movement, writes, and returns the written value.
type Balances struct {
	s      store.Store
	k      store.Keys
	logger log.Logger
}

// Get loads a balance; a missing hash reads as the zero-value balance.
func (r *Balances) Get(ctx context.Context, addr string) (*types.Balance, error) {
	h, err := r.s.HGetAll(ctx, r.k.Balance(addr))
	if err != nil {
		return types.NewBalance(addr), errors.Wrapf(err, "get balance %s", addr)
	}
	if len(h) == 0 {
		return types.NewBalance(addr), nil
	}
	b := types.BalanceFromHash(h)
	if b.Trader == "" {
		b.Trader = addr
	}
	return b, nil
}

// Save persists the balance.
func (r *Balances) Save(ctx context.Context, b *types.Balance) error {
	b.UpdatedAt = time.Now().UnixMilli()
	if err := r.s.HSet(ctx, r.k.Balance(b.Trader), b.Hash()); err != nil {
		return errors.Wrapf(err, "save balance %s", b.Trader)
	}
	return nil
}

// Credit adds amount to the wallet (deposits, realized profit).
func (r *Balances) Credit(ctx context.Context, addr string, amount sdkmath.Int) (*types.Balance, error) {
	return r.mutate(ctx, addr, func(b *types.Balance) error {
		b.Wallet = b.Wallet.Add(amount)
		return nil
	})
}

// Debit removes amount from the wallet; it fails when the available
// balance cannot cover it (frozen and used margin stay untouchable).
func (r *Balances) Debit(ctx context.Context, addr string, amount sdkmath.Int) (*types.Balance, error) {
	return r.mutate(ctx, addr, func(b *types.Balance) error {
		if !b.CanAfford(amount) {
			return errors.Wrapf(types.ErrInsufficientBalance, "debit %s, available %s", amount, b.Available())
		}
		b.Wallet = b.Wallet.Sub(amount)
		return nil
	})
}

// Freeze reserves amount of the available balance for a pending order.
func (r *Balances) Freeze(ctx context.Context, addr string, amount sdkmath.Int) (*types.Balance, error) {
	return r.mutate(ctx, addr, func(b *types.Balance) error {
		if !b.CanAfford(amount) {
			return errors.Wrapf(types.ErrInsufficientMargin, "freeze %s, available %s", amount, b.Available())
		}
		b.Frozen = b.Frozen.Add(amount)
		return nil
	})
}

// Unfreeze returns reserved margin to the available balance, on cancel or
// expiry.
func (r *Balances) Unfreeze(ctx context.Context, addr string, amount sdkmath.Int) (*types.Balance, error) {
	return r.mutate(ctx, addr, func(b *types.Balance) error {
		if amount.GT(b.Frozen) {
			return errors.Wrapf(types.ErrFrozenUnderflow, "unfreeze %s, frozen %s", amount, b.Frozen)
		}
		b.Frozen = b.Frozen.Sub(amount)
		return nil
	})
}

// FreezeToUsed converts reserved order margin into used position
// collateral.
func (r *Balances) FreezeToUsed(ctx context.Context, addr string, amount sdkmath.Int) (*types.Balance, error) {
	return r.mutate(ctx, addr, func(b *types.Balance) error {
		if amount.GT(b.Frozen) {
			return errors.Wrapf(types.ErrFrozenUnderflow, "convert %s, frozen %s", amount, b.Frozen)
		}
		b.Frozen = b.Frozen.Sub(amount)
		b.Used = b.Used.Add(amount)
		return nil
	})
}

// SettleFill applies one fill's balance movement in a single write: release
// unfreeze from the order reserve, move use into position collateral, and
// pay fee out of the wallet.
func (r *Balances) SettleFill(ctx context.Context, addr string, unfreeze, use, fee sdkmath.Int) (*types.Balance, error) {
	return r.mutate(ctx, addr, func(b *types.Balance) error {
		if unfreeze.GT(b.Frozen) {
			return errors.Wrapf(types.ErrFrozenUnderflow, "settle %s, frozen %s", unfreeze, b.Frozen)
		}
		b.Frozen = b.Frozen.Sub(unfreeze)
		b.Used = b.Used.Add(use)
		b.Wallet = b.Wallet.Sub(fee)
		if b.Wallet.IsNegative() {
			b.Wallet = sdkmath.ZeroInt()
		}
		return nil
	})
}

// SettleClose releases position collateral back from used and applies the
// realized PnL to the wallet. A loss beyond the wallet floors at zero and
// is reported as shortfall for the insurance fund to absorb.
func (r *Balances) SettleClose(ctx context.Context, addr string, released, realized sdkmath.Int) (*types.Balance, sdkmath.Int, error) {
	shortfall := sdkmath.ZeroInt()
	b, err := r.mutate(ctx, addr, func(b *types.Balance) error {
		if released.GT(b.Used) {
			released = b.Used
		}
		b.Used = b.Used.Sub(released)
		b.Wallet = b.Wallet.Add(realized)
		if b.Wallet.IsNegative() {
			shortfall = b.Wallet.Neg()
			b.Wallet = sdkmath.ZeroInt()
		}
		return nil
	})
	return b, shortfall, err
}

// DeductFunding takes a funding fee out of position collateral: both the
// wallet and the used earmark shrink, leaving the available balance
// unchanged.
func (r *Balances) DeductFunding(ctx context.Context, addr string, fee sdkmath.Int) (*types.Balance, error) {
	return r.mutate(ctx, addr, func(b *types.Balance) error {
		if fee.GT(b.Used) {
			fee = b.Used
		}
		b.Used = b.Used.Sub(fee)
		b.Wallet = b.Wallet.Sub(fee)
		if b.Wallet.IsNegative() {
			b.Wallet = sdkmath.ZeroInt()
		}
		return nil
	})
}

// AdjustUsed moves collateral between the available balance and the used
// earmark for margin add/remove. Negative delta releases.
func (r *Balances) AdjustUsed(ctx context.Context, addr string, delta sdkmath.Int) (*types.Balance, error) {
	return r.mutate(ctx, addr, func(b *types.Balance) error {
		if delta.IsPositive() && !b.CanAfford(delta) {
			return errors.Wrapf(types.ErrInsufficientBalance, "reserve %s, available %s", delta, b.Available())
		}
		if delta.IsNegative() && delta.Neg().GT(b.Used) {
			return errors.Wrapf(types.ErrUsedUnderflow, "release %s, used %s", delta.Neg(), b.Used)
		}
		b.Used = b.Used.Add(delta)
		return nil
	})
}

// SetUnrealized writes the risk loop's aggregated unrealized PnL.
func (r *Balances) SetUnrealized(ctx context.Context, addr string, upnl sdkmath.Int) error {
	return r.s.HSet(ctx, r.k.Balance(addr), map[string]string{
		"unrealizedPnl": upnl.String(),
		"updatedAt":     formatInt64(time.Now().UnixMilli()),
	})
}

func (r *Balances) mutate(ctx context.Context, addr string, fn func(*types.Balance) error) (*types.Balance, error) {
	b, err := r.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	if err := fn(b); err != nil {
		return nil, err
	}
	if err := r.Save(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}
