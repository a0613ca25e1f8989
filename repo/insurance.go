package repo

import (
	"context"
	"fmt"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/openalpha/perp-engine/fixedpoint"
	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/types"
)

// Insurance holds the shared loss-absorption fund and the LP pool that
// takes a share of funding revenue. Both are plain counters; funding and
// liquidation flows mutate them concurrently, so read-modify-write runs
// under a short lease.
type Insurance struct {
	s       store.Store
	k       store.Keys
	locker  *store.Locker
	logger  log.Logger
	journal *Settlements
}

const insuranceLockTTL = 2 * time.Second

// Balance reads the insurance fund; a missing or unparsable value reads as
// zero.
func (r *Insurance) Balance(ctx context.Context) sdkmath.Int {
	return r.read(ctx, r.k.InsuranceFund())
}

// LPBalance reads the LP pool.
func (r *Insurance) LPBalance(ctx context.Context) sdkmath.Int {
	return r.read(ctx, r.k.LPPool())
}

func (r *Insurance) read(ctx context.Context, key string) sdkmath.Int {
	raw, err := r.s.Get(ctx, key)
	if err != nil {
		if !errors.IsOf(err, store.ErrNotFound) {
			r.logger.Warn("fund read failed", "key", key, "error", err)
		}
		return sdkmath.ZeroInt()
	}
	return fixedpoint.ParseInt(raw, sdkmath.ZeroInt())
}

// Credit adds amount to the insurance fund and returns the new balance.
func (r *Insurance) Credit(ctx context.Context, amount sdkmath.Int) (sdkmath.Int, error) {
	return r.adjust(ctx, r.k.InsuranceFund(), amount)
}

// CreditLP adds amount to the LP pool.
func (r *Insurance) CreditLP(ctx context.Context, amount sdkmath.Int) (sdkmath.Int, error) {
	return r.adjust(ctx, r.k.LPPool(), amount)
}

// Debit takes up to amount from the insurance fund, flooring at zero. It
// returns what was actually paid and the uncovered shortfall.
func (r *Insurance) Debit(ctx context.Context, amount sdkmath.Int) (paid, shortfall sdkmath.Int, err error) {
	paid, shortfall = sdkmath.ZeroInt(), sdkmath.ZeroInt()
	err = r.locker.WithLock(ctx, r.k.LockInsurance(), insuranceLockTTL, 5, func() error {
		balance := r.read(ctx, r.k.InsuranceFund())
		paid = amount
		if paid.GT(balance) {
			paid = balance
			shortfall = amount.Sub(balance)
		}
		return r.s.Set(ctx, r.k.InsuranceFund(), balance.Sub(paid).String(), 0)
	})
	if err != nil {
		return sdkmath.ZeroInt(), sdkmath.ZeroInt(), errors.Wrap(err, "debit insurance")
	}
	if shortfall.IsPositive() {
		r.logger.Warn("insurance fund exhausted", "requested", amount.String(), "paid", paid.String(), "shortfall", shortfall.String())
	}
	return paid, shortfall, nil
}

// Inject credits an external top-up to the insurance fund and journals it
// as INSURANCE_INJECTION under the funder's address.
func (r *Insurance) Inject(ctx context.Context, funder string, amount sdkmath.Int) (sdkmath.Int, error) {
	if !amount.IsPositive() {
		return sdkmath.ZeroInt(), fmt.Errorf("injection amount must be positive, got %s", amount)
	}
	balance, err := r.Credit(ctx, amount)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	now := time.Now().UnixMilli()
	entry := &types.SettlementLog{
		ID:            uuid.NewString(),
		Trader:        funder,
		Type:          types.SettlementInsuranceInjection,
		Amount:        amount,
		BalanceBefore: balance.Sub(amount),
		BalanceAfter:  balance,
		OnChainStatus: types.OnChainPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.journal.Append(ctx, entry); err != nil {
		return balance, err
	}
	return balance, nil
}

func (r *Insurance) adjust(ctx context.Context, key string, amount sdkmath.Int) (sdkmath.Int, error) {
	var out sdkmath.Int
	err := r.locker.WithLock(ctx, r.k.LockInsurance(), insuranceLockTTL, 5, func() error {
		balance := r.read(ctx, key)
		out = balance.Add(amount)
		if out.IsNegative() {
			out = sdkmath.ZeroInt()
		}
		return r.s.Set(ctx, key, out.String(), 0)
	})
	if err != nil {
		return sdkmath.ZeroInt(), errors.Wrapf(err, "adjust fund %s", key)
	}
	return out, nil
}
