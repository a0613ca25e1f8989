package engine

import (
	"context"

	"cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/fixedpoint"
	"github.com/openalpha/perp-engine/pkg/ethsig"
	"github.com/openalpha/perp-engine/types"
)

// validate checks a submission end to end and, for orders that can open
// exposure, freezes the margin and fee reserve they may need. The nonce is
// claimed before the cheaper checks that follow; a submission that fails
// later burns its nonce, which keeps replays of a once-seen payload dead
// no matter how it was handled.
func (tl *tokenLoop) validate(ctx context.Context, o *types.Order, nowMs int64) error {
	trader, err := ethsig.Normalize(o.Trader)
	if err != nil {
		return err
	}
	o.Trader = trader

	signedBy, err := tl.e.signer.Recover(o)
	if err != nil {
		return err
	}
	if signedBy != o.Trader {
		return errors.Wrapf(types.ErrInvalidSignature, "signed by %s", signedBy)
	}

	ok, err := tl.e.repos.Nonces.Use(ctx, o.Trader, o.Nonce)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(types.ErrNonceUsed, "nonce %d", o.Nonce)
	}

	if o.TimeInForce == types.TimeInForceGTD {
		if o.Deadline <= 0 {
			return errors.Wrap(types.ErrInvalidOrder, "GTD order needs a deadline")
		}
		if nowMs >= o.Deadline {
			return errors.Wrapf(types.ErrDeadlinePassed, "deadline %d", o.Deadline)
		}
	}

	if o.Type == types.OrderTypeUnspecified || o.Type == types.OrderTypeLiquidation {
		return errors.Wrapf(types.ErrInvalidOrder, "order type %s", o.Type)
	}
	if o.Side != types.SideLong && o.Side != types.SideShort {
		return errors.Wrap(types.ErrInvalidOrder, "side must be long or short")
	}
	if o.Size.IsNil() || !o.Size.IsPositive() {
		return errors.Wrap(types.ErrInvalidSize, "size must be positive")
	}
	if o.Size.LT(tl.mcfg.MinSize) {
		return errors.Wrapf(types.ErrSizeBelowMinimum, "size %s, minimum %s", o.Size, tl.mcfg.MinSize)
	}

	if o.Price.IsNil() || o.Price.IsNegative() {
		return errors.Wrap(types.ErrInvalidPrice, "price must not be negative")
	}
	if o.Type == types.OrderTypeLimit && !o.Price.IsPositive() {
		return errors.Wrap(types.ErrInvalidPrice, "limit order needs a price")
	}
	if o.Price.IsPositive() {
		if _, ok := fixedpoint.Score(o.Price); !ok {
			return errors.Wrapf(types.ErrPriceOutOfRange, "price %s", o.Price)
		}
	}

	if o.Type.IsConditional() {
		if !o.TriggerPrice.IsPositive() {
			return errors.Wrap(types.ErrInvalidPrice, "conditional order needs a trigger price")
		}
		if _, ok := fixedpoint.Score(o.TriggerPrice); !ok {
			return errors.Wrapf(types.ErrPriceOutOfRange, "trigger %s", o.TriggerPrice)
		}
		if o.Type == types.OrderTypeTrailingStop && !o.TrailDelta.IsPositive() {
			return errors.Wrap(types.ErrInvalidOrder, "trailing stop needs a trail delta")
		}
	}

	if o.ReduceOnly {
		return tl.validateReduceOnly(ctx, o)
	}

	if o.Leverage < fixedpoint.RateScale || o.Leverage > tl.mcfg.MaxLeverage {
		return errors.Wrapf(types.ErrInvalidLeverage, "leverage %d, market maximum %d", o.Leverage, tl.mcfg.MaxLeverage)
	}
	return tl.freezeMargin(ctx, o, nowMs)
}

// validateReduceOnly requires an opposite open position and clamps the
// order to it. Reduce-only orders post no margin; the closing fill settles
// against the position's collateral.
func (tl *tokenLoop) validateReduceOnly(ctx context.Context, o *types.Order) error {
	pos, err := tl.e.manager.Get(ctx, o.Trader, o.Token)
	if err != nil {
		if errors.IsOf(err, types.ErrPositionNotFound) {
			return errors.Wrap(types.ErrReduceOnlyIncrease, "no open position to reduce")
		}
		return err
	}
	if types.SideFromIsLong(pos.IsLong) == o.Side {
		return errors.Wrap(types.ErrReduceOnlyIncrease, "order is on the position side")
	}
	if o.Size.GT(pos.Size) {
		o.Size = pos.Size
	}
	return nil
}

// freezeMargin reserves the initial margin plus a taker-fee reserve out of
// the trader's available balance and opens the order-margin ledger record
// the fills settle against.
func (tl *tokenLoop) freezeMargin(ctx context.Context, o *types.Order, nowMs int64) error {
	refPx := o.Price
	if !refPx.IsPositive() {
		refPx = o.TriggerPrice
	}
	if !refPx.IsPositive() {
		refPx = tl.bk.CurrentPrice()
	}
	if !refPx.IsPositive() {
		return errors.Wrapf(types.ErrPriceUnavailable, "no reference price for %s", tl.token)
	}

	notional := fixedpoint.Notional(o.Size, refPx)
	margin := fixedpoint.MulDiv(notional, sdkmath.NewInt(fixedpoint.RateScale), sdkmath.NewInt(o.Leverage))
	feeReserve := fixedpoint.ApplyRate(notional, tl.mcfg.TakerFeeBp)
	total := margin.Add(feeReserve)

	err := tl.e.locker.WithLock(ctx, tl.e.keys.LockBalance(o.Trader), balanceLockTTL, lockRetries, func() error {
		if _, err := tl.e.repos.Balances.Freeze(ctx, o.Trader, total); err != nil {
			return err
		}
		om := &types.OrderMargin{
			OrderID:     o.ID,
			Trader:      o.Trader,
			Token:       o.Token,
			Frozen:      margin,
			FeeReserve:  feeReserve,
			SettledSize: sdkmath.ZeroInt(),
			TotalSize:   o.Size,
			CreatedAt:   nowMs,
		}
		if err := tl.e.repos.OrderMargins.Save(ctx, om); err != nil {
			if _, uerr := tl.e.repos.Balances.Unfreeze(ctx, o.Trader, total); uerr != nil {
				tl.e.logger.Error("freeze rollback failed", "trader", o.Trader, "amount", total.String(), "error", uerr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	o.Margin = margin
	return nil
}
