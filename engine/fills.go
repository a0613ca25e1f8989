package engine

import (
	"context"

	"cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/openalpha/perp-engine/book"
	"github.com/openalpha/perp-engine/fixedpoint"
	"github.com/openalpha/perp-engine/liquidation"
	"github.com/openalpha/perp-engine/position"
	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/types"
)

// ApplyFills settles a batch of matched fills: for each fill the maker leg
// first, then the taker leg, each one moving margin, mutating the position
// and writing a trade row. The book has already mutated both orders, so a
// store failure mid-batch aborts the rest and is surfaced to the caller;
// fills already applied stand.
func (tl *tokenLoop) ApplyFills(ctx context.Context, taker *types.Order, fills []book.Fill, tradeType types.TradeType) (liquidation.FillResult, error) {
	res := liquidation.ZeroFillResult()
	lastPx := sdkmath.ZeroInt()

	for _, f := range fills {
		notional := fixedpoint.Notional(f.Size, f.Price)

		makerFee := fixedpoint.ApplyRate(notional, tl.mcfg.MakerFeeBp)
		if _, err := tl.applyLeg(ctx, f.Maker, f, makerFee, true, tradeType); err != nil {
			return res, err
		}
		tl.saveOrder(ctx, f.Maker)
		if f.Maker.Remaining().IsZero() {
			tl.releaseMargin(ctx, f.Maker)
		}
		tl.publishOrder(f.Maker)

		// Liquidation orders post no margin and pay no fee; the whole
		// remaining equity is confiscated when the position settles.
		takerFee := fixedpoint.ApplyRate(notional, tl.mcfg.TakerFeeBp)
		if taker.Type == types.OrderTypeLiquidation {
			takerFee = sdkmath.ZeroInt()
		}
		tRes, err := tl.applyLeg(ctx, taker, f, takerFee, false, tradeType)
		if err != nil {
			return res, err
		}

		res.Filled = res.Filled.Add(f.Size)
		res.Realized = res.Realized.Add(tRes.Realized)
		res.Fees = res.Fees.Add(takerFee)
		res.Shortfall = res.Shortfall.Add(tRes.Shortfall)
		lastPx = f.Price
	}

	if lastPx.IsPositive() {
		if err := tl.e.repos.Markets.UpdateLast(ctx, tl.token, lastPx); err != nil {
			tl.e.logger.Warn("last price update failed", "token", tl.token, "error", err)
		}
	}
	if len(fills) > 0 && tl.e.metrics != nil {
		tl.e.metrics.TradesTotal.WithLabelValues(tl.token, tradeType.String()).Add(float64(len(fills)))
	}
	return res, nil
}

// applyLeg settles one side of one fill: release the pro-rata order
// margin, apply the fill to the trader's position and record the trade.
// The taker row doubles as the public tape print.
func (tl *tokenLoop) applyLeg(ctx context.Context, o *types.Order, f book.Fill, fee sdkmath.Int, isMaker bool, tradeType types.TradeType) (*position.Result, error) {
	released := sdkmath.ZeroInt()
	if !o.ReduceOnly && o.Type != types.OrderTypeLiquidation {
		_, rel, err := tl.e.repos.OrderMargins.Settle(ctx, o.ID, f.Size)
		switch {
		case err == nil:
			released = rel
		case errors.IsOf(err, store.ErrNotFound):
			tl.e.logger.Warn("order margin missing at settle", "order", o.ID)
		default:
			return nil, err
		}
	}

	res, err := tl.e.manager.ApplyFill(ctx, position.Fill{
		OrderID:    o.ID,
		Trader:     o.Trader,
		Token:      tl.token,
		Side:       o.Side,
		Size:       f.Size,
		Price:      f.Price,
		Fee:        fee,
		Released:   released,
		Leverage:   o.Leverage,
		MarginMode: o.MarginMode,
		Type:       tradeType,
		Timestamp:  f.Timestamp,
	})
	if err != nil {
		return nil, err
	}

	trade := &types.Trade{
		ID:          uuid.NewString(),
		OrderID:     o.ID,
		Token:       tl.token,
		Trader:      o.Trader,
		IsLong:      o.Side == types.SideLong,
		IsMaker:     isMaker,
		Size:        f.Size,
		Price:       f.Price,
		Fee:         fee,
		RealizedPnL: res.Realized,
		Type:        tradeType,
		Timestamp:   f.Timestamp,
	}
	if err := tl.e.repos.Trades.Save(ctx, trade); err != nil {
		tl.e.logger.Warn("trade save failed", "trade", trade.ID, "error", err)
		if tl.e.metrics != nil {
			tl.e.metrics.StoreErrors.WithLabelValues("trade_save").Inc()
		}
	}
	if !isMaker && tl.e.pub != nil {
		tl.e.pub.Trade(trade)
	}
	tl.publishPosition(res.Position)
	return res, nil
}
