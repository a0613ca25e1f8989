// Package liquidation closes critical positions. The Service consumes the
// risk loop's candidates, claims each position with a store-level CAS and
// hands it to the token's matching loop, which runs the Liquidator: sell
// what the book absorbs inside the price corridor, auto-deleverage the
// rest against top-ranked profitable counterparties at the bankruptcy
// price, then square the remainder with the insurance fund.
package liquidation

import (
	"context"
	"sort"
	"time"

	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/openalpha/perp-engine/book"
	"github.com/openalpha/perp-engine/fixedpoint"
	"github.com/openalpha/perp-engine/metrics"
	"github.com/openalpha/perp-engine/position"
	"github.com/openalpha/perp-engine/repo"
	"github.com/openalpha/perp-engine/settlement"
	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/types"
)

const balanceLockTTL = 2 * time.Second

// Pipeline applies book fills the way ordinary trades settle: order-margin
// settle, position mutations on both sides, trade rows, market data and
// frames. The matching loop implements it; liquidation reuses it so book
// prints from liquidation orders flow through the same bookkeeping.
type Pipeline interface {
	ApplyFills(ctx context.Context, taker *types.Order, fills []book.Fill, tradeType types.TradeType) (FillResult, error)
}

// FillResult aggregates the taker side of applied fills.
type FillResult struct {
	Filled    sdkmath.Int
	Realized  sdkmath.Int // taker-side PnL realized by the fills, before fees
	Fees      sdkmath.Int // taker-side fees charged
	Shortfall sdkmath.Int // insurance draw the fills triggered
}

// ZeroFillResult returns an initialized empty result.
func ZeroFillResult() FillResult {
	zero := sdkmath.ZeroInt()
	return FillResult{Filled: zero, Realized: zero, Fees: zero, Shortfall: zero}
}

// Publisher receives liquidation events. The WebSocket hub satisfies it.
type Publisher interface {
	ADLTriggered(counterparty, failing *types.Position, size, price sdkmath.Int)
	PositionUpdate(pos *types.Position)
}

// Outcome reports what one liquidation did.
type Outcome struct {
	PositionID string
	BookFilled sdkmath.Int // size closed against the book
	ADLClosed  sdkmath.Int // size closed against ADL counterparties
	Realized   sdkmath.Int // failing side's realized PnL, before fees
	Fees       sdkmath.Int
	Surplus    sdkmath.Int // equity confiscated into the insurance fund
	Shortfall  sdkmath.Int // losses the insurance fund covered
	Closed     bool        // false when liquidity and counterparties ran out
}

// Liquidator executes claimed liquidations. It must run on the goroutine
// that owns the token's book.
type Liquidator struct {
	repos   *repo.Repos
	manager *position.Manager
	journal *settlement.Journaller
	locker  *store.Locker
	keys    store.Keys
	markets map[string]types.MarketConfig
	pub     Publisher
	metrics *metrics.Collector
	logger  log.Logger
}

// NewLiquidator wires an executor.
func NewLiquidator(repos *repo.Repos, manager *position.Manager, journal *settlement.Journaller, locker *store.Locker, keys store.Keys, markets map[string]types.MarketConfig, pub Publisher, collector *metrics.Collector, logger log.Logger) *Liquidator {
	return &Liquidator{
		repos:   repos,
		manager: manager,
		journal: journal,
		locker:  locker,
		keys:    keys,
		markets: markets,
		pub:     pub,
		metrics: collector,
		logger:  logger.With("module", "liquidation"),
	}
}

// Liquidate closes pos. The caller has already won the liquidation claim.
func (l *Liquidator) Liquidate(ctx context.Context, pos *types.Position, bk *book.Book, pipe Pipeline, nowMs int64) (*Outcome, error) {
	out := &Outcome{
		PositionID: pos.ID,
		BookFilled: sdkmath.ZeroInt(),
		ADLClosed:  sdkmath.ZeroInt(),
		Realized:   sdkmath.ZeroInt(),
		Fees:       sdkmath.ZeroInt(),
		Surplus:    sdkmath.ZeroInt(),
		Shortfall:  sdkmath.ZeroInt(),
	}
	collateralAtClaim := pos.Collateral
	closeSide := pos.Side().Opposite()
	remaining := pos.Size

	// Phase 1: the book, sized to what sits inside the corridor. The walk
	// fills best levels first, so an order sized this way cannot print
	// outside it.
	bookSize := sdkmath.MinInt(remaining, l.corridorCapacity(bk, closeSide))
	if bookSize.IsPositive() {
		order := types.NewOrder(uuid.NewString(), pos.Trader, pos.Token, closeSide,
			types.OrderTypeLiquidation, bookSize, sdkmath.ZeroInt(), nowMs)
		fills, err := bk.Insert(order, nowMs)
		if err != nil {
			return out, err
		}
		if len(fills) > 0 {
			res, err := pipe.ApplyFills(ctx, order, fills, types.TradeTypeLiquidation)
			if err != nil {
				return out, err
			}
			out.BookFilled = res.Filled
			out.Realized = out.Realized.Add(res.Realized)
			out.Fees = out.Fees.Add(res.Fees)
			out.Shortfall = out.Shortfall.Add(res.Shortfall)
			remaining = remaining.Sub(res.Filled)
		}
	}

	// Phase 2: ADL for whatever the book could not absorb.
	if remaining.IsPositive() {
		closed, err := l.unwind(ctx, pos, remaining, out, nowMs)
		if err != nil {
			return out, err
		}
		remaining = remaining.Sub(closed)
	}

	if remaining.IsPositive() {
		// No liquidity and no counterparties left. Release the claim; the
		// risk loop re-queues the remainder next tick.
		l.logger.Error("liquidation left exposure open",
			"position", pos.ID, "remaining", remaining.String())
		if err := l.repos.Positions.ClearLiquidating(ctx, pos.ID); err != nil {
			l.logger.Warn("claim release failed", "position", pos.ID, "error", err)
		}
		l.count(pos.Token, "partial")
		return out, nil
	}

	out.Closed = true
	l.settleEquity(ctx, pos, collateralAtClaim, out)
	l.finalize(ctx, pos, out, nowMs)
	return out, nil
}

// corridorCapacity sums the resting size the close order would hit within
// the configured corridor around the current book price. A zero corridor
// disables the bound.
func (l *Liquidator) corridorCapacity(bk *book.Book, closeSide types.Side) sdkmath.Int {
	corridorBp := int64(0)
	if cfg, ok := l.markets[bk.Token()]; ok {
		corridorBp = cfg.CorridorBp
	}
	mark := bk.CurrentPrice()

	capacity := sdkmath.ZeroInt()
	for _, o := range bk.RestingOrders() {
		if o.Side == closeSide {
			continue // capacity sits on the side the close order takes
		}
		if corridorBp > 0 && mark.IsPositive() && outsideCorridor(o.Price, mark, corridorBp, closeSide) {
			continue
		}
		capacity = capacity.Add(o.Remaining())
	}
	return capacity
}

func outsideCorridor(price, mark sdkmath.Int, corridorBp int64, closeSide types.Side) bool {
	width := fixedpoint.ApplyRate(mark, corridorBp)
	if closeSide == types.SideShort {
		return price.LT(mark.Sub(width)) // selling: bids below the floor
	}
	return price.GT(mark.Add(width)) // buying: asks above the cap
}

// unwind force-closes profitable opposite-side positions at the failing
// position's bankruptcy price until size is covered or candidates run out.
func (l *Liquidator) unwind(ctx context.Context, pos *types.Position, size sdkmath.Int, out *Outcome, nowMs int64) (sdkmath.Int, error) {
	// The book leg may have shrunk the position; price off the stored copy.
	if fresh, err := l.repos.Positions.Get(ctx, pos.ID); err == nil && fresh.IsOpen() {
		pos = fresh
	}
	pos.RecomputeBankruptcyPrice()
	price := pos.BankruptcyPrice
	if !price.IsPositive() {
		// A long's bankruptcy price can floor at zero; nothing can trade
		// there.
		l.logger.Error("bankruptcy price not positive, cannot deleverage", "position", pos.ID)
		return sdkmath.ZeroInt(), nil
	}

	closed := sdkmath.ZeroInt()
	for _, cp := range l.adlQueue(ctx, pos) {
		if !closed.LT(size) {
			break
		}
		q := sdkmath.MinInt(cp.Size, size.Sub(closed))

		failRes, err := l.manager.ApplyFill(ctx, position.Fill{
			Trader:    pos.Trader,
			Token:     pos.Token,
			Side:      pos.Side().Opposite(),
			Size:      q,
			Price:     price,
			Leverage:  pos.Leverage,
			Type:      types.TradeTypeADL,
			Timestamp: nowMs,
		})
		if err != nil {
			return closed, err
		}
		out.Realized = out.Realized.Add(failRes.Realized)
		out.Shortfall = out.Shortfall.Add(failRes.Shortfall)
		l.saveADLTrade(ctx, pos, failRes.Realized, q, price, nowMs)

		cpRes, err := l.manager.ApplyFill(ctx, position.Fill{
			Trader:    cp.Trader,
			Token:     pos.Token,
			Side:      cp.Side().Opposite(),
			Size:      q,
			Price:     price,
			Leverage:  cp.Leverage,
			Type:      types.TradeTypeADL,
			Timestamp: nowMs,
		})
		if err != nil {
			// The failing leg already closed; the counterparty keeps its
			// position and the imbalance needs an operator.
			l.logger.Error("adl counterparty close failed",
				"counterparty", cp.ID, "failing", pos.ID, "error", err)
			if l.metrics != nil {
				l.metrics.StoreErrors.WithLabelValues("adl_close").Inc()
			}
		} else {
			l.saveADLTrade(ctx, cp, cpRes.Realized, q, price, nowMs)
			if l.pub != nil {
				l.pub.ADLTriggered(cpRes.Position, pos, q, price)
				l.pub.PositionUpdate(cpRes.Position)
			}
			if l.metrics != nil {
				l.metrics.ADLUnwindsTotal.WithLabelValues(pos.Token).Inc()
			}
		}

		closed = closed.Add(q)
		out.ADLClosed = out.ADLClosed.Add(q)
	}
	return closed, nil
}

// adlQueue lists open profitable positions on the opposite side, best ADL
// rank first, then score, then id.
func (l *Liquidator) adlQueue(ctx context.Context, pos *types.Position) []*types.Position {
	var queue []*types.Position
	for _, cp := range l.repos.Positions.ByToken(ctx, pos.Token) {
		if cp.ID == pos.ID || cp.IsLong == pos.IsLong || cp.IsLiquidating {
			continue
		}
		if !cp.IsOpen() || !cp.IsAdlCandidate {
			continue
		}
		queue = append(queue, cp)
	}
	sort.Slice(queue, func(i, j int) bool {
		if queue[i].ADLRank != queue[j].ADLRank {
			return queue[i].ADLRank < queue[j].ADLRank
		}
		if queue[i].ADLScore != queue[j].ADLScore {
			return queue[i].ADLScore > queue[j].ADLScore
		}
		return queue[i].ID < queue[j].ID
	})
	return queue
}

// saveADLTrade records one leg of a forced close. ADL legs carry no fee.
func (l *Liquidator) saveADLTrade(ctx context.Context, pos *types.Position, realized, size, price sdkmath.Int, nowMs int64) {
	row := &types.Trade{
		ID:          uuid.NewString(),
		Token:       pos.Token,
		Trader:      pos.Trader,
		IsLong:      !pos.IsLong,
		Size:        size,
		Price:       price,
		Fee:         sdkmath.ZeroInt(),
		RealizedPnL: realized,
		Type:        types.TradeTypeADL,
		Timestamp:   nowMs,
	}
	if err := l.repos.Trades.Save(ctx, row); err != nil {
		l.logger.Warn("adl trade row write failed", "trade", row.ID, "error", err)
	}
}

// settleEquity squares the trader with the insurance fund: equity left
// after a forced close belongs to the fund, losses beyond the wallet were
// already drawn from it fill by fill.
func (l *Liquidator) settleEquity(ctx context.Context, pos *types.Position, collateral sdkmath.Int, out *Outcome) {
	equity := collateral.Add(out.Realized).Sub(out.Fees)
	if !equity.IsPositive() {
		return
	}
	err := l.locker.WithLock(ctx, l.keys.LockBalance(pos.Trader), balanceLockTTL, 3, func() error {
		if _, err := l.repos.Balances.Debit(ctx, pos.Trader, equity); err != nil {
			return err
		}
		_, err := l.repos.Insurance.Credit(ctx, equity)
		return err
	})
	if err != nil {
		l.logger.Error("surplus confiscation failed",
			"trader", pos.Trader, "amount", equity.String(), "error", err)
		return
	}
	out.Surplus = equity
}

func (l *Liquidator) finalize(ctx context.Context, pos *types.Position, out *Outcome, nowMs int64) {
	final, err := l.repos.Positions.Get(ctx, pos.ID)
	if err != nil {
		l.logger.Error("liquidated position reload failed", "position", pos.ID, "error", err)
		final = pos
	}
	final.Status = types.PositionStatusLiquidated
	final.IsLiquidatable = false
	final.UpdatedAt = nowMs
	if err := l.repos.Positions.Save(ctx, final); err != nil {
		l.logger.Error("liquidated status write failed", "position", pos.ID, "error", err)
	}
	if err := l.repos.Positions.ClearLiquidating(ctx, pos.ID); err != nil {
		l.logger.Warn("claim release failed", "position", pos.ID, "error", err)
	}

	net := out.Realized.Sub(out.Fees).Sub(out.Surplus)
	bal, err := l.repos.Balances.Get(ctx, pos.Trader)
	after := sdkmath.ZeroInt()
	if err == nil {
		after = bal.Wallet
	}
	entry := l.journal.NewEntry(pos.Trader, pos.Token, pos.ID, types.SettlementLiquidation, net, after.Sub(net), after)
	entry.Proof = settlement.MustProof(liquidationProof{
		PositionID: pos.ID,
		BookFilled: out.BookFilled.String(),
		ADLClosed:  out.ADLClosed.String(),
		Realized:   out.Realized.String(),
		Fees:       out.Fees.String(),
		Surplus:    out.Surplus.String(),
		Shortfall:  out.Shortfall.String(),
	})
	if err := l.journal.Journal(ctx, entry); err != nil {
		l.logger.Error("liquidation journal failed", "position", pos.ID, "error", err)
	}

	if l.pub != nil {
		l.pub.PositionUpdate(final)
	}
	outcome := "covered"
	if out.Shortfall.IsPositive() {
		outcome = "shortfall"
	} else if out.Surplus.IsPositive() {
		outcome = "surplus"
	}
	l.count(pos.Token, outcome)
	l.logger.Info("position liquidated",
		"position", pos.ID,
		"bookFilled", out.BookFilled.String(),
		"adlClosed", out.ADLClosed.String(),
		"surplus", out.Surplus.String(),
		"shortfall", out.Shortfall.String())
}

func (l *Liquidator) count(token, outcome string) {
	if l.metrics != nil {
		l.metrics.LiquidationsTotal.WithLabelValues(token, outcome).Inc()
	}
}

type liquidationProof struct {
	PositionID string `json:"positionId"`
	BookFilled string `json:"bookFilled"`
	ADLClosed  string `json:"adlClosed"`
	Realized   string `json:"realized"`
	Fees       string `json:"fees"`
	Surplus    string `json:"surplus"`
	Shortfall  string `json:"shortfall"`
}
