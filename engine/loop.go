package engine

import (
	"context"
	"sort"
	"time"

	"cosmossdk.io/errors"

	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/book"
	"github.com/openalpha/perp-engine/liquidation"
	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/types"
)

const (
	balanceLockTTL = 2 * time.Second
	lockRetries    = 5
)

type cancelReq struct {
	orderID string
	trader  string
	resp    chan cancelResult
}

type cancelResult struct {
	order *types.Order
	err   error
}

// tokenLoop is the single writer for one token: it owns the book and is
// the only goroutine that mutates it, fires triggers, applies fills and
// runs liquidations for the token. Every iteration runs the phases in a
// fixed order so replays of the same inputs produce the same books.
type tokenLoop struct {
	e     *Engine
	token string
	mcfg  types.MarketConfig
	cfg   Config
	bk    *book.Book

	ingestCh chan *types.Order
	cancelCh chan cancelReq
	liqCh    chan liquidation.Request

	// dirty marks that the book changed this iteration and the depth
	// snapshot, price cache and trailing triggers need refreshing.
	dirty       bool
	lastTrailPx sdkmath.Int
	lastLiqPx   sdkmath.Int
}

func newTokenLoop(e *Engine, token string, mcfg types.MarketConfig) *tokenLoop {
	return &tokenLoop{
		e:           e,
		token:       token,
		mcfg:        mcfg,
		cfg:         e.cfg,
		bk:          book.New(token, e.cfg.BookImpl),
		ingestCh:    make(chan *types.Order, e.cfg.IngestDepth),
		cancelCh:    make(chan cancelReq, e.cfg.CancelDepth),
		liqCh:       make(chan liquidation.Request, e.cfg.LiqDepth),
		lastTrailPx: sdkmath.ZeroInt(),
		lastLiqPx:   sdkmath.ZeroInt(),
	}
}

func (tl *tokenLoop) run(ctx context.Context) {
	tl.rebuild(ctx)
	ticker := time.NewTicker(tl.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			tl.quiesce()
			return
		case <-ticker.C:
			tl.iterate(ctx, nil, nil, nil)
		case o := <-tl.ingestCh:
			tl.iterate(ctx, o, nil, nil)
		case req := <-tl.cancelCh:
			tl.iterate(ctx, nil, &req, nil)
		case lr := <-tl.liqCh:
			tl.iterate(ctx, nil, nil, &lr)
		}
	}
}

// iterate runs one loop pass: expire, fire triggers, drain submissions,
// cancels, then liquidations, and finally republish derived state if the
// book changed.
func (tl *tokenLoop) iterate(ctx context.Context, head *types.Order, creq *cancelReq, lreq *liquidation.Request) {
	start := tl.e.now()
	nowMs := start.UnixMilli()

	tl.sweepExpired(ctx, nowMs)
	tl.fireTriggers(ctx, nowMs)

	n := tl.drainIngest(ctx, head, nowMs)
	n += tl.drainCancels(ctx, creq, nowMs)
	n += tl.drainLiq(ctx, lreq, nowMs)

	if tl.dirty {
		px := tl.bk.CurrentPrice()
		tl.e.setPrice(tl.token, px)
		tl.reseatTrailing(ctx, px, nowMs)
		tl.claimLiquidatable(ctx, px)
		if tl.e.pub != nil {
			tl.e.pub.Depth(tl.bk.Depth(tl.cfg.DepthLevels, nowMs))
		}
		tl.dirty = false
	}
	if n > 0 && tl.e.metrics != nil {
		tl.e.metrics.ObserveMatchBatch(tl.e.now().Sub(start))
	}
}

// sweepExpired removes GTD orders whose deadline passed while resting.
func (tl *tokenLoop) sweepExpired(ctx context.Context, nowMs int64) {
	for _, o := range tl.bk.RestingOrders() {
		if !o.IsExpired(nowMs) {
			continue
		}
		if _, ok := tl.bk.Cancel(o.ID); !ok {
			continue
		}
		o.Expire(nowMs)
		tl.saveOrder(ctx, o)
		tl.releaseMargin(ctx, o)
		tl.publishOrder(o)
		tl.dirty = true
	}
}

// fireTriggers promotes waiting conditional orders whose trigger price the
// market has crossed. The index query is score-resolution coarse, so each
// hit is re-checked against the exact trigger before promotion.
func (tl *tokenLoop) fireTriggers(ctx context.Context, nowMs int64) {
	px := tl.bk.CurrentPrice()
	if !px.IsPositive() {
		return
	}
	fired := tl.e.repos.Orders.TriggeredLong(ctx, tl.token, px)
	fired = append(fired, tl.e.repos.Orders.TriggeredShort(ctx, tl.token, px)...)
	for _, o := range fired {
		if o.Status != types.OrderStatusPending {
			if err := tl.e.repos.Orders.RemoveTrigger(ctx, o); err != nil {
				tl.e.logger.Warn("trigger index cleanup failed", "order", o.ID, "error", err)
			}
			continue
		}
		if !o.ShouldTrigger(px) {
			continue
		}
		if err := tl.e.repos.Orders.RemoveTrigger(ctx, o); err != nil {
			tl.e.logger.Warn("trigger index remove failed", "order", o.ID, "error", err)
			continue
		}
		if o.IsExpired(nowMs) {
			o.Expire(nowMs)
			tl.saveOrder(ctx, o)
			tl.releaseMargin(ctx, o)
			tl.publishOrder(o)
			continue
		}
		o.Trigger(nowMs)
		tl.e.logger.Info("trigger fired", "order", o.ID, "type", o.Type.String(), "trigger", o.TriggerPrice.String(), "price", px.String())
		tl.execute(ctx, o, types.TradeTypeNormal, nowMs)
	}
}

func (tl *tokenLoop) drainIngest(ctx context.Context, head *types.Order, nowMs int64) int {
	n := 0
	if head != nil {
		tl.ingestOne(ctx, head, nowMs)
		n++
	}
	for n < tl.cfg.BatchSize {
		select {
		case o := <-tl.ingestCh:
			tl.ingestOne(ctx, o, nowMs)
			n++
		default:
			return n
		}
	}
	return n
}

func (tl *tokenLoop) ingestOne(ctx context.Context, o *types.Order, nowMs int64) {
	if err := tl.validate(ctx, o, nowMs); err != nil {
		o.Reject(err.Error(), nowMs)
		tl.saveOrder(ctx, o)
		tl.publishOrder(o)
		tl.countOrder("rejected")
		return
	}
	tl.countOrder("accepted")

	// Conditional orders park in the trigger index until the market
	// reaches their trigger price.
	if o.Type.IsConditional() && o.Status == types.OrderStatusPending {
		tl.saveOrder(ctx, o)
		if err := tl.e.repos.Orders.AddTrigger(ctx, o); err != nil {
			o.Reject(err.Error(), nowMs)
			tl.saveOrder(ctx, o)
			tl.releaseMargin(ctx, o)
		}
		tl.publishOrder(o)
		return
	}
	tl.execute(ctx, o, types.TradeTypeNormal, nowMs)
}

// execute inserts an order into the book and settles whatever crossed.
// Remainders the book refuses to hold (market, IOC, FOK leftovers) are
// cancelled and their margin released.
func (tl *tokenLoop) execute(ctx context.Context, o *types.Order, tradeType types.TradeType, nowMs int64) {
	fills, err := tl.bk.Insert(o, nowMs)
	if err != nil {
		o.Reject(err.Error(), nowMs)
		tl.saveOrder(ctx, o)
		tl.releaseMargin(ctx, o)
		tl.publishOrder(o)
		tl.countOrder("rejected")
		return
	}
	if len(fills) > 0 {
		if _, err := tl.ApplyFills(ctx, o, fills, tradeType); err != nil {
			tl.e.logger.Error("fill application failed", "order", o.ID, "error", err)
		}
	}
	resting := tl.bk.ContainsOrder(o.ID)
	if len(fills) > 0 || resting {
		tl.dirty = true
	}
	if o.IsActive() && o.Remaining().IsPositive() && !resting {
		o.Cancel(nowMs)
	}
	tl.saveOrder(ctx, o)
	if o.Status.IsTerminal() {
		tl.releaseMargin(ctx, o)
	}
	tl.publishOrder(o)
}

func (tl *tokenLoop) drainCancels(ctx context.Context, head *cancelReq, nowMs int64) int {
	n := 0
	if head != nil {
		tl.cancelOne(ctx, *head, nowMs)
		n++
	}
	for {
		select {
		case req := <-tl.cancelCh:
			tl.cancelOne(ctx, req, nowMs)
			n++
		default:
			return n
		}
	}
}

func (tl *tokenLoop) cancelOne(ctx context.Context, req cancelReq, nowMs int64) {
	o, err := tl.doCancel(ctx, req, nowMs)
	req.resp <- cancelResult{order: o, err: err}
}

func (tl *tokenLoop) doCancel(ctx context.Context, req cancelReq, nowMs int64) (*types.Order, error) {
	o, err := tl.e.repos.Orders.Get(ctx, req.orderID)
	if err != nil {
		if errors.IsOf(err, store.ErrNotFound) {
			return nil, errors.Wrapf(types.ErrOrderNotFound, "order %s", req.orderID)
		}
		return nil, err
	}
	if o.Token != tl.token {
		return nil, errors.Wrapf(types.ErrOrderNotFound, "order %s is not on %s", req.orderID, tl.token)
	}
	if o.Trader != req.trader {
		return nil, errors.Wrapf(types.ErrInvalidTrader, "order %s belongs to another trader", req.orderID)
	}
	if !o.IsActive() {
		return nil, errors.Wrapf(types.ErrOrderNotActive, "status %s", o.Status)
	}

	if live, ok := tl.bk.Cancel(req.orderID); ok {
		o = live
		tl.dirty = true
	} else if o.Type.IsConditional() && o.Status == types.OrderStatusPending {
		if err := tl.e.repos.Orders.RemoveTrigger(ctx, o); err != nil {
			tl.e.logger.Warn("trigger index remove failed", "order", o.ID, "error", err)
		}
	}
	o.Cancel(nowMs)
	if err := tl.e.repos.Orders.Save(ctx, o); err != nil {
		return nil, err
	}
	tl.releaseMargin(ctx, o)
	tl.publishOrder(o)
	return o, nil
}

func (tl *tokenLoop) drainLiq(ctx context.Context, head *liquidation.Request, nowMs int64) int {
	n := 0
	if head != nil {
		tl.liquidateOne(ctx, *head, nowMs)
		n++
	}
	for {
		select {
		case req := <-tl.liqCh:
			tl.liquidateOne(ctx, req, nowMs)
			n++
		default:
			return n
		}
	}
}

func (tl *tokenLoop) liquidateOne(ctx context.Context, req liquidation.Request, nowMs int64) {
	if _, err := tl.e.liq.Liquidate(ctx, req.Position, tl.bk, tl, nowMs); err != nil {
		tl.e.logger.Error("liquidation failed", "position", req.Position.ID, "error", err)
		if err := tl.e.repos.Positions.ClearLiquidating(ctx, req.Position.ID); err != nil {
			tl.e.logger.Warn("liquidation claim release failed", "position", req.Position.ID, "error", err)
		}
	}
	tl.dirty = true
}

// reseatTrailing ratchets waiting trailing stops after a price move:
// sell-side trails follow a rising market up, buy-side trails follow a
// falling market down. The trigger only ever tightens.
func (tl *tokenLoop) reseatTrailing(ctx context.Context, px sdkmath.Int, nowMs int64) {
	if !px.IsPositive() || px.Equal(tl.lastTrailPx) {
		return
	}
	tl.lastTrailPx = px
	for _, o := range tl.e.repos.Orders.WaitingTriggers(ctx, tl.token) {
		if o.Type != types.OrderTypeTrailingStop || o.Status != types.OrderStatusPending || !o.TrailDelta.IsPositive() {
			continue
		}
		var want sdkmath.Int
		if o.FiresOnFall() {
			want = px.Sub(o.TrailDelta)
			if !want.IsPositive() || want.LTE(o.TriggerPrice) {
				continue
			}
		} else {
			want = px.Add(o.TrailDelta)
			if want.GTE(o.TriggerPrice) {
				continue
			}
		}
		o.TriggerPrice = want
		o.UpdatedAt = nowMs
		if err := tl.e.repos.Orders.ReseatTrigger(ctx, o); err != nil {
			tl.e.logger.Warn("trailing reseat failed", "order", o.ID, "error", err)
		}
	}
}

// claimLiquidatable sweeps the liquidation-price indexes after a book move
// and claims positions the move pushed past their liquidation price, ahead
// of the next risk tick. Index scores are coarse and can lag a save, so
// each hit is re-checked on exact fields; the store claim keeps this sweep
// and the risk pump to one executor per position. Claims are queued, not
// executed inline, so their fills republish through the normal pass.
func (tl *tokenLoop) claimLiquidatable(ctx context.Context, px sdkmath.Int) {
	if !px.IsPositive() || px.Equal(tl.lastLiqPx) {
		return
	}
	tl.lastLiqPx = px
	for _, pos := range tl.e.repos.Positions.Liquidatable(ctx, tl.token, px) {
		if !pos.IsOpen() || pos.IsLiquidating || !pos.LiquidationCrossed(px) {
			continue
		}
		won, err := tl.e.repos.Positions.SetLiquidating(ctx, pos.ID)
		if err != nil {
			tl.e.logger.Warn("liquidation claim failed", "position", pos.ID, "error", err)
			continue
		}
		if !won {
			continue
		}
		pos.IsLiquidating = true
		select {
		case tl.liqCh <- liquidation.Request{Position: pos}:
			tl.e.logger.Info("liquidation price crossed",
				"position", pos.ID, "liqPrice", pos.LiquidationPrice.String(), "price", px.String())
		default:
			if err := tl.e.repos.Positions.ClearLiquidating(ctx, pos.ID); err != nil {
				tl.e.logger.Warn("liquidation claim release failed", "position", pos.ID, "error", err)
			}
		}
	}
}

// rebuild reloads the resting book from the pending index after a restart,
// replaying orders in their original arrival order, and seeds the price
// cache from the stored market stats.
func (tl *tokenLoop) rebuild(ctx context.Context) {
	stats, err := tl.e.repos.Markets.Get(ctx, tl.token)
	if err == nil && stats.LastPrice.IsPositive() {
		tl.bk.SetLastPrice(stats.LastPrice)
		tl.e.setPrice(tl.token, stats.LastPrice)
	}

	pend := tl.e.repos.Orders.PendingByToken(ctx, tl.token)
	sort.Slice(pend, func(i, j int) bool {
		if pend[i].CreatedAt != pend[j].CreatedAt {
			return pend[i].CreatedAt < pend[j].CreatedAt
		}
		return pend[i].ID < pend[j].ID
	})
	for _, o := range pend {
		tl.bk.RestoreResting(o)
	}
	if n := tl.bk.PendingCount(); n > 0 {
		tl.e.logger.Info("book rebuilt", "token", tl.token, "resting", n)
	}

	// A liquidation claim can survive a crash; no executor holds one at
	// boot, so flagged positions go back to the risk pump.
	for _, pos := range tl.e.repos.Positions.ByToken(ctx, tl.token) {
		if !pos.IsLiquidating {
			continue
		}
		if err := tl.e.repos.Positions.ClearLiquidating(ctx, pos.ID); err != nil {
			tl.e.logger.Warn("stale claim release failed", "position", pos.ID, "error", err)
			continue
		}
		tl.e.logger.Info("released stale liquidation claim", "position", pos.ID)
	}
}

// quiesce drains the queues on shutdown so nothing is left half-accepted:
// queued submissions are rejected, queued cancels answered, queued
// liquidation claims released.
func (tl *tokenLoop) quiesce() {
	ctx := context.Background()
	nowMs := tl.e.now().UnixMilli()
	for {
		select {
		case o := <-tl.ingestCh:
			o.Reject("engine shutting down", nowMs)
			tl.saveOrder(ctx, o)
			tl.publishOrder(o)
		case req := <-tl.cancelCh:
			req.resp <- cancelResult{err: errors.Wrap(types.ErrEngineBusy, "engine shutting down")}
		case req := <-tl.liqCh:
			if err := tl.e.repos.Positions.ClearLiquidating(ctx, req.Position.ID); err != nil {
				tl.e.logger.Warn("liquidation claim release failed", "position", req.Position.ID, "error", err)
			}
		default:
			return
		}
	}
}

// releaseMargin returns an order's unsettled frozen margin and fee reserve
// to the trader's available balance. Safe to call more than once.
func (tl *tokenLoop) releaseMargin(ctx context.Context, o *types.Order) {
	if o.ReduceOnly || o.Type == types.OrderTypeLiquidation {
		return
	}
	leftover, err := tl.e.repos.OrderMargins.Release(ctx, o.ID)
	if err != nil {
		tl.e.logger.Warn("order margin release failed", "order", o.ID, "error", err)
		return
	}
	if !leftover.IsPositive() {
		return
	}
	err = tl.e.locker.WithLock(ctx, tl.e.keys.LockBalance(o.Trader), balanceLockTTL, lockRetries, func() error {
		_, uerr := tl.e.repos.Balances.Unfreeze(ctx, o.Trader, leftover)
		return uerr
	})
	if err != nil {
		tl.e.logger.Warn("order margin unfreeze failed", "order", o.ID, "amount", leftover.String(), "error", err)
	}
}

func (tl *tokenLoop) saveOrder(ctx context.Context, o *types.Order) {
	if err := tl.e.repos.Orders.Save(ctx, o); err != nil {
		tl.e.logger.Warn("order save failed", "order", o.ID, "error", err)
		if tl.e.metrics != nil {
			tl.e.metrics.StoreErrors.WithLabelValues("order_save").Inc()
		}
	}
}

func (tl *tokenLoop) publishOrder(o *types.Order) {
	if tl.e.pub != nil {
		tl.e.pub.OrderUpdate(o)
	}
}

func (tl *tokenLoop) publishPosition(pos *types.Position) {
	if tl.e.pub != nil && pos != nil {
		tl.e.pub.PositionUpdate(pos)
	}
}

func (tl *tokenLoop) countOrder(status string) {
	if tl.e.metrics != nil {
		tl.e.metrics.OrdersTotal.WithLabelValues(tl.token, status).Inc()
	}
}
