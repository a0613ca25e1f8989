// Package engine runs the matching core: one single-writer loop per token
// owning that token's book, plus the shared ingest, cancel and liquidation
// entry points. All trades, book mutations and position updates for a
// token are totally ordered by its loop; cross-trader money movement is
// serialized by the per-trader balance lease inside the position manager.
package engine

import (
	"context"
	"sync"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/openalpha/perp-engine/book"
	"github.com/openalpha/perp-engine/liquidation"
	"github.com/openalpha/perp-engine/metrics"
	"github.com/openalpha/perp-engine/pkg/ethsig"
	"github.com/openalpha/perp-engine/position"
	"github.com/openalpha/perp-engine/repo"
	"github.com/openalpha/perp-engine/settlement"
	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/types"
)

// Publisher receives market and account frames. The WebSocket hub
// satisfies it.
type Publisher interface {
	Depth(snap book.Snapshot)
	Trade(t *types.Trade)
	OrderUpdate(o *types.Order)
	PositionUpdate(pos *types.Position)
}

// Config tunes the matching loops.
type Config struct {
	BookImpl     string        // book side implementation, "btree" or "skiplist"
	Tick         time.Duration // loop heartbeat driving sweeps and triggers
	IngestDepth  int           // per-token submission queue
	CancelDepth  int
	LiqDepth     int // per-token liquidation queue
	BatchSize    int // submissions drained per iteration
	DepthLevels  int // levels per side in published snapshots
	ChainID      int64
	JanitorEvery time.Duration // order-margin sweep cadence
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		BookImpl:     book.ImplBTree,
		Tick:         100 * time.Millisecond,
		IngestDepth:  1024,
		CancelDepth:  256,
		LiqDepth:     64,
		BatchSize:    256,
		DepthLevels:  20,
		ChainID:      1,
		JanitorEvery: time.Hour,
	}
}

// Engine owns the token loops and the shared dependencies they run on.
type Engine struct {
	repos   *repo.Repos
	manager *position.Manager
	journal *settlement.Journaller
	locker  *store.Locker
	keys    store.Keys
	signer  *ethsig.Signer
	liq     *liquidation.Liquidator
	markets map[string]types.MarketConfig
	pub     Publisher
	metrics *metrics.Collector
	logger  log.Logger
	cfg     Config

	loops map[string]*tokenLoop

	priceMu sync.RWMutex
	prices  map[string]sdkmath.Int

	now func() time.Time
}

// New wires an engine with one loop per configured market. Loops start on
// Run.
func New(repos *repo.Repos, manager *position.Manager, journal *settlement.Journaller, locker *store.Locker, keys store.Keys, liq *liquidation.Liquidator, markets map[string]types.MarketConfig, pub Publisher, collector *metrics.Collector, cfg Config, logger log.Logger) *Engine {
	def := DefaultConfig()
	if cfg.BookImpl == "" {
		cfg.BookImpl = def.BookImpl
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.IngestDepth <= 0 {
		cfg.IngestDepth = def.IngestDepth
	}
	if cfg.CancelDepth <= 0 {
		cfg.CancelDepth = def.CancelDepth
	}
	if cfg.LiqDepth <= 0 {
		cfg.LiqDepth = def.LiqDepth
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = def.DepthLevels
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = def.ChainID
	}
	if cfg.JanitorEvery <= 0 {
		cfg.JanitorEvery = def.JanitorEvery
	}

	e := &Engine{
		repos:   repos,
		manager: manager,
		journal: journal,
		locker:  locker,
		keys:    keys,
		signer:  ethsig.New(cfg.ChainID),
		liq:     liq,
		markets: markets,
		pub:     pub,
		metrics: collector,
		logger:  logger.With("module", "engine"),
		cfg:     cfg,
		loops:   make(map[string]*tokenLoop, len(markets)),
		prices:  make(map[string]sdkmath.Int, len(markets)),
		now:     time.Now,
	}
	for token, mcfg := range markets {
		e.loops[token] = newTokenLoop(e, token, mcfg)
	}
	return e
}

// Run starts every token loop and the order-margin janitor and blocks
// until ctx ends and the loops have quiesced.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, tl := range e.loops {
		wg.Add(1)
		go func(tl *tokenLoop) {
			defer wg.Done()
			tl.run(ctx)
		}(tl)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.janitor(ctx)
	}()
	wg.Wait()
}

// Ingest queues a signed order submission for its token's loop. The order
// is validated on the loop; queue overflow is reported here so the caller
// can surface backpressure.
func (e *Engine) Ingest(ctx context.Context, o *types.Order) error {
	tl, ok := e.loops[o.Token]
	if !ok {
		return errors.Wrapf(types.ErrMarketNotFound, "token %s", o.Token)
	}
	e.sanitize(o)
	select {
	case tl.ingestCh <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.Wrapf(types.ErrEngineBusy, "token %s", o.Token)
	}
}

// sanitize normalizes a decoded submission: nil amounts read as zero and
// the server-owned fields are reset no matter what the client sent. None
// of these fields are under the signature, so resetting them cannot break
// recovery.
func (e *Engine) sanitize(o *types.Order) {
	zero := sdkmath.ZeroInt()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Size.IsNil() {
		o.Size = zero
	}
	if o.Price.IsNil() {
		o.Price = zero
	}
	if o.TriggerPrice.IsNil() {
		o.TriggerPrice = zero
	}
	if o.TrailDelta.IsNil() {
		o.TrailDelta = zero
	}
	o.FilledSize = zero
	o.AvgFillPrice = zero
	o.Margin = zero
	o.Status = types.OrderStatusPending
	o.RejectReason = ""
	nowMs := e.now().UnixMilli()
	if o.CreatedAt == 0 {
		o.CreatedAt = nowMs
	}
	o.UpdatedAt = nowMs
}

// Cancel asks the owning loop to remove an order from its book or trigger
// index. Only the order's trader may cancel it.
func (e *Engine) Cancel(ctx context.Context, token, orderID, trader string) (*types.Order, error) {
	tl, ok := e.loops[token]
	if !ok {
		return nil, errors.Wrapf(types.ErrMarketNotFound, "token %s", token)
	}
	norm, err := ethsig.Normalize(trader)
	if err != nil {
		return nil, err
	}
	req := cancelReq{orderID: orderID, trader: norm, resp: make(chan cancelResult, 1)}
	select {
	case tl.cancelCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, errors.Wrapf(types.ErrEngineBusy, "token %s", token)
	}
	select {
	case res := <-req.resp:
		return res.order, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Book returns the token's book for read-only snapshot queries. All
// mutation happens on the owning loop.
func (e *Engine) Book(token string) (*book.Book, bool) {
	tl, ok := e.loops[token]
	if !ok {
		return nil, false
	}
	return tl.bk, true
}

// Markets returns the static market registry.
func (e *Engine) Markets() map[string]types.MarketConfig {
	return e.markets
}

// CurrentPrice returns the latest price the token's loop published, zero
// when none exists yet. It serves the risk loop's PriceSource.
func (e *Engine) CurrentPrice(token string) sdkmath.Int {
	e.priceMu.RLock()
	defer e.priceMu.RUnlock()
	if px, ok := e.prices[token]; ok {
		return px
	}
	return sdkmath.ZeroInt()
}

func (e *Engine) setPrice(token string, px sdkmath.Int) {
	if !px.IsPositive() {
		return
	}
	e.priceMu.Lock()
	e.prices[token] = px
	e.priceMu.Unlock()
}

// EnqueueLiquidation hands a claimed liquidation to the token's loop. It
// serves the liquidation service's Sink; false tells the service to
// release the claim.
func (e *Engine) EnqueueLiquidation(req liquidation.Request) bool {
	tl, ok := e.loops[req.Position.Token]
	if !ok {
		return false
	}
	select {
	case tl.liqCh <- req:
		return true
	default:
		return false
	}
}

// janitor prunes order-margin index members whose hashes have expired.
func (e *Engine) janitor(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.JanitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.repos.OrderMargins.Sweep(ctx); err != nil {
				e.logger.Warn("order margin sweep failed", "error", err)
			}
		}
	}
}
