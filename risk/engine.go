// Package risk runs the revaluation loop. Every tick each open position is
// marked to its token's order-book price, its risk indicators recomputed,
// warnings emitted on level transitions, and critical positions queued for
// the liquidation service. Derived fields are written back to the store on
// a slower cadence than they are broadcast.
package risk

import (
	"context"
	"sort"
	"time"

	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/fixedpoint"
	"github.com/openalpha/perp-engine/metrics"
	"github.com/openalpha/perp-engine/repo"
	"github.com/openalpha/perp-engine/types"
)

// maxRatioBp stands in for an infinite margin ratio once margin is gone.
const maxRatioBp int64 = 999_999

// PriceSource yields a token's current order-book price. Zero means no
// price is available and the token's positions sit out the tick.
type PriceSource interface {
	CurrentPrice(token string) sdkmath.Int
}

// Publisher receives per-position risk frames and warning events.
type Publisher interface {
	RiskUpdate(pos *types.Position)
	MarginWarning(pos *types.Position)
	LiquidationWarning(pos *types.Position, urgency int64)
}

// Candidate is a critical position handed to the liquidation service.
type Candidate struct {
	Position *types.Position
	RatioBp  int64
	Urgency  int64 // 0..100
}

// RatioStrategy derives the initial-margin rate (bp) a position is held
// to. The stock formula ignores the mark price entirely; whether that is
// deliberate upstream is unsettled, so the alternative ships behind
// configuration instead of a silent fix.
type RatioStrategy func(pos *types.Position, mark sdkmath.Int) int64

// LeverageOnly is the stock strategy: RateScale^2 / leverage.
func LeverageOnly(pos *types.Position, _ sdkmath.Int) int64 {
	return fixedpoint.InitialMarginBp(pos.Leverage)
}

// MarkAware rates the position by the collateral it actually holds against
// its notional at the mark.
func MarkAware(pos *types.Position, mark sdkmath.Int) int64 {
	notional := fixedpoint.Notional(pos.Size, mark)
	if !notional.IsPositive() {
		return fixedpoint.RateScale
	}
	bp := pos.Collateral.MulRaw(fixedpoint.RateScale).Quo(notional)
	if !bp.IsInt64() || bp.Int64() >= fixedpoint.RateScale {
		return fixedpoint.RateScale
	}
	if v := bp.Int64(); v > 0 {
		return v
	}
	return 1
}

// StrategyByName maps a config string to a strategy, defaulting to
// LeverageOnly.
func StrategyByName(name string) RatioStrategy {
	if name == "mark_aware" {
		return MarkAware
	}
	return LeverageOnly
}

// Config tunes the risk loop.
type Config struct {
	Interval    time.Duration // tick interval
	SlowTick    time.Duration // iterations above this log a warning
	WriteEveryN int           // store write-back every Nth tick
	QueueDepth  int           // liquidation candidate buffer
	Strategy    RatioStrategy
}

// DefaultConfig returns the production defaults: 100 ms ticks, 50 ms slow
// threshold, write-back every 10th tick.
func DefaultConfig() Config {
	return Config{
		Interval:    100 * time.Millisecond,
		SlowTick:    50 * time.Millisecond,
		WriteEveryN: 10,
		QueueDepth:  256,
		Strategy:    LeverageOnly,
	}
}

// Engine is the risk loop. Tick state (level tracking, tick counter) is
// owned by the single Run goroutine.
type Engine struct {
	repos   *repo.Repos
	prices  PriceSource
	markets map[string]types.MarketConfig
	pub     Publisher
	metrics *metrics.Collector
	logger  log.Logger
	cfg     Config

	candidates chan Candidate
	lastLevel  map[string]types.RiskLevel
	ticks      int
	now        func() time.Time
}

// New wires a risk engine over the given markets.
func New(repos *repo.Repos, prices PriceSource, markets map[string]types.MarketConfig, cfg Config, pub Publisher, collector *metrics.Collector, logger log.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SlowTick <= 0 {
		cfg.SlowTick = def.SlowTick
	}
	if cfg.WriteEveryN <= 0 {
		cfg.WriteEveryN = def.WriteEveryN
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.Strategy == nil {
		cfg.Strategy = def.Strategy
	}
	return &Engine{
		repos:      repos,
		prices:     prices,
		markets:    markets,
		pub:        pub,
		metrics:    collector,
		logger:     logger.With("module", "risk"),
		cfg:        cfg,
		candidates: make(chan Candidate, cfg.QueueDepth),
		lastLevel:  make(map[string]types.RiskLevel),
		now:        time.Now,
	}
}

// Candidates is the stream of critical positions, most urgent first within
// each tick.
func (e *Engine) Candidates() <-chan Candidate {
	return e.candidates
}

// Run ticks until the context ends. An overrunning iteration delays the
// next tick but overruns are never queued up.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			e.Tick(ctx)
			elapsed := time.Since(start)
			if e.metrics != nil {
				e.metrics.ObserveRiskTick(elapsed)
			}
			if elapsed > e.cfg.SlowTick {
				e.logger.Warn("risk tick overran", "elapsed", elapsed)
			}
		}
	}
}

// Tick revalues every open position once.
func (e *Engine) Tick(ctx context.Context) {
	open := e.repos.Positions.AllOpen(ctx)
	e.ticks++
	writeBack := e.ticks%e.cfg.WriteEveryN == 0

	nowMs := e.now().UnixMilli()
	prices := make(map[string]sdkmath.Int)
	perToken := make(map[string]int)
	seen := make(map[string]struct{}, len(open))
	upnl := make(map[string]sdkmath.Int)
	var (
		batch      []*types.Position
		cands      []Candidate
		profitable []*types.Position
	)

	for _, pos := range open {
		perToken[pos.Token]++
		price, ok := prices[pos.Token]
		if !ok {
			price = e.prices.CurrentPrice(pos.Token)
			prices[pos.Token] = price
		}
		if price.IsZero() {
			continue
		}
		seen[pos.ID] = struct{}{}

		prev, tracked := e.lastLevel[pos.ID]
		if !tracked {
			// First sight after boot: trust the stored level so a
			// restart does not replay warnings.
			prev = pos.RiskLevel
		}

		e.revalue(pos, price, nowMs)

		if agg, ok := upnl[pos.Trader]; ok {
			upnl[pos.Trader] = agg.Add(pos.UnrealizedPnL)
		} else {
			upnl[pos.Trader] = pos.UnrealizedPnL
		}

		level := levelFor(pos.MarginRatio)
		pos.RiskLevel = level
		pos.IsLiquidatable = level == types.RiskLevelCritical
		e.lastLevel[pos.ID] = level

		switch {
		case level == types.RiskLevelCritical:
			urgency := (pos.MarginRatio - fixedpoint.RateScale) / 100
			if urgency > 100 {
				urgency = 100
			}
			if prev != types.RiskLevelCritical && e.pub != nil {
				e.pub.LiquidationWarning(pos, urgency)
			}
			if !pos.IsLiquidating {
				cands = append(cands, Candidate{Position: pos, RatioBp: pos.MarginRatio, Urgency: urgency})
			}
		case level == types.RiskLevelHigh && (prev == types.RiskLevelLow || prev == types.RiskLevelMedium):
			if e.pub != nil {
				e.pub.MarginWarning(pos)
			}
		}

		if pos.UnrealizedPnL.IsPositive() {
			profitable = append(profitable, pos)
		} else {
			pos.ADLRank = 0
			pos.IsAdlCandidate = false
		}
		batch = append(batch, pos)
	}

	rankADL(profitable)

	if e.pub != nil {
		for _, pos := range batch {
			e.pub.RiskUpdate(pos)
		}
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].RatioBp > cands[j].RatioBp })
	for _, c := range cands {
		select {
		case e.candidates <- c:
		default:
			e.logger.Warn("liquidation queue full, candidate dropped", "position", c.Position.ID, "ratio", c.RatioBp)
		}
	}

	for id := range e.lastLevel {
		if _, ok := seen[id]; !ok {
			delete(e.lastLevel, id)
		}
	}

	if e.metrics != nil {
		for token, n := range perToken {
			e.metrics.OpenPositions.WithLabelValues(token).Set(float64(n))
		}
	}

	if writeBack {
		if err := e.repos.Positions.WriteRiskFields(ctx, batch); err != nil {
			e.logger.Error("risk write-back failed", "error", err)
			if e.metrics != nil {
				e.metrics.StoreErrors.WithLabelValues("risk_writeback").Inc()
			}
		}
		for trader, total := range upnl {
			if err := e.repos.Balances.SetUnrealized(ctx, trader, total); err != nil {
				e.logger.Warn("unrealized pnl write failed", "trader", trader, "error", err)
			}
		}
		if e.metrics != nil {
			fund := e.repos.Insurance.Balance(ctx)
			e.metrics.InsuranceBalance.Set(float64(fund.Quo(fixedpoint.PriceScale).Int64()))
		}
	}
}

func (e *Engine) revalue(pos *types.Position, price sdkmath.Int, nowMs int64) {
	imr := e.cfg.Strategy(pos, price)
	var baseMMR int64
	if cfg, ok := e.markets[pos.Token]; ok {
		baseMMR = cfg.BaseMMR
	}
	mmr := fixedpoint.CapMMRBp(baseMMR, imr)

	pos.Revalue(price, nowMs)
	pos.MMR = mmr
	pos.MaintenanceMargin = fixedpoint.ApplyRate(pos.NotionalAt(price), mmr)
	pos.RecomputeLiquidationPrice()
	pos.MarginRatio = ratioBp(pos.MaintenanceMargin, pos.Margin)
	pos.ROE = clampBp(pos.UnrealizedPnL, pos.Collateral)
	pos.ADLScore = adlScore(pos)
}

// rankADL buckets profitable positions 1..5 by score quintile, bucket 1
// being the first to unwind. Ties break by id so reruns are stable.
func rankADL(profitable []*types.Position) {
	n := len(profitable)
	if n == 0 {
		return
	}
	sort.Slice(profitable, func(i, j int) bool {
		if profitable[i].ADLScore != profitable[j].ADLScore {
			return profitable[i].ADLScore > profitable[j].ADLScore
		}
		return profitable[i].ID < profitable[j].ID
	})
	for i, pos := range profitable {
		pos.ADLRank = int64(i*5/n) + 1
		pos.IsAdlCandidate = true
	}
}

// levelFor classifies a margin ratio in basis points.
func levelFor(ratio int64) types.RiskLevel {
	switch {
	case ratio >= fixedpoint.RateScale:
		return types.RiskLevelCritical
	case ratio >= 8000:
		return types.RiskLevelHigh
	case ratio >= 5000:
		return types.RiskLevelMedium
	default:
		return types.RiskLevelLow
	}
}

// ratioBp is maintenance*RateScale/margin. Non-positive margin reads as
// infinite risk.
func ratioBp(maintenance, margin sdkmath.Int) int64 {
	if !margin.IsPositive() {
		return maxRatioBp
	}
	r := maintenance.MulRaw(fixedpoint.RateScale).Quo(margin)
	if !r.IsInt64() || r.Int64() > maxRatioBp {
		return maxRatioBp
	}
	return r.Int64()
}

// clampBp is numer*RateScale/denom clamped to ±maxRatioBp.
func clampBp(numer, denom sdkmath.Int) int64 {
	if !denom.IsPositive() {
		return 0
	}
	r := numer.MulRaw(fixedpoint.RateScale).Quo(denom)
	if !r.IsInt64() {
		if r.IsNegative() {
			return -maxRatioBp
		}
		return maxRatioBp
	}
	v := r.Int64()
	if v > maxRatioBp {
		return maxRatioBp
	}
	if v < -maxRatioBp {
		return -maxRatioBp
	}
	return v
}

// adlScore ranks by profit against the collateral originally posted, not
// the margin it may have eroded to.
func adlScore(pos *types.Position) int64 {
	if !pos.Collateral.IsPositive() {
		return 0
	}
	s := pos.UnrealizedPnL.Abs().MulRaw(pos.Leverage).Quo(pos.Collateral)
	if !s.IsInt64() || s.Int64() > maxRatioBp {
		return maxRatioBp
	}
	return s.Int64()
}
