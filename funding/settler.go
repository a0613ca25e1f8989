// Package funding implements the fixed-rate funding cycle: on a fixed
// interval every open position pays collateral*rate into the insurance
// fund (and optionally an LP pool), both sides alike.
package funding

import (
	"context"
	"time"

	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/fixedpoint"
	"github.com/openalpha/perp-engine/metrics"
	"github.com/openalpha/perp-engine/repo"
	"github.com/openalpha/perp-engine/settlement"
	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/types"
)

const (
	fundingLockTTL = 5 * time.Second
	balanceLockTTL = 2 * time.Second
)

// Publisher receives funding frames. The WebSocket hub satisfies it; tests
// use a recorder.
type Publisher interface {
	FundingRate(token string, rateBp, nextFundingMs int64)
	PositionUpdate(pos *types.Position)
}

// Config tunes the funding cycle.
type Config struct {
	Interval  time.Duration // settlement interval between charges
	Poll      time.Duration // how often due tokens are checked
	RateBp    int64         // charge per interval, basis points of collateral
	LPShareBp int64         // share of the flow routed to the LP pool
}

// DefaultConfig returns the production defaults: 5 minute interval,
// 10 second poll, 1 bp rate, no LP share.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute, Poll: 10 * time.Second, RateBp: 1}
}

// Settler drives funding settlements across the configured tokens.
type Settler struct {
	repos   *repo.Repos
	journal *settlement.Journaller
	locker  *store.Locker
	keys    store.Keys
	logger  log.Logger
	cfg     Config
	pub     Publisher
	metrics *metrics.Collector
	tokens  []string
	now     func() time.Time
}

// New wires a settler for the given tokens.
func New(repos *repo.Repos, journal *settlement.Journaller, locker *store.Locker, keys store.Keys, tokens []string, cfg Config, pub Publisher, collector *metrics.Collector, logger log.Logger) *Settler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultConfig().Poll
	}
	return &Settler{
		repos:   repos,
		journal: journal,
		locker:  locker,
		keys:    keys,
		logger:  logger.With("module", "funding"),
		cfg:     cfg,
		pub:     pub,
		metrics: collector,
		tokens:  tokens,
		now:     time.Now,
	}
}

// Run polls for due tokens until the context ends.
func (s *Settler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll settles every token whose next funding time has passed.
func (s *Settler) Poll(ctx context.Context) {
	now := s.now().UnixMilli()
	for _, token := range s.tokens {
		stats, err := s.repos.Markets.Get(ctx, token)
		if err != nil {
			s.logger.Warn("market stats read failed", "token", token, "error", err)
			continue
		}
		if stats.NextFundingTime > now {
			continue
		}
		if err := s.Settle(ctx, token); err != nil {
			s.logger.Error("funding settlement failed", "token", token, "error", err)
		}
	}
}

// Settle runs one funding cycle for token under the funding lease. A
// contended lease means another instance is already settling; that is not
// an error.
func (s *Settler) Settle(ctx context.Context, token string) error {
	release, ok, err := s.locker.TryLock(ctx, s.keys.LockFunding(token), fundingLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debug("funding lease contended, skipping", "token", token)
		return nil
	}
	defer release()
	return s.settleLocked(ctx, token)
}

func (s *Settler) settleLocked(ctx context.Context, token string) error {
	now := s.now().UnixMilli()
	positions := s.repos.Positions.ByToken(ctx, token)
	total := sdkmath.ZeroInt()
	charged := 0

	for _, pos := range positions {
		fee := fixedpoint.ApplyRate(pos.Collateral, s.cfg.RateBp)
		if fee.GT(pos.Collateral) {
			fee = pos.Collateral
		}
		if !fee.IsPositive() {
			continue
		}
		if err := s.charge(ctx, pos, fee, now); err != nil {
			s.logger.Warn("funding charge failed", "position", pos.ID, "error", err)
			continue
		}
		total = total.Add(fee)
		charged++
	}

	if total.IsPositive() {
		lpShare := fixedpoint.ApplyRate(total, s.cfg.LPShareBp)
		if lpShare.IsPositive() {
			if _, err := s.repos.Insurance.CreditLP(ctx, lpShare); err != nil {
				return err
			}
		}
		if _, err := s.repos.Insurance.Credit(ctx, total.Sub(lpShare)); err != nil {
			return err
		}
	}

	next := s.advance(ctx, token, now)
	if s.pub != nil {
		s.pub.FundingRate(token, s.cfg.RateBp, next)
	}
	if s.metrics != nil {
		s.metrics.FundingSettlements.WithLabelValues(token).Inc()
	}
	s.logger.Info("funding settled", "token", token, "positions", charged, "total", total.String())
	return nil
}

// charge deducts one position's funding fee under its trader's balance
// lease and journals it.
func (s *Settler) charge(ctx context.Context, pos *types.Position, fee sdkmath.Int, nowMs int64) error {
	return s.locker.WithLock(ctx, s.keys.LockBalance(pos.Trader), balanceLockTTL, 3, func() error {
		before, err := s.repos.Balances.Get(ctx, pos.Trader)
		if err != nil {
			return err
		}
		bal, err := s.repos.Balances.DeductFunding(ctx, pos.Trader, fee)
		if err != nil {
			return err
		}

		pos.Collateral = pos.Collateral.Sub(fee)
		pos.AccumulatedFunding = pos.AccumulatedFunding.Add(fee)
		mark := pos.MarkPrice
		if mark.IsZero() {
			mark = pos.AvgEntry
		}
		pos.RecomputeLiquidationPrice()
		pos.RecomputeBankruptcyPrice()
		pos.RecomputeBreakEvenPrice()
		pos.Revalue(mark, nowMs)
		if err := s.repos.Positions.Save(ctx, pos); err != nil {
			return err
		}

		entry := s.journal.NewEntry(pos.Trader, pos.Token, pos.ID, types.SettlementFundingFee, fee.Neg(), before.Wallet, bal.Wallet)
		entry.Proof = settlement.MustProof(types.FundingProof{
			PositionID:  pos.ID,
			FundingRate: s.cfg.RateBp,
			Amount:      fee.Neg().String(),
			Destination: "insurance",
		})
		if err := s.journal.Journal(ctx, entry); err != nil {
			return err
		}
		if s.pub != nil {
			s.pub.PositionUpdate(pos)
		}
		return nil
	})
}

// advance moves the token's next funding time forward one interval. A
// stale or unset schedule restarts from now so a long outage does not
// replay every missed interval at once.
func (s *Settler) advance(ctx context.Context, token string, nowMs int64) int64 {
	stats, err := s.repos.Markets.Get(ctx, token)
	if err != nil {
		s.logger.Warn("market stats read failed", "token", token, "error", err)
	}
	base := stats.NextFundingTime
	if base == 0 {
		base = nowMs
	}
	next := base + s.cfg.Interval.Milliseconds()
	if err := s.repos.Markets.UpdateFunding(ctx, token, s.cfg.RateBp, next); err != nil {
		s.logger.Warn("funding schedule write failed", "token", token, "error", err)
	}
	return next
}
