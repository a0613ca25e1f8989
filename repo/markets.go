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

// Markets stores the rolling per-token stats hash. The engine loop that
// owns a token is the only writer of its stats, so partial updates need
// no lock.
type Markets struct {
	s      store.Store
	k      store.Keys
	logger log.Logger
}

// Get loads a token's stats; missing hashes read as zeroed stats.
func (r *Markets) Get(ctx context.Context, token string) (*types.MarketStats, error) {
	h, err := r.s.HGetAll(ctx, r.k.MarketStats(token))
	if err != nil {
		return types.NewMarketStats(token), errors.Wrapf(err, "get market stats %s", token)
	}
	if len(h) == 0 {
		return types.NewMarketStats(token), nil
	}
	m := types.MarketStatsFromHash(h)
	if m.Token == "" {
		m.Token = token
	}
	return m, nil
}

// Save persists the full stats hash.
func (r *Markets) Save(ctx context.Context, m *types.MarketStats) error {
	m.UpdatedAt = time.Now().UnixMilli()
	if err := r.s.HSet(ctx, r.k.MarketStats(m.Token), m.Hash()); err != nil {
		return errors.Wrapf(err, "save market stats %s", m.Token)
	}
	return nil
}

// UpdateLast writes the last trade price.
func (r *Markets) UpdateLast(ctx context.Context, token string, price sdkmath.Int) error {
	return r.partial(ctx, token, map[string]string{"lastPrice": price.String()})
}

// UpdateMark writes the mark price.
func (r *Markets) UpdateMark(ctx context.Context, token string, price sdkmath.Int) error {
	return r.partial(ctx, token, map[string]string{"markPrice": price.String()})
}

// UpdateFunding writes the funding rate and the next funding time.
func (r *Markets) UpdateFunding(ctx context.Context, token string, rateBp, nextMs int64) error {
	return r.partial(ctx, token, map[string]string{
		"fundingRate":     formatInt64(rateBp),
		"nextFundingTime": formatInt64(nextMs),
	})
}

// AdjustOI moves open interest by the given deltas. Read-modify-write is
// safe under the single-writer loop.
func (r *Markets) AdjustOI(ctx context.Context, token string, longDelta, shortDelta sdkmath.Int) (*types.MarketStats, error) {
	m, err := r.Get(ctx, token)
	if err != nil {
		return m, err
	}
	m.OpenInterestLong = clampZero(m.OpenInterestLong.Add(longDelta))
	m.OpenInterestShort = clampZero(m.OpenInterestShort.Add(shortDelta))
	if err := r.partial(ctx, token, map[string]string{
		"openInterestLong":  m.OpenInterestLong.String(),
		"openInterestShort": m.OpenInterestShort.String(),
	}); err != nil {
		return m, err
	}
	return m, nil
}

func (r *Markets) partial(ctx context.Context, token string, fields map[string]string) error {
	fields["token"] = token
	fields["updatedAt"] = formatInt64(time.Now().UnixMilli())
	if err := r.s.HSet(ctx, r.k.MarketStats(token), fields); err != nil {
		return errors.Wrapf(err, "update market stats %s", token)
	}
	return nil
}

func clampZero(v sdkmath.Int) sdkmath.Int {
	if v.IsNegative() {
		return sdkmath.ZeroInt()
	}
	return v
}
