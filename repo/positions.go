package repo

import (
	"context"
	"math"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/fixedpoint"
	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/types"
)

// Positions stores positions under position:<id> with membership indexes
// per user, per token and the global open set scanned by the risk loop,
// plus per-side liquidation-price indexes the matching loops watch.
type Positions struct {
	s      store.Store
	k      store.Keys
	logger log.Logger
}

// Save persists the position and keeps its index membership in step with
// its status: open positions are indexed, closed ones drop out. The
// liquidation index carries the trade-path liquidation price; the risk
// loop's per-tick refinements are caught by its own scan.
func (r *Positions) Save(ctx context.Context, p *types.Position) error {
	pipe := r.s.Pipeline()
	pipe.HSet(r.k.Position(p.ID), p.Hash())
	if p.IsOpen() {
		pipe.SAdd(r.k.UserPositions(p.Trader), p.ID)
		pipe.SAdd(r.k.TokenPositions(p.Token), p.ID)
		pipe.SAdd(r.k.AllPositions(), p.ID)
		if score, ok := fixedpoint.Score(p.LiquidationPrice); ok && p.LiquidationPrice.IsPositive() {
			pipe.ZAdd(r.liquidationKey(p), score, p.ID)
		} else {
			pipe.ZRem(r.liquidationKey(p), p.ID)
		}
	} else {
		pipe.SRem(r.k.UserPositions(p.Trader), p.ID)
		pipe.SRem(r.k.TokenPositions(p.Token), p.ID)
		pipe.SRem(r.k.AllPositions(), p.ID)
		pipe.ZRem(r.liquidationKey(p), p.ID)
	}
	if err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "save position %s", p.ID)
	}
	return nil
}

func (r *Positions) liquidationKey(p *types.Position) string {
	if p.IsLong {
		return r.k.LiquidationLong(p.Token)
	}
	return r.k.LiquidationShort(p.Token)
}

// Get loads one position; store.ErrNotFound when the hash is missing.
func (r *Positions) Get(ctx context.Context, id string) (*types.Position, error) {
	h, err := r.s.HGetAll(ctx, r.k.Position(id))
	if err != nil {
		return nil, errors.Wrapf(err, "get position %s", id)
	}
	if len(h) == 0 {
		return nil, errors.Wrapf(store.ErrNotFound, "position %s", id)
	}
	return types.PositionFromHash(h), nil
}

// Delete removes the hash and all index memberships.
func (r *Positions) Delete(ctx context.Context, p *types.Position) error {
	pipe := r.s.Pipeline()
	pipe.Del(r.k.Position(p.ID))
	pipe.SRem(r.k.UserPositions(p.Trader), p.ID)
	pipe.SRem(r.k.TokenPositions(p.Token), p.ID)
	pipe.SRem(r.k.AllPositions(), p.ID)
	pipe.ZRem(r.liquidationKey(p), p.ID)
	return pipe.Exec(ctx)
}

// ByUser lists a trader's open positions. Store failures degrade to an
// empty slice.
func (r *Positions) ByUser(ctx context.Context, addr string) []*types.Position {
	return r.byIndex(ctx, r.k.UserPositions(addr))
}

// ByToken lists a token's open positions.
func (r *Positions) ByToken(ctx context.Context, token string) []*types.Position {
	return r.byIndex(ctx, r.k.TokenPositions(token))
}

// AllOpen lists every open position with one pipelined hash read; the risk
// loop calls this each tick. Stale index members whose hash has vanished
// are pruned on the way through.
func (r *Positions) AllOpen(ctx context.Context) []*types.Position {
	return r.byIndex(ctx, r.k.AllPositions())
}

func (r *Positions) byIndex(ctx context.Context, indexKey string) []*types.Position {
	ids, err := r.s.SMembers(ctx, indexKey)
	if err != nil {
		r.logger.Warn("position index read failed", "key", indexKey, "error", err)
		return nil
	}
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.k.Position(id)
	}
	hashes, err := r.s.HGetAllMulti(ctx, keys)
	if err != nil {
		r.logger.Warn("position batch read failed", "key", indexKey, "error", err)
		return nil
	}
	out := make([]*types.Position, 0, len(hashes))
	var stale []string
	for i, h := range hashes {
		if len(h) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, types.PositionFromHash(h))
	}
	if len(stale) > 0 {
		if err := r.s.SRem(ctx, indexKey, stale...); err == nil {
			r.logger.Info("pruned stale position index members", "key", indexKey, "count", len(stale))
		}
	}
	return out
}

// Liquidatable returns the token's open positions whose indexed
// liquidation price the market has reached: longs liquidate into a falling
// market, shorts into a rising one. Scores are coarse and can lag the risk
// loop's refinements, so callers re-check the exact prices.
func (r *Positions) Liquidatable(ctx context.Context, token string, price sdkmath.Int) []*types.Position {
	score, ok := fixedpoint.Score(price)
	if !ok {
		return nil
	}
	var ids []string
	longs, err := r.s.ZRangeByScore(ctx, r.k.LiquidationLong(token), score, math.Inf(1))
	if err != nil {
		r.logger.Warn("liquidation index read failed", "token", token, "side", "long", "error", err)
	} else {
		ids = append(ids, longs...)
	}
	shorts, err := r.s.ZRangeByScore(ctx, r.k.LiquidationShort(token), math.Inf(-1), score)
	if err != nil {
		r.logger.Warn("liquidation index read failed", "token", token, "side", "short", "error", err)
	} else {
		ids = append(ids, shorts...)
	}
	return r.fetch(ctx, ids)
}

func (r *Positions) fetch(ctx context.Context, ids []string) []*types.Position {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.k.Position(id)
	}
	hashes, err := r.s.HGetAllMulti(ctx, keys)
	if err != nil {
		r.logger.Warn("position batch read failed", "count", len(ids), "error", err)
		return nil
	}
	out := make([]*types.Position, 0, len(hashes))
	for _, h := range hashes {
		if len(h) == 0 {
			continue
		}
		out = append(out, types.PositionFromHash(h))
	}
	return out
}

// SetLiquidating claims the position for liquidation. The claim is a
// compare-and-set on a hash field the full-save writer never touches, so
// exactly one caller wins even across processes.
func (r *Positions) SetLiquidating(ctx context.Context, id string) (bool, error) {
	ok, err := r.s.HSetNX(ctx, r.k.Position(id), "isLiquidating", "1")
	if err != nil {
		return false, errors.Wrapf(err, "claim liquidation %s", id)
	}
	return ok, nil
}

// ClearLiquidating releases the liquidation claim.
func (r *Positions) ClearLiquidating(ctx context.Context, id string) error {
	return r.s.HDel(ctx, r.k.Position(id), "isLiquidating")
}

// WriteRiskFields writes the risk loop's derived fields for a batch of
// positions in one pipeline, leaving all trade-owned fields untouched.
func (r *Positions) WriteRiskFields(ctx context.Context, batch []*types.Position) error {
	if len(batch) == 0 {
		return nil
	}
	pipe := r.s.Pipeline()
	for _, p := range batch {
		pipe.HSet(r.k.Position(p.ID), map[string]string{
			"markPrice":         p.MarkPrice.String(),
			"unrealizedPnl":     p.UnrealizedPnL.String(),
			"margin":            p.Margin.String(),
			"mmr":               formatInt64(p.MMR),
			"maintenanceMargin": p.MaintenanceMargin.String(),
			"liquidationPrice":  p.LiquidationPrice.String(),
			"marginRatio":       formatInt64(p.MarginRatio),
			"roe":               formatInt64(p.ROE),
			"adlScore":          formatInt64(p.ADLScore),
			"adlRank":           formatInt64(p.ADLRank),
			"riskLevel":         formatInt64(int64(p.RiskLevel)),
			"isLiquidatable":    formatBool(p.IsLiquidatable),
			"isAdlCandidate":    formatBool(p.IsAdlCandidate),
			"updatedAt":         formatInt64(p.UpdatedAt),
		})
	}
	if err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "risk write-back")
	}
	return nil
}
