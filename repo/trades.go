package repo

import (
	"context"
	"math"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/types"
)

const (
	tradeTTL      = 30 * 24 * time.Hour
	tradeIndexCap = 1000
)

// Trades stores per-side fill records under perp:trade:<id> with a 30 day
// TTL, indexed per trader and per token by timestamp. Both indexes are
// capped at the newest 1000 entries.
type Trades struct {
	s      store.Store
	k      store.Keys
	logger log.Logger
}

// Save persists the trade and its two index memberships in one pipeline.
func (r *Trades) Save(ctx context.Context, t *types.Trade) error {
	score := float64(t.Timestamp)
	pipe := r.s.Pipeline()
	pipe.HSet(r.k.Trade(t.ID), t.Hash())
	pipe.Expire(r.k.Trade(t.ID), tradeTTL)
	pipe.ZAdd(r.k.UserTrades(t.Trader), score, t.ID)
	pipe.ZRemRangeByRank(r.k.UserTrades(t.Trader), 0, -(tradeIndexCap + 1))
	pipe.ZAdd(r.k.TokenTrades(t.Token), score, t.ID)
	pipe.ZRemRangeByRank(r.k.TokenTrades(t.Token), 0, -(tradeIndexCap + 1))
	if err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "save trade %s", t.ID)
	}
	return nil
}

// Recent lists a token's trades newest first, at most limit of them.
func (r *Trades) Recent(ctx context.Context, token string, limit int) []*types.Trade {
	return r.byIndex(ctx, r.k.TokenTrades(token), limit)
}

// ByUser lists a trader's trades newest first.
func (r *Trades) ByUser(ctx context.Context, addr string, limit int) []*types.Trade {
	return r.byIndex(ctx, r.k.UserTrades(addr), limit)
}

func (r *Trades) byIndex(ctx context.Context, indexKey string, limit int) []*types.Trade {
	ids, err := r.s.ZRangeByScore(ctx, indexKey, math.Inf(-1), math.Inf(1))
	if err != nil {
		r.logger.Warn("trade index read failed", "key", indexKey, "error", err)
		return nil
	}
	if len(ids) == 0 {
		return nil
	}
	// Index is ascending by time; callers want newest first.
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[len(ids)-1-i] = r.k.Trade(id)
	}
	hashes, err := r.s.HGetAllMulti(ctx, keys)
	if err != nil {
		r.logger.Warn("trade batch read failed", "key", indexKey, "error", err)
		return nil
	}
	out := make([]*types.Trade, 0, len(hashes))
	for _, h := range hashes {
		if len(h) == 0 {
			// Hash TTL'd out ahead of its index entry.
			continue
		}
		out = append(out, types.TradeFromHash(h))
	}
	return out
}
