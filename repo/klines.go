package repo

import (
	"context"
	"encoding/json"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/types"
)

// klineCap keeps one day of minute bars per token.
const klineCap = 1440

// Klines persists closed one-minute bars per token, newest first. Larger
// intervals are derived from the stored minute bars at read time.
type Klines struct {
	s      store.Store
	k      store.Keys
	logger log.Logger
}

// PushClosed appends a closed minute bar and trims to the cap.
func (r *Klines) PushClosed(ctx context.Context, bar *types.Kline) error {
	raw, err := json.Marshal(bar)
	if err != nil {
		return errors.Wrapf(err, "encode kline %s@%d", bar.Token, bar.OpenTime)
	}
	pipe := r.s.Pipeline()
	pipe.LPush(r.k.Klines1m(bar.Token), string(raw))
	pipe.LTrim(r.k.Klines1m(bar.Token), 0, klineCap-1)
	if err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "push kline %s", bar.Token)
	}
	return nil
}

// Recent returns the newest n minute bars, newest first. Store failures
// and undecodable rows degrade to what could be read.
func (r *Klines) Recent(ctx context.Context, token string, n int64) []*types.Kline {
	rows, err := r.s.LRange(ctx, r.k.Klines1m(token), 0, n-1)
	if err != nil {
		r.logger.Warn("kline read failed", "token", token, "error", err)
		return nil
	}
	out := make([]*types.Kline, 0, len(rows))
	for _, raw := range rows {
		var bar types.Kline
		if err := json.Unmarshal([]byte(raw), &bar); err != nil {
			r.logger.Warn("kline decode failed", "token", token, "error", err)
			continue
		}
		out = append(out, &bar)
	}
	return out
}

// Aggregate derives up to n bars of intervalMinutes from the stored minute
// bars, newest first. Supported intervals are any whole-minute multiple;
// callers use 5, 15, 30, 60, 240 and 1440.
func (r *Klines) Aggregate(ctx context.Context, token string, intervalMinutes, n int64) []*types.Kline {
	if intervalMinutes <= 1 {
		return r.Recent(ctx, token, n)
	}
	minutes := r.Recent(ctx, token, n*intervalMinutes)
	if len(minutes) == 0 {
		return nil
	}
	intervalMs := intervalMinutes * 60_000
	var out []*types.Kline
	var cur *types.Kline
	// Bars come newest first; within a bucket the last row seen is the
	// oldest minute, so it supplies Open and OpenTime.
	for _, bar := range minutes {
		bucket := bar.OpenTime - (bar.OpenTime % intervalMs)
		if cur == nil || bucket != cur.OpenTime {
			if int64(len(out)) >= n {
				break
			}
			cur = &types.Kline{
				Token:    token,
				OpenTime: bucket,
				Open:     bar.Open,
				High:     bar.High,
				Low:      bar.Low,
				Close:    bar.Close,
				Volume:   bar.Volume,
				Trades:   bar.Trades,
			}
			out = append(out, cur)
			continue
		}
		// Older minute within the same bucket.
		cur.Open = bar.Open
		cur.OpenTime = bucket
		if bar.High.GT(cur.High) {
			cur.High = bar.High
		}
		if bar.Low.IsPositive() && (cur.Low.IsZero() || bar.Low.LT(cur.Low)) {
			cur.Low = bar.Low
		}
		cur.Volume = cur.Volume.Add(bar.Volume)
		cur.Trades += bar.Trades
	}
	return out
}
