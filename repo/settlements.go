package repo

import (
	"context"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/types"
)

// settlementListCap keeps the newest 1000 journal ids per trader.
const settlementListCap = 1000

// Settlements stores the journal under settlement:<id> plus a per-trader
// list of ids, newest first, capped.
type Settlements struct {
	s      store.Store
	k      store.Keys
	logger log.Logger
}

// Append journals one entry: hash write plus list push and trim in one
// pipeline.
func (r *Settlements) Append(ctx context.Context, entry *types.SettlementLog) error {
	pipe := r.s.Pipeline()
	pipe.HSet(r.k.Settlement(entry.ID), entry.Hash())
	pipe.LPush(r.k.UserSettlements(entry.Trader), entry.ID)
	pipe.LTrim(r.k.UserSettlements(entry.Trader), 0, settlementListCap-1)
	if err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "journal %s %s", entry.Type, entry.ID)
	}
	return nil
}

// Get loads one journal entry.
func (r *Settlements) Get(ctx context.Context, id string) (*types.SettlementLog, error) {
	h, err := r.s.HGetAll(ctx, r.k.Settlement(id))
	if err != nil {
		return nil, errors.Wrapf(err, "get settlement %s", id)
	}
	if len(h) == 0 {
		return nil, errors.Wrapf(store.ErrNotFound, "settlement %s", id)
	}
	return types.SettlementFromHash(h), nil
}

// List returns a trader's newest n journal entries.
func (r *Settlements) List(ctx context.Context, addr string, n int64) []*types.SettlementLog {
	ids, err := r.s.LRange(ctx, r.k.UserSettlements(addr), 0, n-1)
	if err != nil {
		r.logger.Warn("settlement list read failed", "trader", addr, "error", err)
		return nil
	}
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.k.Settlement(id)
	}
	hashes, err := r.s.HGetAllMulti(ctx, keys)
	if err != nil {
		r.logger.Warn("settlement batch read failed", "trader", addr, "error", err)
		return nil
	}
	out := make([]*types.SettlementLog, 0, len(hashes))
	for _, h := range hashes {
		if len(h) == 0 {
			continue
		}
		out = append(out, types.SettlementFromHash(h))
	}
	return out
}

// UpdateStatus advances an entry's on-chain lifecycle.
func (r *Settlements) UpdateStatus(ctx context.Context, id string, status types.OnChainStatus, txHash string) error {
	fields := map[string]string{
		"onChainStatus": string(status),
		"updatedAt":     formatInt64(time.Now().UnixMilli()),
	}
	if txHash != "" {
		fields["txHash"] = txHash
	}
	if err := r.s.HSet(ctx, r.k.Settlement(id), fields); err != nil {
		return errors.Wrapf(err, "update settlement %s", id)
	}
	return nil
}
