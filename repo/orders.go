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

// Orders stores orders under order:<id>, a per-token pending set used to
// rebuild books at boot, and the two trigger sorted sets conditional orders
// wait in. Trigger scores come from fixedpoint.Score, so a trigger price
// beyond the representable bound is rejected before it ever lands here.
type Orders struct {
	s      store.Store
	k      store.Keys
	logger log.Logger
}

// Save persists the order and keeps the pending set in step with its
// status. Conditional orders waiting on a trigger are excluded from the
// pending set; they are indexed by AddTrigger instead.
func (r *Orders) Save(ctx context.Context, o *types.Order) error {
	pipe := r.s.Pipeline()
	pipe.HSet(r.k.Order(o.ID), o.Hash())
	if o.IsActive() && !r.waitsOnTrigger(o) {
		pipe.SAdd(r.k.PendingOrders(o.Token), o.ID)
	} else {
		pipe.SRem(r.k.PendingOrders(o.Token), o.ID)
	}
	if err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "save order %s", o.ID)
	}
	return nil
}

// waitsOnTrigger reports whether the order is still parked in a trigger
// index rather than the book.
func (r *Orders) waitsOnTrigger(o *types.Order) bool {
	return o.Type.IsConditional() && o.Status == types.OrderStatusPending && o.TriggerPrice.IsPositive()
}

// Get loads one order; store.ErrNotFound when missing.
func (r *Orders) Get(ctx context.Context, id string) (*types.Order, error) {
	h, err := r.s.HGetAll(ctx, r.k.Order(id))
	if err != nil {
		return nil, errors.Wrapf(err, "get order %s", id)
	}
	if len(h) == 0 {
		return nil, errors.Wrapf(store.ErrNotFound, "order %s", id)
	}
	return types.OrderFromHash(h), nil
}

// Delete removes the hash, the pending membership and any trigger index
// entry.
func (r *Orders) Delete(ctx context.Context, o *types.Order) error {
	pipe := r.s.Pipeline()
	pipe.Del(r.k.Order(o.ID))
	pipe.SRem(r.k.PendingOrders(o.Token), o.ID)
	pipe.ZRem(r.k.TriggerLong(o.Token), o.ID)
	pipe.ZRem(r.k.TriggerShort(o.Token), o.ID)
	return pipe.Exec(ctx)
}

// PendingByToken lists the orders that belong in the token's book, used to
// rebuild it after a restart. Store failures degrade to empty.
func (r *Orders) PendingByToken(ctx context.Context, token string) []*types.Order {
	ids, err := r.s.SMembers(ctx, r.k.PendingOrders(token))
	if err != nil {
		r.logger.Warn("pending order index read failed", "token", token, "error", err)
		return nil
	}
	return r.fetch(ctx, ids)
}

// AddTrigger parks a conditional order in its trigger index, scored by
// trigger price.
func (r *Orders) AddTrigger(ctx context.Context, o *types.Order) error {
	score, ok := fixedpoint.Score(o.TriggerPrice)
	if !ok {
		return errors.Wrapf(types.ErrPriceOutOfRange, "trigger %s", o.TriggerPrice)
	}
	return r.s.ZAdd(ctx, r.triggerKey(o), score, o.ID)
}

// RemoveTrigger drops the order from its trigger index.
func (r *Orders) RemoveTrigger(ctx context.Context, o *types.Order) error {
	return r.s.ZRem(ctx, r.triggerKey(o), o.ID)
}

func (r *Orders) triggerKey(o *types.Order) string {
	if o.FiresOnFall() {
		return r.k.TriggerLong(o.Token)
	}
	return r.k.TriggerShort(o.Token)
}

// TriggeredLong returns the fall-armed orders whose trigger has been
// reached at price: every member scored at or above the current price.
func (r *Orders) TriggeredLong(ctx context.Context, token string, price sdkmath.Int) []*types.Order {
	score, ok := fixedpoint.Score(price)
	if !ok {
		return nil
	}
	ids, err := r.s.ZRangeByScore(ctx, r.k.TriggerLong(token), score, math.Inf(1))
	if err != nil {
		r.logger.Warn("trigger index read failed", "token", token, "side", "long", "error", err)
		return nil
	}
	return r.fetch(ctx, ids)
}

// TriggeredShort returns the rise-armed orders whose trigger has been
// reached at price: every member scored at or below the current price.
func (r *Orders) TriggeredShort(ctx context.Context, token string, price sdkmath.Int) []*types.Order {
	score, ok := fixedpoint.Score(price)
	if !ok {
		return nil
	}
	ids, err := r.s.ZRangeByScore(ctx, r.k.TriggerShort(token), math.Inf(-1), score)
	if err != nil {
		r.logger.Warn("trigger index read failed", "token", token, "side", "short", "error", err)
		return nil
	}
	return r.fetch(ctx, ids)
}

// WaitingTriggers lists every conditional order parked in the token's
// trigger indexes. The trailing-stop re-seat walks this on price moves.
func (r *Orders) WaitingTriggers(ctx context.Context, token string) []*types.Order {
	var ids []string
	for _, key := range []string{r.k.TriggerLong(token), r.k.TriggerShort(token)} {
		members, err := r.s.ZRangeByScore(ctx, key, math.Inf(-1), math.Inf(1))
		if err != nil {
			r.logger.Warn("trigger index read failed", "token", token, "error", err)
			continue
		}
		ids = append(ids, members...)
	}
	return r.fetch(ctx, ids)
}

// ReseatTrigger moves a trailing stop's trigger score after a favorable
// price move.
func (r *Orders) ReseatTrigger(ctx context.Context, o *types.Order) error {
	score, ok := fixedpoint.Score(o.TriggerPrice)
	if !ok {
		return errors.Wrapf(types.ErrPriceOutOfRange, "trigger %s", o.TriggerPrice)
	}
	pipe := r.s.Pipeline()
	pipe.HSet(r.k.Order(o.ID), map[string]string{
		"triggerPrice": o.TriggerPrice.String(),
		"updatedAt":    formatInt64(o.UpdatedAt),
	})
	pipe.ZAdd(r.triggerKey(o), score, o.ID)
	return pipe.Exec(ctx)
}

func (r *Orders) fetch(ctx context.Context, ids []string) []*types.Order {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.k.Order(id)
	}
	hashes, err := r.s.HGetAllMulti(ctx, keys)
	if err != nil {
		r.logger.Warn("order batch read failed", "count", len(ids), "error", err)
		return nil
	}
	out := make([]*types.Order, 0, len(hashes))
	for _, h := range hashes {
		if len(h) == 0 {
			continue
		}
		out = append(out, types.OrderFromHash(h))
	}
	return out
}
