package repo

import (
	"context"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/fixedpoint"
	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/types"
)

// orderMarginTTL bounds how long a frozen-margin record can outlive its
// order; the sweep prunes index members whose hash has expired.
const orderMarginTTL = 7 * 24 * time.Hour

// OrderMargins stores the frozen margin ledger under order_margin:<id>
// plus a global index set for the janitor sweep.
type OrderMargins struct {
	s      store.Store
	k      store.Keys
	logger log.Logger
}

// Save persists the record with its TTL and index membership.
func (r *OrderMargins) Save(ctx context.Context, om *types.OrderMargin) error {
	om.UpdatedAt = time.Now().UnixMilli()
	pipe := r.s.Pipeline()
	pipe.HSet(r.k.OrderMargin(om.OrderID), om.Hash())
	pipe.Expire(r.k.OrderMargin(om.OrderID), orderMarginTTL)
	pipe.SAdd(r.k.AllOrderMargins(), om.OrderID)
	if err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "save order margin %s", om.OrderID)
	}
	return nil
}

// Get loads one record; store.ErrNotFound when missing or expired.
func (r *OrderMargins) Get(ctx context.Context, orderID string) (*types.OrderMargin, error) {
	h, err := r.s.HGetAll(ctx, r.k.OrderMargin(orderID))
	if err != nil {
		return nil, errors.Wrapf(err, "get order margin %s", orderID)
	}
	if len(h) == 0 {
		return nil, errors.Wrapf(store.ErrNotFound, "order margin %s", orderID)
	}
	return types.OrderMarginFromHash(h), nil
}

// Settle records fillSize as settled and returns the updated record along
// with the frozen margin released pro-rata for that size.
func (r *OrderMargins) Settle(ctx context.Context, orderID string, fillSize sdkmath.Int) (*types.OrderMargin, sdkmath.Int, error) {
	om, err := r.Get(ctx, orderID)
	if err != nil {
		return nil, sdkmath.ZeroInt(), err
	}
	released := sdkmath.ZeroInt()
	if om.TotalSize.IsPositive() {
		released = fixedpoint.MulDiv(om.Frozen, fillSize, om.TotalSize)
	}
	om.SettledSize = om.SettledSize.Add(fillSize)
	if om.SettledSize.GT(om.TotalSize) {
		om.SettledSize = om.TotalSize
	}
	if err := r.Save(ctx, om); err != nil {
		return nil, sdkmath.ZeroInt(), err
	}
	return om, released, nil
}

// Release removes the record once the order has left the book, returning
// the frozen margin that was never settled.
func (r *OrderMargins) Release(ctx context.Context, orderID string) (sdkmath.Int, error) {
	om, err := r.Get(ctx, orderID)
	if err != nil {
		if errors.IsOf(err, store.ErrNotFound) {
			return sdkmath.ZeroInt(), nil
		}
		return sdkmath.ZeroInt(), err
	}
	remaining := om.RemainingFrozen().Add(om.FeeReserve)
	pipe := r.s.Pipeline()
	pipe.Del(r.k.OrderMargin(orderID))
	pipe.SRem(r.k.AllOrderMargins(), orderID)
	if err := pipe.Exec(ctx); err != nil {
		return sdkmath.ZeroInt(), errors.Wrapf(err, "release order margin %s", orderID)
	}
	return remaining, nil
}

// Sweep prunes index members whose hash has TTL'd out and returns how many
// were removed. The janitor runs this periodically.
func (r *OrderMargins) Sweep(ctx context.Context) (int, error) {
	ids, err := r.s.SMembers(ctx, r.k.AllOrderMargins())
	if err != nil {
		return 0, errors.Wrap(err, "sweep order margins")
	}
	var stale []string
	for _, id := range ids {
		ok, err := r.s.Exists(ctx, r.k.OrderMargin(id))
		if err != nil {
			return 0, errors.Wrapf(err, "sweep order margin %s", id)
		}
		if !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := r.s.SRem(ctx, r.k.AllOrderMargins(), stale...); err != nil {
		return 0, errors.Wrap(err, "sweep order margins")
	}
	r.logger.Info("swept expired order margins", "count", len(stale))
	return len(stale), nil
}
