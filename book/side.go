// Package book holds the in-memory limit order books, one per token. A book
// is owned by its token's matching loop and is not safe for concurrent use;
// the single-writer discipline is the caller's.
package book

import (
	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/types"
)

// level is one price level holding resting orders in FIFO order. The size
// field tracks the sum of remaining quantities so depth snapshots do not
// walk every order.
type level struct {
	price  sdkmath.Int
	size   sdkmath.Int
	orders []*types.Order
}

func newLevel(price sdkmath.Int) *level {
	return &level{
		price:  price,
		size:   sdkmath.ZeroInt(),
		orders: make([]*types.Order, 0, 4),
	}
}

func (l *level) add(o *types.Order) {
	l.orders = append(l.orders, o)
	l.size = l.size.Add(o.Remaining())
}

// remove drops an order by id, returning it, or nil if absent.
func (l *level) remove(orderID string) *types.Order {
	for i, o := range l.orders {
		if o.ID == orderID {
			l.orders = append(l.orders[:i], l.orders[i+1:]...)
			l.size = l.size.Sub(o.Remaining())
			return o
		}
	}
	return nil
}

// popFront drops the oldest order after it filled completely.
func (l *level) popFront() {
	if len(l.orders) > 0 {
		l.orders = l.orders[1:]
	}
}

func (l *level) first() *types.Order {
	if len(l.orders) == 0 {
		return nil
	}
	return l.orders[0]
}

func (l *level) empty() bool {
	return len(l.orders) == 0
}

// side indexes price levels for one half of the book in price priority:
// bids iterate highest first, asks lowest first. Two implementations exist,
// a B-tree (default) and a skip list, selected by configuration.
type side interface {
	get(price sdkmath.Int) *level
	getOrCreate(price sdkmath.Int) *level
	removeLevel(price sdkmath.Int)
	best() *level
	levels() int
	// iterate visits levels in priority order until fn returns false.
	iterate(fn func(*level) bool)
}

// newSide builds a side for the configured implementation; unknown names
// fall back to the B-tree.
func newSide(impl string, desc bool) side {
	if impl == ImplSkiplist {
		return newSkipSide(desc)
	}
	return newBTreeSide(desc)
}

// Side implementation names accepted in configuration.
const (
	ImplBTree    = "btree"
	ImplSkiplist = "skiplist"
)
