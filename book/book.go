package book

import (
	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/types"
)

// tapeSize bounds the in-memory recent-trade ring per book.
const tapeSize = 1000

// Fill is one maker/taker match produced by Insert. The price is always the
// maker's resting price. Both order pointers carry post-fill state; the
// caller persists them and derives trades, position and balance movements.
type Fill struct {
	Maker     *types.Order
	Taker     *types.Order
	Price     sdkmath.Int
	Size      sdkmath.Int
	Timestamp int64 // unix ms
}

// Level is one aggregated price level in a depth snapshot.
type Level struct {
	Price  sdkmath.Int `json:"price"`
	Size   sdkmath.Int `json:"size"`
	Orders int         `json:"orders"`
}

// Snapshot is a point-in-time view of the book's top levels.
type Snapshot struct {
	Token     string      `json:"token"`
	Bids      []Level     `json:"bids"`
	Asks      []Level     `json:"asks"`
	LastPrice sdkmath.Int `json:"lastPrice"`
	Timestamp int64       `json:"timestamp"`
}

// TapeEntry is one public trade print kept in the recent-trades ring.
type TapeEntry struct {
	Price       sdkmath.Int `json:"price"`
	Size        sdkmath.Int `json:"size"`
	TakerIsLong bool        `json:"takerIsLong"`
	Timestamp   int64       `json:"timestamp"`
}

// Book is one token's limit order book with price-time priority matching.
// It holds only book-resident state: resting orders, the recent-trade ring
// and the last trade price. Persistence, margin and position effects belong
// to the matching loop that owns the book.
type Book struct {
	token   string
	bids    side
	asks    side
	resting map[string]*types.Order

	tape      [tapeSize]TapeEntry
	tapeNext  int
	tapeCount int

	lastPrice sdkmath.Int
	seq       uint64
}

// New creates an empty book for token using the configured side
// implementation ("btree" or "skiplist").
func New(token, impl string) *Book {
	return &Book{
		token:     token,
		bids:      newSide(impl, true),
		asks:      newSide(impl, false),
		resting:   make(map[string]*types.Order),
		lastPrice: sdkmath.ZeroInt(),
	}
}

// Token returns the book's token.
func (b *Book) Token() string { return b.token }

// Insert matches the order against the opposite side and rests any
// remainder eligible to rest. Post-only orders that would cross and FOK
// orders that cannot fill completely are rejected before any state
// changes. The returned fills are in execution order.
func (b *Book) Insert(o *types.Order, nowMs int64) ([]Fill, error) {
	opposite := b.opposite(o.Side)

	if o.PostOnly {
		if best := opposite.best(); best != nil && b.crosses(o, best.price) {
			return nil, types.ErrPostOnlyWouldTake
		}
	}
	if o.TimeInForce == types.TimeInForceFOK && !b.canFillCompletely(o) {
		return nil, types.ErrFOKNotFilled
	}

	fills := b.match(o, opposite, nowMs)

	if o.Remaining().IsPositive() && b.mayRest(o) {
		b.rest(o)
	}
	return fills, nil
}

// match walks the opposite side while the order crosses, filling FIFO
// within each level at the maker's price.
func (b *Book) match(taker *types.Order, opposite side, nowMs int64) []Fill {
	var fills []Fill
	for taker.Remaining().IsPositive() {
		best := opposite.best()
		if best == nil || !b.crosses(taker, best.price) {
			break
		}
		for taker.Remaining().IsPositive() {
			maker := best.first()
			if maker == nil {
				break
			}
			// size is clamped to both remainders, so Fill cannot fail.
			size := sdkmath.MinInt(taker.Remaining(), maker.Remaining())
			_ = maker.Fill(size, best.price, nowMs)
			_ = taker.Fill(size, best.price, nowMs)

			best.size = best.size.Sub(size)
			b.lastPrice = best.price
			b.pushTape(TapeEntry{
				Price:       best.price,
				Size:        size,
				TakerIsLong: taker.Side == types.SideLong,
				Timestamp:   nowMs,
			})
			fills = append(fills, Fill{
				Maker:     maker,
				Taker:     taker,
				Price:     best.price,
				Size:      size,
				Timestamp: nowMs,
			})

			if maker.Remaining().IsZero() {
				best.popFront()
				delete(b.resting, maker.ID)
			}
		}
		if best.empty() {
			opposite.removeLevel(best.price)
		}
	}
	return fills
}

// crosses reports whether the taker can trade at the maker price. Market
// and liquidation orders cross unconditionally.
func (b *Book) crosses(o *types.Order, makerPrice sdkmath.Int) bool {
	if o.IsMarket() {
		return true
	}
	if o.Side == types.SideLong {
		return o.Price.GTE(makerPrice)
	}
	return o.Price.LTE(makerPrice)
}

// canFillCompletely pre-walks the opposite side without mutating anything.
func (b *Book) canFillCompletely(o *types.Order) bool {
	needed := o.Remaining()
	available := sdkmath.ZeroInt()
	b.opposite(o.Side).iterate(func(l *level) bool {
		if !b.crosses(o, l.price) {
			return false
		}
		available = available.Add(l.size)
		return available.LT(needed)
	})
	return available.GTE(needed)
}

// mayRest reports whether an unfilled remainder belongs in the book:
// priced orders with a standing time in force. Market and liquidation
// orders never rest; IOC and FOK remainders are dropped.
func (b *Book) mayRest(o *types.Order) bool {
	if o.IsMarket() {
		return false
	}
	return o.TimeInForce == types.TimeInForceGTC || o.TimeInForce == types.TimeInForceGTD
}

func (b *Book) rest(o *types.Order) {
	b.seq++
	o.Seq = b.seq
	b.sideOf(o.Side).getOrCreate(o.Price).add(o)
	b.resting[o.ID] = o
}

// RestoreResting re-seats an order during boot recovery without matching.
// Callers replay orders in their original time order.
func (b *Book) RestoreResting(o *types.Order) {
	if !o.Remaining().IsPositive() || o.Price.IsZero() {
		return
	}
	b.rest(o)
}

// Cancel removes a resting order, returning it, or false if the book does
// not hold it.
func (b *Book) Cancel(orderID string) (*types.Order, bool) {
	o, ok := b.resting[orderID]
	if !ok {
		return nil, false
	}
	s := b.sideOf(o.Side)
	if l := s.get(o.Price); l != nil {
		l.remove(orderID)
		if l.empty() {
			s.removeLevel(o.Price)
		}
	}
	delete(b.resting, orderID)
	return o, true
}

// ContainsOrder reports whether the order rests in the book.
func (b *Book) ContainsOrder(orderID string) bool {
	_, ok := b.resting[orderID]
	return ok
}

// PendingCount returns how many orders rest in the book.
func (b *Book) PendingCount() int {
	return len(b.resting)
}

// RestingOrders returns the resting orders in no particular order; the GTD
// sweep walks this.
func (b *Book) RestingOrders() []*types.Order {
	out := make([]*types.Order, 0, len(b.resting))
	for _, o := range b.resting {
		out = append(out, o)
	}
	return out
}

// BestBid returns the highest bid price.
func (b *Book) BestBid() (sdkmath.Int, bool) {
	if l := b.bids.best(); l != nil {
		return l.price, true
	}
	return sdkmath.ZeroInt(), false
}

// BestAsk returns the lowest ask price.
func (b *Book) BestAsk() (sdkmath.Int, bool) {
	if l := b.asks.best(); l != nil {
		return l.price, true
	}
	return sdkmath.ZeroInt(), false
}

// CurrentPrice is the last trade price, else the midpoint of the top of
// book, else zero when neither exists.
func (b *Book) CurrentPrice() sdkmath.Int {
	if b.lastPrice.IsPositive() {
		return b.lastPrice
	}
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if okBid && okAsk {
		return bid.Add(ask).QuoRaw(2)
	}
	return sdkmath.ZeroInt()
}

// LastPrice returns the last trade price, zero before any trade.
func (b *Book) LastPrice() sdkmath.Int {
	return b.lastPrice
}

// SetLastPrice seeds the last trade price during boot recovery.
func (b *Book) SetLastPrice(p sdkmath.Int) {
	b.lastPrice = p
}

// Depth returns up to n aggregated levels per side.
func (b *Book) Depth(n int, nowMs int64) Snapshot {
	snap := Snapshot{
		Token:     b.token,
		Bids:      make([]Level, 0, n),
		Asks:      make([]Level, 0, n),
		LastPrice: b.lastPrice,
		Timestamp: nowMs,
	}
	collect := func(s side, out *[]Level) {
		s.iterate(func(l *level) bool {
			if len(*out) >= n {
				return false
			}
			*out = append(*out, Level{Price: l.price, Size: l.size, Orders: len(l.orders)})
			return true
		})
	}
	collect(b.bids, &snap.Bids)
	collect(b.asks, &snap.Asks)
	return snap
}

// Trades returns up to limit recent prints, newest first.
func (b *Book) Trades(limit int) []TapeEntry {
	n := b.tapeCount
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]TapeEntry, n)
	for i := 0; i < n; i++ {
		idx := (b.tapeNext - 1 - i + tapeSize) % tapeSize
		out[i] = b.tape[idx]
	}
	return out
}

func (b *Book) pushTape(e TapeEntry) {
	b.tape[b.tapeNext] = e
	b.tapeNext = (b.tapeNext + 1) % tapeSize
	if b.tapeCount < tapeSize {
		b.tapeCount++
	}
}

func (b *Book) sideOf(s types.Side) side {
	if s == types.SideLong {
		return b.bids
	}
	return b.asks
}

func (b *Book) opposite(s types.Side) side {
	if s == types.SideLong {
		return b.asks
	}
	return b.bids
}
