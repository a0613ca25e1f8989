package book

import (
	"fmt"
	"testing"

	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/fixedpoint"
	"github.com/openalpha/perp-engine/types"
)

func unit(n int64) sdkmath.Int {
	return sdkmath.NewInt(n).Mul(fixedpoint.PriceScale)
}

func limitOrder(id string, side types.Side, price, size int64, nowMs int64) *types.Order {
	return types.NewOrder(id, "0xabc", "BTC", side, types.OrderTypeLimit, unit(size), unit(price), nowMs)
}

func marketOrder(id string, side types.Side, size int64, nowMs int64) *types.Order {
	return types.NewOrder(id, "0xabc", "BTC", side, types.OrderTypeMarket, unit(size), sdkmath.ZeroInt(), nowMs)
}

func mustInsert(t *testing.T, b *Book, o *types.Order, nowMs int64) []Fill {
	t.Helper()
	fills, err := b.Insert(o, nowMs)
	if err != nil {
		t.Fatalf("Insert(%s): %v", o.ID, err)
	}
	return fills
}

func TestMatchPriceTimePriority(t *testing.T) {
	b := New("BTC", ImplBTree)

	mustInsert(t, b, limitOrder("a1", types.SideShort, 100, 5, 1), 1)
	mustInsert(t, b, limitOrder("a2", types.SideShort, 100, 5, 2), 2)
	mustInsert(t, b, limitOrder("a3", types.SideShort, 99, 5, 3), 3)

	taker := limitOrder("t1", types.SideLong, 101, 12, 4)
	fills := mustInsert(t, b, taker, 4)

	if len(fills) != 3 {
		t.Fatalf("fills = %d, want 3", len(fills))
	}
	wantMakers := []string{"a3", "a1", "a2"}
	wantPrices := []int64{99, 100, 100}
	wantSizes := []int64{5, 5, 2}
	for i, f := range fills {
		if f.Maker.ID != wantMakers[i] {
			t.Errorf("fill %d maker = %s, want %s", i, f.Maker.ID, wantMakers[i])
		}
		if !f.Price.Equal(unit(wantPrices[i])) {
			t.Errorf("fill %d price = %s, want %s", i, f.Price, unit(wantPrices[i]))
		}
		if !f.Size.Equal(unit(wantSizes[i])) {
			t.Errorf("fill %d size = %s, want %s", i, f.Size, unit(wantSizes[i]))
		}
	}

	if taker.Status != types.OrderStatusFilled {
		t.Errorf("taker status = %v, want filled", taker.Status)
	}
	if b.PendingCount() != 1 {
		t.Errorf("resting orders = %d, want 1 (a2 remainder)", b.PendingCount())
	}
	ask, ok := b.BestAsk()
	if !ok || !ask.Equal(unit(100)) {
		t.Errorf("best ask = %s, want 100", ask)
	}
}

func TestFillsAtMakerPrice(t *testing.T) {
	b := New("BTC", ImplSkiplist)
	mustInsert(t, b, limitOrder("maker", types.SideShort, 100, 5, 1), 1)

	taker := limitOrder("taker", types.SideLong, 105, 5, 2)
	fills := mustInsert(t, b, taker, 2)

	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	if !fills[0].Price.Equal(unit(100)) {
		t.Errorf("fill price = %s, want maker price 100", fills[0].Price)
	}
	if !taker.AvgFillPrice.Equal(unit(100)) {
		t.Errorf("taker avg fill = %s, want 100", taker.AvgFillPrice)
	}
	if !b.LastPrice().Equal(unit(100)) {
		t.Errorf("last price = %s, want 100", b.LastPrice())
	}
}

func TestLimitRemainderRests(t *testing.T) {
	b := New("BTC", ImplBTree)

	o := limitOrder("b1", types.SideLong, 95, 10, 1)
	fills := mustInsert(t, b, o, 1)
	if len(fills) != 0 {
		t.Fatalf("fills on empty book = %d, want 0", len(fills))
	}
	if !b.ContainsOrder("b1") {
		t.Error("order should rest in the book")
	}

	snap := b.Depth(5, 2)
	if len(snap.Bids) != 1 || len(snap.Asks) != 0 {
		t.Fatalf("depth = %d bids / %d asks, want 1/0", len(snap.Bids), len(snap.Asks))
	}
	if !snap.Bids[0].Price.Equal(unit(95)) || !snap.Bids[0].Size.Equal(unit(10)) || snap.Bids[0].Orders != 1 {
		t.Errorf("bid level = %+v, want 95/10/1", snap.Bids[0])
	}
}

func TestMarketOrderNeverRests(t *testing.T) {
	b := New("BTC", ImplBTree)

	o := marketOrder("m1", types.SideLong, 5, 1)
	fills := mustInsert(t, b, o, 1)
	if len(fills) != 0 || b.PendingCount() != 0 {
		t.Fatalf("market order on empty book: fills=%d resting=%d, want 0/0", len(fills), b.PendingCount())
	}

	mustInsert(t, b, limitOrder("a1", types.SideShort, 100, 10, 2), 2)
	o2 := marketOrder("m2", types.SideLong, 15, 3)
	fills = mustInsert(t, b, o2, 3)

	if len(fills) != 1 || !fills[0].Size.Equal(unit(10)) {
		t.Fatalf("fills = %v, want one 10-unit fill", fills)
	}
	if o2.Status != types.OrderStatusPartiallyFilled {
		t.Errorf("status = %v, want partially filled", o2.Status)
	}
	if b.ContainsOrder("m2") {
		t.Error("market remainder must not rest")
	}
}

func TestIOCRemainderDropped(t *testing.T) {
	b := New("BTC", ImplBTree)
	mustInsert(t, b, limitOrder("a1", types.SideShort, 100, 10, 1), 1)

	o := limitOrder("ioc", types.SideLong, 100, 15, 2)
	o.TimeInForce = types.TimeInForceIOC
	fills := mustInsert(t, b, o, 2)

	if len(fills) != 1 || !fills[0].Size.Equal(unit(10)) {
		t.Fatalf("fills = %v, want one 10-unit fill", fills)
	}
	if b.ContainsOrder("ioc") {
		t.Error("IOC remainder must not rest")
	}
	if b.PendingCount() != 0 {
		t.Errorf("resting orders = %d, want 0", b.PendingCount())
	}
}

func TestFOKAllOrNothing(t *testing.T) {
	b := New("BTC", ImplBTree)
	mustInsert(t, b, limitOrder("a1", types.SideShort, 100, 5, 1), 1)
	mustInsert(t, b, limitOrder("a2", types.SideShort, 101, 5, 2), 2)

	// Only 5 units cross at 100; the 101 level is beyond the limit.
	o := limitOrder("fok1", types.SideLong, 100, 8, 3)
	o.TimeInForce = types.TimeInForceFOK
	fills, err := b.Insert(o, 3)
	if err != types.ErrFOKNotFilled {
		t.Fatalf("err = %v, want ErrFOKNotFilled", err)
	}
	if len(fills) != 0 {
		t.Fatalf("fills = %d, want 0", len(fills))
	}
	snap := b.Depth(5, 3)
	if len(snap.Asks) != 2 || !snap.Asks[0].Size.Equal(unit(5)) {
		t.Fatalf("rejected FOK mutated the book: %+v", snap.Asks)
	}

	o2 := limitOrder("fok2", types.SideLong, 101, 8, 4)
	o2.TimeInForce = types.TimeInForceFOK
	fills = mustInsert(t, b, o2, 4)
	if len(fills) != 2 || o2.Status != types.OrderStatusFilled {
		t.Fatalf("fills = %d status = %v, want 2 fills and filled", len(fills), o2.Status)
	}
}

func TestPostOnlyRejectsWhenCrossing(t *testing.T) {
	b := New("BTC", ImplBTree)
	mustInsert(t, b, limitOrder("a1", types.SideShort, 100, 5, 1), 1)

	o := limitOrder("po1", types.SideLong, 100, 5, 2)
	o.PostOnly = true
	fills, err := b.Insert(o, 2)
	if err != types.ErrPostOnlyWouldTake {
		t.Fatalf("err = %v, want ErrPostOnlyWouldTake", err)
	}
	if len(fills) != 0 || b.ContainsOrder("po1") {
		t.Error("rejected post-only must leave no trace")
	}
	maker, ok := b.Cancel("a1")
	if !ok || !maker.FilledSize.IsZero() {
		t.Errorf("maker touched by rejected post-only: filled=%s", maker.FilledSize)
	}

	b2 := New("BTC", ImplBTree)
	mustInsert(t, b2, limitOrder("a1", types.SideShort, 100, 5, 1), 1)
	o2 := limitOrder("po2", types.SideLong, 99, 5, 2)
	o2.PostOnly = true
	fills = mustInsert(t, b2, o2, 2)
	if len(fills) != 0 || !b2.ContainsOrder("po2") {
		t.Error("non-crossing post-only should rest")
	}
}

func TestCancel(t *testing.T) {
	b := New("BTC", ImplSkiplist)
	mustInsert(t, b, limitOrder("b1", types.SideLong, 95, 5, 1), 1)
	mustInsert(t, b, limitOrder("b2", types.SideLong, 95, 7, 2), 2)

	if _, ok := b.Cancel("nope"); ok {
		t.Error("cancel of unknown id should report false")
	}

	o, ok := b.Cancel("b1")
	if !ok || o.ID != "b1" {
		t.Fatalf("cancel b1 = %v %v", o, ok)
	}
	snap := b.Depth(1, 3)
	if !snap.Bids[0].Size.Equal(unit(7)) || snap.Bids[0].Orders != 1 {
		t.Errorf("level after cancel = %+v, want size 7 orders 1", snap.Bids[0])
	}

	if _, ok := b.Cancel("b2"); !ok {
		t.Fatal("cancel b2 failed")
	}
	if _, ok := b.BestBid(); ok {
		t.Error("empty level should be removed from the side")
	}
}

func TestDepthAggregatesAndCaps(t *testing.T) {
	b := New("BTC", ImplBTree)
	mustInsert(t, b, limitOrder("b1", types.SideLong, 95, 2, 1), 1)
	mustInsert(t, b, limitOrder("b2", types.SideLong, 95, 3, 2), 2)
	mustInsert(t, b, limitOrder("b3", types.SideLong, 94, 1, 3), 3)
	mustInsert(t, b, limitOrder("b4", types.SideLong, 93, 1, 4), 4)
	mustInsert(t, b, limitOrder("a1", types.SideShort, 100, 4, 5), 5)
	mustInsert(t, b, limitOrder("a2", types.SideShort, 101, 4, 6), 6)

	snap := b.Depth(2, 7)
	if snap.Token != "BTC" || snap.Timestamp != 7 {
		t.Errorf("snapshot meta = %s/%d", snap.Token, snap.Timestamp)
	}
	if len(snap.Bids) != 2 {
		t.Fatalf("bids = %d, want capped at 2", len(snap.Bids))
	}
	if !snap.Bids[0].Price.Equal(unit(95)) || !snap.Bids[0].Size.Equal(unit(5)) || snap.Bids[0].Orders != 2 {
		t.Errorf("top bid = %+v, want 95/5/2", snap.Bids[0])
	}
	if !snap.Bids[1].Price.Equal(unit(94)) {
		t.Errorf("second bid = %s, want 94", snap.Bids[1].Price)
	}
	if !snap.Asks[0].Price.Equal(unit(100)) || !snap.Asks[1].Price.Equal(unit(101)) {
		t.Errorf("asks = %+v, want ascending from 100", snap.Asks)
	}
}

func TestTradesNewestFirst(t *testing.T) {
	b := New("BTC", ImplBTree)
	mustInsert(t, b, limitOrder("a1", types.SideShort, 100, 1, 1), 1)
	mustInsert(t, b, limitOrder("a2", types.SideShort, 101, 1, 2), 2)
	mustInsert(t, b, limitOrder("a3", types.SideShort, 102, 1, 3), 3)

	mustInsert(t, b, marketOrder("m1", types.SideLong, 1, 4), 4)
	mustInsert(t, b, marketOrder("m2", types.SideLong, 1, 5), 5)
	mustInsert(t, b, limitOrder("s1", types.SideLong, 102, 1, 6), 6)

	trades := b.Trades(2)
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}
	if !trades[0].Price.Equal(unit(102)) || trades[0].Timestamp != 6 {
		t.Errorf("newest trade = %+v, want price 102 ts 6", trades[0])
	}
	if !trades[1].Price.Equal(unit(101)) {
		t.Errorf("second trade = %s, want 101", trades[1].Price)
	}
	if !trades[0].TakerIsLong {
		t.Error("taker side should be long")
	}

	all := b.Trades(0)
	if len(all) != 3 {
		t.Errorf("Trades(0) = %d entries, want all 3", len(all))
	}
}

func TestCurrentPriceFallbacks(t *testing.T) {
	b := New("BTC", ImplBTree)
	if !b.CurrentPrice().IsZero() {
		t.Errorf("empty book price = %s, want 0", b.CurrentPrice())
	}

	mustInsert(t, b, limitOrder("b1", types.SideLong, 90, 1, 1), 1)
	if !b.CurrentPrice().IsZero() {
		t.Errorf("one-sided book price = %s, want 0", b.CurrentPrice())
	}

	mustInsert(t, b, limitOrder("a1", types.SideShort, 110, 1, 2), 2)
	if !b.CurrentPrice().Equal(unit(100)) {
		t.Errorf("midpoint = %s, want 100", b.CurrentPrice())
	}

	mustInsert(t, b, marketOrder("m1", types.SideLong, 1, 3), 3)
	if !b.CurrentPrice().Equal(unit(110)) {
		t.Errorf("after trade = %s, want last price 110", b.CurrentPrice())
	}
}

func TestRestoreRestingSkipsMatching(t *testing.T) {
	b := New("BTC", ImplBTree)

	ask := limitOrder("a1", types.SideShort, 100, 5, 1)
	bid := limitOrder("b1", types.SideLong, 105, 5, 2)
	b.RestoreResting(ask)
	b.RestoreResting(bid)

	if b.PendingCount() != 2 {
		t.Fatalf("restored orders = %d, want 2", b.PendingCount())
	}
	if !ask.FilledSize.IsZero() || !bid.FilledSize.IsZero() {
		t.Error("restore must not match even when prices cross")
	}

	filled := limitOrder("done", types.SideLong, 90, 5, 3)
	_ = filled.Fill(unit(5), unit(90), 3)
	b.RestoreResting(filled)
	b.RestoreResting(marketOrder("mkt", types.SideLong, 5, 4))
	if b.PendingCount() != 2 {
		t.Errorf("filled and market orders must not be restored, got %d resting", b.PendingCount())
	}
}

// TestSideImplementationsAgree feeds the same order flow through both side
// implementations and expects identical fills and depth.
func TestSideImplementationsAgree(t *testing.T) {
	type spec struct {
		side   types.Side
		price  int64
		size   int64
		cancel bool
	}
	specs := make([]spec, 0, 400)
	for i := 0; i < 400; i++ {
		s := spec{side: types.SideLong, price: 90 + int64(i*7%21), size: 1 + int64(i%5)}
		if i%2 == 1 {
			s.side = types.SideShort
		}
		s.cancel = i%5 == 0
		specs = append(specs, s)
	}

	run := func(impl string) (*Book, sdkmath.Int) {
		b := New("BTC", impl)
		filled := sdkmath.ZeroInt()
		for i, s := range specs {
			id := fmt.Sprintf("o-%d", i)
			o := limitOrder(id, s.side, s.price, s.size, int64(i))
			fills, err := b.Insert(o, int64(i))
			if err != nil {
				t.Fatalf("%s insert %s: %v", impl, id, err)
			}
			for _, f := range fills {
				filled = filled.Add(f.Size)
			}
			if s.cancel {
				b.Cancel(id)
			}
		}
		return b, filled
	}

	bt, btFilled := run(ImplBTree)
	sk, skFilled := run(ImplSkiplist)

	if !btFilled.Equal(skFilled) {
		t.Fatalf("filled volume: btree=%s skiplist=%s", btFilled, skFilled)
	}
	if bt.PendingCount() != sk.PendingCount() {
		t.Fatalf("resting count: btree=%d skiplist=%d", bt.PendingCount(), sk.PendingCount())
	}

	btSnap := bt.Depth(100, 0)
	skSnap := sk.Depth(100, 0)
	if len(btSnap.Bids) != len(skSnap.Bids) || len(btSnap.Asks) != len(skSnap.Asks) {
		t.Fatalf("depth shape: btree=%d/%d skiplist=%d/%d",
			len(btSnap.Bids), len(btSnap.Asks), len(skSnap.Bids), len(skSnap.Asks))
	}
	for i := range btSnap.Bids {
		if !btSnap.Bids[i].Price.Equal(skSnap.Bids[i].Price) || !btSnap.Bids[i].Size.Equal(skSnap.Bids[i].Size) {
			t.Errorf("bid level %d: btree=%+v skiplist=%+v", i, btSnap.Bids[i], skSnap.Bids[i])
		}
	}
	for i := range btSnap.Asks {
		if !btSnap.Asks[i].Price.Equal(skSnap.Asks[i].Price) || !btSnap.Asks[i].Size.Equal(skSnap.Asks[i].Size) {
			t.Errorf("ask level %d: btree=%+v skiplist=%+v", i, btSnap.Asks[i], skSnap.Asks[i])
		}
	}
	if !bt.LastPrice().Equal(sk.LastPrice()) {
		t.Errorf("last price: btree=%s skiplist=%s", bt.LastPrice(), sk.LastPrice())
	}
}
