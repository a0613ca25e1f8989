package engine

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/openalpha/perp-engine/liquidation"
	"github.com/openalpha/perp-engine/position"
	"github.com/openalpha/perp-engine/repo"
	"github.com/openalpha/perp-engine/settlement"
	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/types"
)

const testNowMs = int64(1_700_000_000_000)

func unit(n int64) sdkmath.Int {
	return sdkmath.NewInt(n).Mul(sdkmath.NewInt(1_000_000_000_000_000_000))
}

func e14(n int64) sdkmath.Int {
	return sdkmath.NewInt(n).Mul(sdkmath.NewInt(100_000_000_000_000))
}

type account struct {
	key  string
	addr string
}

func newAccount(t *testing.T) account {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return account{
		key:  hex.EncodeToString(crypto.FromECDSA(k)),
		addr: strings.ToLower(crypto.PubkeyToAddress(k.PublicKey).Hex()),
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := log.NewNopLogger()
	mem := store.NewMemory()
	keys := store.NewKeys("test")
	locker := store.NewLocker(mem, logger)
	repos := repo.New(mem, keys, locker, logger)
	journal := settlement.New(repos, locker, keys, logger)
	markets := map[string]types.MarketConfig{
		"BTC": {Token: "BTC", MinSize: e14(1000), MaxLeverage: 500_000, BaseMMR: 500, TakerFeeBp: 50, MakerFeeBp: 10, CorridorBp: 500},
	}
	manager := position.NewManager(repos, journal, locker, keys, markets, position.DefaultParams(), logger)
	liq := liquidation.NewLiquidator(repos, manager, journal, locker, keys, markets, nil, nil, logger)
	cfg := DefaultConfig()
	cfg.ChainID = 31337
	e := New(repos, manager, journal, locker, keys, liq, markets, nil, nil, cfg, logger)
	e.now = func() time.Time { return time.UnixMilli(testNowMs) }
	return e
}

func signOrder(t *testing.T, e *Engine, o *types.Order, acct account) {
	t.Helper()
	sig, err := e.signer.Sign(o, acct.key)
	if err != nil {
		t.Fatalf("sign order %s: %v", o.ID, err)
	}
	o.Signature = sig
}

func limitOrder(t *testing.T, e *Engine, acct account, id string, side types.Side, size, price sdkmath.Int, nonce uint64) *types.Order {
	t.Helper()
	o := types.NewOrder(id, acct.addr, "BTC", side, types.OrderTypeLimit, size, price, testNowMs)
	o.Leverage = 100_000
	o.Nonce = nonce
	signOrder(t, e, o, acct)
	return o
}

func fund(t *testing.T, e *Engine, addr string, amount sdkmath.Int) {
	t.Helper()
	if _, err := e.repos.Balances.Credit(context.Background(), addr, amount); err != nil {
		t.Fatalf("credit %s: %v", addr, err)
	}
}

// pump queues one order and runs a loop iteration, the way the running
// loop would handle it.
func pump(t *testing.T, e *Engine, o *types.Order) {
	t.Helper()
	ctx := context.Background()
	if err := e.Ingest(ctx, o); err != nil {
		t.Fatalf("ingest %s: %v", o.ID, err)
	}
	e.loops["BTC"].iterate(ctx, nil, nil, nil)
}

func tick(e *Engine) {
	e.loops["BTC"].iterate(context.Background(), nil, nil, nil)
}

func storedOrder(t *testing.T, e *Engine, id string) *types.Order {
	t.Helper()
	o, err := e.repos.Orders.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get order %s: %v", id, err)
	}
	return o
}

func balanceOf(t *testing.T, e *Engine, addr string) *types.Balance {
	t.Helper()
	b, err := e.repos.Balances.Get(context.Background(), addr)
	if err != nil {
		t.Fatalf("get balance %s: %v", addr, err)
	}
	return b
}

func TestCrossingLimitOrdersSettleBothSides(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	maker, taker := newAccount(t), newAccount(t)
	fund(t, e, maker.addr, unit(100))
	fund(t, e, taker.addr, unit(100))

	pump(t, e, limitOrder(t, e, maker, "o1", types.SideLong, unit(1), unit(100), 1))
	pump(t, e, limitOrder(t, e, taker, "o2", types.SideShort, unit(1), unit(100), 1))

	mo := storedOrder(t, e, "o1")
	if mo.Status != types.OrderStatusFilled {
		t.Fatalf("maker status = %s, want filled (%s)", mo.Status, mo.RejectReason)
	}
	if !mo.AvgFillPrice.Equal(unit(100)) {
		t.Errorf("maker avg fill = %s, want %s", mo.AvgFillPrice, unit(100))
	}
	to := storedOrder(t, e, "o2")
	if to.Status != types.OrderStatusFilled {
		t.Fatalf("taker status = %s, want filled (%s)", to.Status, to.RejectReason)
	}

	mPos, err := e.manager.Get(ctx, maker.addr, "BTC")
	if err != nil {
		t.Fatalf("maker position: %v", err)
	}
	if !mPos.IsLong || !mPos.Size.Equal(unit(1)) || !mPos.EntryPrice.Equal(unit(100)) {
		t.Errorf("maker position = long %v size %s entry %s", mPos.IsLong, mPos.Size, mPos.EntryPrice)
	}
	if !mPos.Collateral.Equal(unit(10)) {
		t.Errorf("maker collateral = %s, want %s", mPos.Collateral, unit(10))
	}
	tPos, err := e.manager.Get(ctx, taker.addr, "BTC")
	if err != nil {
		t.Fatalf("taker position: %v", err)
	}
	if tPos.IsLong || !tPos.Size.Equal(unit(1)) {
		t.Errorf("taker position = long %v size %s", tPos.IsLong, tPos.Size)
	}

	// Maker paid 10 bp on 100, taker 50 bp; margin moved to used, the fee
	// reserves unfroze when the orders left the book.
	mb := balanceOf(t, e, maker.addr)
	if want := unit(100).Sub(e14(1000)); !mb.Wallet.Equal(want) {
		t.Errorf("maker wallet = %s, want %s", mb.Wallet, want)
	}
	if !mb.Used.Equal(unit(10)) || !mb.Frozen.IsZero() {
		t.Errorf("maker used = %s frozen = %s, want 10 / 0", mb.Used, mb.Frozen)
	}
	tb := balanceOf(t, e, taker.addr)
	if want := unit(100).Sub(e14(5000)); !tb.Wallet.Equal(want) {
		t.Errorf("taker wallet = %s, want %s", tb.Wallet, want)
	}
	if !tb.Used.Equal(unit(10)) || !tb.Frozen.IsZero() {
		t.Errorf("taker used = %s frozen = %s, want 10 / 0", tb.Used, tb.Frozen)
	}

	// Half of each fee accrues to the insurance fund.
	if got, want := e.repos.Insurance.Balance(ctx), e14(3000); !got.Equal(want) {
		t.Errorf("insurance = %s, want %s", got, want)
	}

	trades := e.repos.Trades.Recent(ctx, "BTC", 10)
	if len(trades) != 2 {
		t.Fatalf("trade rows = %d, want 2", len(trades))
	}
	if got := e.CurrentPrice("BTC"); !got.Equal(unit(100)) {
		t.Errorf("current price = %s, want %s", got, unit(100))
	}
	stats, _ := e.repos.Markets.Get(ctx, "BTC")
	if !stats.LastPrice.Equal(unit(100)) {
		t.Errorf("stored last price = %s, want %s", stats.LastPrice, unit(100))
	}
	if n := e.loops["BTC"].bk.PendingCount(); n != 0 {
		t.Errorf("resting orders = %d, want 0", n)
	}
}

func TestPartialFillRestsAndCancelReleasesMargin(t *testing.T) {
	e := newTestEngine(t)
	tl := e.loops["BTC"]
	maker, taker := newAccount(t), newAccount(t)
	fund(t, e, maker.addr, unit(100))
	fund(t, e, taker.addr, unit(100))

	pump(t, e, limitOrder(t, e, maker, "o1", types.SideLong, unit(2), unit(100), 1))
	pump(t, e, limitOrder(t, e, taker, "o2", types.SideShort, unit(1), unit(100), 1))

	mo := storedOrder(t, e, "o1")
	if mo.Status != types.OrderStatusPartiallyFilled || !mo.Remaining().Equal(unit(1)) {
		t.Fatalf("maker = %s remaining %s, want partially_filled remaining 1", mo.Status, mo.Remaining())
	}
	if !tl.bk.ContainsOrder("o1") {
		t.Fatal("remainder should rest in the book")
	}
	// 20 margin + 1 fee reserve frozen, 10 settled out by the fill.
	mb := balanceOf(t, e, maker.addr)
	if want := unit(11); !mb.Frozen.Equal(want) {
		t.Errorf("frozen after partial fill = %s, want %s", mb.Frozen, want)
	}

	got, err := tl.doCancel(context.Background(), cancelReq{orderID: "o1", trader: maker.addr}, testNowMs)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != types.OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if tl.bk.ContainsOrder("o1") {
		t.Error("cancelled order still resting")
	}
	mb = balanceOf(t, e, maker.addr)
	if !mb.Frozen.IsZero() {
		t.Errorf("frozen after cancel = %s, want 0", mb.Frozen)
	}
	if !mb.Used.Equal(unit(10)) {
		t.Errorf("used = %s, want %s", mb.Used, unit(10))
	}

	pos, err := e.manager.Get(context.Background(), maker.addr, "BTC")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.Size.Equal(unit(1)) {
		t.Errorf("position size = %s, want 1", pos.Size)
	}
}

func TestCancelChecksOwnership(t *testing.T) {
	e := newTestEngine(t)
	tl := e.loops["BTC"]
	ctx := context.Background()
	owner, other := newAccount(t), newAccount(t)
	fund(t, e, owner.addr, unit(100))

	pump(t, e, limitOrder(t, e, owner, "o1", types.SideLong, unit(1), unit(100), 1))

	if _, err := tl.doCancel(ctx, cancelReq{orderID: "nope", trader: owner.addr}, testNowMs); !errors.IsOf(err, types.ErrOrderNotFound) {
		t.Errorf("unknown id: err = %v, want order not found", err)
	}
	if _, err := tl.doCancel(ctx, cancelReq{orderID: "o1", trader: other.addr}, testNowMs); !errors.IsOf(err, types.ErrInvalidTrader) {
		t.Errorf("foreign cancel: err = %v, want invalid trader", err)
	}
	if _, err := tl.doCancel(ctx, cancelReq{orderID: "o1", trader: owner.addr}, testNowMs); err != nil {
		t.Fatalf("own cancel: %v", err)
	}
	if _, err := tl.doCancel(ctx, cancelReq{orderID: "o1", trader: owner.addr}, testNowMs); !errors.IsOf(err, types.ErrOrderNotActive) {
		t.Errorf("double cancel: err = %v, want order not active", err)
	}
}

func TestValidationRejects(t *testing.T) {
	cases := []struct {
		name   string
		fund   sdkmath.Int
		order  func(t *testing.T, e *Engine, acct account) *types.Order
		reason string
	}{
		{
			name: "tampered payload",
			fund: unit(100),
			order: func(t *testing.T, e *Engine, acct account) *types.Order {
				o := limitOrder(t, e, acct, "o1", types.SideLong, unit(1), unit(100), 1)
				o.Price = unit(99)
				return o
			},
			reason: "signature does not recover trader",
		},
		{
			name: "size below market minimum",
			fund: unit(100),
			order: func(t *testing.T, e *Engine, acct account) *types.Order {
				return limitOrder(t, e, acct, "o1", types.SideLong, e14(10), unit(100), 1)
			},
			reason: "below market minimum",
		},
		{
			name: "leverage above market cap",
			fund: unit(100),
			order: func(t *testing.T, e *Engine, acct account) *types.Order {
				o := types.NewOrder("o1", acct.addr, "BTC", types.SideLong, types.OrderTypeLimit, unit(1), unit(100), testNowMs)
				o.Leverage = 600_000
				o.Nonce = 1
				signOrder(t, e, o, acct)
				return o
			},
			reason: "invalid leverage",
		},
		{
			name: "insufficient balance for margin",
			fund: unit(1),
			order: func(t *testing.T, e *Engine, acct account) *types.Order {
				return limitOrder(t, e, acct, "o1", types.SideLong, unit(1), unit(100), 1)
			},
			reason: "insufficient margin",
		},
		{
			name: "limit order without price",
			fund: unit(100),
			order: func(t *testing.T, e *Engine, acct account) *types.Order {
				return limitOrder(t, e, acct, "o1", types.SideLong, unit(1), sdkmath.ZeroInt(), 1)
			},
			reason: "needs a price",
		},
		{
			name: "conditional order without trigger",
			fund: unit(100),
			order: func(t *testing.T, e *Engine, acct account) *types.Order {
				o := types.NewOrder("o1", acct.addr, "BTC", types.SideShort, types.OrderTypeStopLoss, unit(1), sdkmath.ZeroInt(), testNowMs)
				o.Leverage = 100_000
				o.Nonce = 1
				signOrder(t, e, o, acct)
				return o
			},
			reason: "needs a trigger price",
		},
		{
			name: "GTD without deadline",
			fund: unit(100),
			order: func(t *testing.T, e *Engine, acct account) *types.Order {
				o := types.NewOrder("o1", acct.addr, "BTC", types.SideLong, types.OrderTypeLimit, unit(1), unit(100), testNowMs)
				o.Leverage = 100_000
				o.Nonce = 1
				o.TimeInForce = types.TimeInForceGTD
				signOrder(t, e, o, acct)
				return o
			},
			reason: "needs a deadline",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t)
			acct := newAccount(t)
			fund(t, e, acct.addr, tc.fund)

			pump(t, e, tc.order(t, e, acct))

			o := storedOrder(t, e, "o1")
			if o.Status != types.OrderStatusRejected {
				t.Fatalf("status = %s, want rejected", o.Status)
			}
			if !strings.Contains(o.RejectReason, tc.reason) {
				t.Errorf("reason = %q, want it to contain %q", o.RejectReason, tc.reason)
			}
			b := balanceOf(t, e, acct.addr)
			if !b.Frozen.IsZero() || !b.Used.IsZero() {
				t.Errorf("rejected order moved margin: frozen %s used %s", b.Frozen, b.Used)
			}
		})
	}
}

func TestNonceReplayRejected(t *testing.T) {
	e := newTestEngine(t)
	acct := newAccount(t)
	fund(t, e, acct.addr, unit(100))

	pump(t, e, limitOrder(t, e, acct, "o1", types.SideLong, unit(1), unit(90), 7))
	pump(t, e, limitOrder(t, e, acct, "o2", types.SideLong, unit(1), unit(91), 7))

	if got := storedOrder(t, e, "o1").Status; got != types.OrderStatusPending {
		t.Fatalf("first order status = %s, want pending", got)
	}
	replay := storedOrder(t, e, "o2")
	if replay.Status != types.OrderStatusRejected {
		t.Fatalf("replay status = %s, want rejected", replay.Status)
	}
	if !strings.Contains(replay.RejectReason, "nonce already used") {
		t.Errorf("reason = %q, want nonce already used", replay.RejectReason)
	}
}

func TestReduceOnlyRequiresAndClampsPosition(t *testing.T) {
	e := newTestEngine(t)
	maker, taker := newAccount(t), newAccount(t)
	fund(t, e, maker.addr, unit(100))
	fund(t, e, taker.addr, unit(100))

	// No position yet: the reduce-only order has nothing to reduce.
	early := types.NewOrder("r0", maker.addr, "BTC", types.SideShort, types.OrderTypeLimit, unit(1), unit(110), testNowMs)
	early.ReduceOnly = true
	early.Nonce = 1
	signOrder(t, e, early, maker)
	pump(t, e, early)
	if got := storedOrder(t, e, "r0"); got.Status != types.OrderStatusRejected ||
		!strings.Contains(got.RejectReason, "reduce-only") {
		t.Fatalf("early reduce-only = %s (%q), want rejected reduce-only", got.Status, got.RejectReason)
	}

	pump(t, e, limitOrder(t, e, maker, "o1", types.SideLong, unit(1), unit(100), 2))
	pump(t, e, limitOrder(t, e, taker, "o2", types.SideShort, unit(1), unit(100), 1))

	frozenBefore := balanceOf(t, e, maker.addr).Frozen

	ro := types.NewOrder("r1", maker.addr, "BTC", types.SideShort, types.OrderTypeLimit, unit(2), unit(110), testNowMs)
	ro.ReduceOnly = true
	ro.Nonce = 3
	signOrder(t, e, ro, maker)
	pump(t, e, ro)

	got := storedOrder(t, e, "r1")
	if got.Status != types.OrderStatusPending {
		t.Fatalf("reduce-only status = %s (%q), want pending", got.Status, got.RejectReason)
	}
	if !got.Size.Equal(unit(1)) {
		t.Errorf("clamped size = %s, want 1", got.Size)
	}
	if !e.loops["BTC"].bk.ContainsOrder("r1") {
		t.Error("reduce-only order should rest")
	}
	if after := balanceOf(t, e, maker.addr).Frozen; !after.Equal(frozenBefore) {
		t.Errorf("reduce-only froze margin: %s -> %s", frozenBefore, after)
	}

	// Same-side reduce-only can only increase the position.
	same := types.NewOrder("r2", maker.addr, "BTC", types.SideLong, types.OrderTypeLimit, unit(1), unit(90), testNowMs)
	same.ReduceOnly = true
	same.Nonce = 4
	signOrder(t, e, same, maker)
	pump(t, e, same)
	if got := storedOrder(t, e, "r2"); got.Status != types.OrderStatusRejected {
		t.Errorf("same-side reduce-only = %s, want rejected", got.Status)
	}
}

func TestTakeProfitTriggersAndFills(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	holder, counterpart, bidder, seller := newAccount(t), newAccount(t), newAccount(t), newAccount(t)
	for _, a := range []account{holder, counterpart, bidder, seller} {
		fund(t, e, a.addr, unit(100))
	}

	// Long 1 @ 100 for the holder.
	pump(t, e, limitOrder(t, e, holder, "o1", types.SideLong, unit(1), unit(100), 1))
	pump(t, e, limitOrder(t, e, counterpart, "o2", types.SideShort, unit(1), unit(100), 1))

	tp := types.NewOrder("tp1", holder.addr, "BTC", types.SideShort, types.OrderTypeTakeProfit, unit(1), sdkmath.ZeroInt(), testNowMs)
	tp.TriggerPrice = unit(150)
	tp.ReduceOnly = true
	tp.Nonce = 2
	signOrder(t, e, tp, holder)
	pump(t, e, tp)

	if got := storedOrder(t, e, "tp1").Status; got != types.OrderStatusPending {
		t.Fatalf("take profit parked = %s, want pending", got)
	}
	if n := len(e.repos.Orders.WaitingTriggers(ctx, "BTC")); n != 1 {
		t.Fatalf("waiting triggers = %d, want 1", n)
	}

	// Print 150: a resting bid and a half-size seller.
	pump(t, e, limitOrder(t, e, bidder, "o3", types.SideLong, unit(1), unit(150), 1))
	pump(t, e, limitOrder(t, e, seller, "o4", types.SideShort, e14(5000), unit(150), 1))
	tick(e)

	got := storedOrder(t, e, "tp1")
	if got.Status != types.OrderStatusCancelled {
		t.Fatalf("fired take profit = %s (%q), want cancelled after market remainder drop", got.Status, got.RejectReason)
	}
	if !got.FilledSize.Equal(e14(5000)) || !got.AvgFillPrice.Equal(unit(150)) {
		t.Errorf("take profit filled %s @ %s, want 0.5 @ 150", got.FilledSize, got.AvgFillPrice)
	}

	pos, err := e.manager.Get(ctx, holder.addr, "BTC")
	if err != nil {
		t.Fatalf("holder position: %v", err)
	}
	if !pos.Size.Equal(e14(5000)) {
		t.Errorf("position size = %s, want 0.5", pos.Size)
	}

	// 99.9 after the opening fee, plus 25 realized on the half close minus
	// the 0.375 taker fee.
	b := balanceOf(t, e, holder.addr)
	if want := unit(124).Add(e14(5250)); !b.Wallet.Equal(want) {
		t.Errorf("holder wallet = %s, want %s", b.Wallet, want)
	}
}

func TestStopLossFreezesMarginAndCancelReleases(t *testing.T) {
	e := newTestEngine(t)
	tl := e.loops["BTC"]
	ctx := context.Background()
	acct := newAccount(t)
	fund(t, e, acct.addr, unit(100))

	sl := types.NewOrder("sl1", acct.addr, "BTC", types.SideShort, types.OrderTypeStopLoss, unit(1), sdkmath.ZeroInt(), testNowMs)
	sl.TriggerPrice = unit(90)
	sl.Leverage = 100_000
	sl.Nonce = 1
	signOrder(t, e, sl, acct)
	pump(t, e, sl)

	if got := storedOrder(t, e, "sl1").Status; got != types.OrderStatusPending {
		t.Fatalf("stop loss = %s, want pending", got)
	}
	// Margin 9 plus 0.45 fee reserve at the 90 trigger reference.
	if frozen := balanceOf(t, e, acct.addr).Frozen; !frozen.Equal(e14(94500)) {
		t.Errorf("frozen = %s, want %s", frozen, e14(94500))
	}

	if _, err := tl.doCancel(ctx, cancelReq{orderID: "sl1", trader: acct.addr}, testNowMs); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if frozen := balanceOf(t, e, acct.addr).Frozen; !frozen.IsZero() {
		t.Errorf("frozen after cancel = %s, want 0", frozen)
	}
	if n := len(e.repos.Orders.WaitingTriggers(ctx, "BTC")); n != 0 {
		t.Errorf("waiting triggers = %d, want 0", n)
	}
}

func TestTrailingStopReseatsAndFires(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	holder, counterpart := newAccount(t), newAccount(t)
	highBid, highSeller := newAccount(t), newAccount(t)
	lowBid, lowSeller := newAccount(t), newAccount(t)
	for _, a := range []account{holder, counterpart, highBid, highSeller, lowBid, lowSeller} {
		fund(t, e, a.addr, unit(100))
	}

	pump(t, e, limitOrder(t, e, holder, "o1", types.SideLong, unit(1), unit(100), 1))
	pump(t, e, limitOrder(t, e, counterpart, "o2", types.SideShort, unit(1), unit(100), 1))

	ts := types.NewOrder("ts1", holder.addr, "BTC", types.SideShort, types.OrderTypeTrailingStop, unit(1), sdkmath.ZeroInt(), testNowMs)
	ts.TriggerPrice = unit(95)
	ts.TrailDelta = unit(5)
	ts.ReduceOnly = true
	ts.Nonce = 2
	signOrder(t, e, ts, holder)
	pump(t, e, ts)

	// Rally to 110 drags the trigger up to 105.
	pump(t, e, limitOrder(t, e, highBid, "o3", types.SideLong, unit(1), unit(110), 1))
	pump(t, e, limitOrder(t, e, highSeller, "o4", types.SideShort, unit(1), unit(110), 1))
	if got := storedOrder(t, e, "ts1").TriggerPrice; !got.Equal(unit(105)) {
		t.Fatalf("trigger after rally = %s, want 105", got)
	}

	// Pullback to 104 crosses the trailed trigger; the stop sells into the
	// remaining half of the 104 bid.
	pump(t, e, limitOrder(t, e, lowBid, "o5", types.SideLong, unit(1), unit(104), 1))
	pump(t, e, limitOrder(t, e, lowSeller, "o6", types.SideShort, e14(5000), unit(104), 1))
	if got := storedOrder(t, e, "ts1").TriggerPrice; !got.Equal(unit(105)) {
		t.Fatalf("trigger after pullback = %s, want unchanged 105", got)
	}
	tick(e)

	got := storedOrder(t, e, "ts1")
	if got.Status != types.OrderStatusCancelled || !got.FilledSize.Equal(e14(5000)) {
		t.Fatalf("fired trailing stop = %s filled %s, want cancelled filled 0.5", got.Status, got.FilledSize)
	}
	if !got.AvgFillPrice.Equal(unit(104)) {
		t.Errorf("fill price = %s, want 104", got.AvgFillPrice)
	}
	pos, err := e.manager.Get(ctx, holder.addr, "BTC")
	if err != nil {
		t.Fatalf("holder position: %v", err)
	}
	if !pos.Size.Equal(e14(5000)) {
		t.Errorf("position size = %s, want 0.5", pos.Size)
	}
}

func TestGTDOrderExpiresOnSweep(t *testing.T) {
	e := newTestEngine(t)
	acct := newAccount(t)
	fund(t, e, acct.addr, unit(100))

	o := types.NewOrder("o1", acct.addr, "BTC", types.SideLong, types.OrderTypeLimit, unit(1), unit(100), testNowMs)
	o.Leverage = 100_000
	o.Nonce = 1
	o.TimeInForce = types.TimeInForceGTD
	o.Deadline = testNowMs + 1000
	signOrder(t, e, o, acct)
	pump(t, e, o)

	if !e.loops["BTC"].bk.ContainsOrder("o1") {
		t.Fatal("GTD order should rest before its deadline")
	}
	if frozen := balanceOf(t, e, acct.addr).Frozen; frozen.IsZero() {
		t.Fatal("GTD order should hold frozen margin")
	}

	e.now = func() time.Time { return time.UnixMilli(testNowMs + 2000) }
	tick(e)

	got := storedOrder(t, e, "o1")
	if got.Status != types.OrderStatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if e.loops["BTC"].bk.ContainsOrder("o1") {
		t.Error("expired order still resting")
	}
	if frozen := balanceOf(t, e, acct.addr).Frozen; !frozen.IsZero() {
		t.Errorf("frozen after expiry = %s, want 0", frozen)
	}
}

func TestMarketOrderWithoutReferencePriceRejected(t *testing.T) {
	e := newTestEngine(t)
	acct := newAccount(t)
	fund(t, e, acct.addr, unit(100))

	o := types.NewOrder("o1", acct.addr, "BTC", types.SideLong, types.OrderTypeMarket, unit(1), sdkmath.ZeroInt(), testNowMs)
	o.Leverage = 100_000
	o.Nonce = 1
	signOrder(t, e, o, acct)
	pump(t, e, o)

	got := storedOrder(t, e, "o1")
	if got.Status != types.OrderStatusRejected || !strings.Contains(got.RejectReason, "no price available") {
		t.Errorf("status = %s reason %q, want rejected for missing price", got.Status, got.RejectReason)
	}
}

func TestMarketOrderRemainderCancelled(t *testing.T) {
	e := newTestEngine(t)
	e.loops["BTC"].bk.SetLastPrice(unit(100))
	acct := newAccount(t)
	fund(t, e, acct.addr, unit(100))

	o := types.NewOrder("o1", acct.addr, "BTC", types.SideLong, types.OrderTypeMarket, unit(1), sdkmath.ZeroInt(), testNowMs)
	o.Leverage = 100_000
	o.Nonce = 1
	signOrder(t, e, o, acct)
	pump(t, e, o)

	got := storedOrder(t, e, "o1")
	if got.Status != types.OrderStatusCancelled {
		t.Fatalf("status = %s (%q), want cancelled", got.Status, got.RejectReason)
	}
	if frozen := balanceOf(t, e, acct.addr).Frozen; !frozen.IsZero() {
		t.Errorf("frozen after unfilled market order = %s, want 0", frozen)
	}
}

func TestIngestBackpressure(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	acct := newAccount(t)

	bad := limitOrder(t, e, acct, "x1", types.SideLong, unit(1), unit(100), 1)
	bad.Token = "ETH"
	if err := e.Ingest(ctx, bad); !errors.IsOf(err, types.ErrMarketNotFound) {
		t.Errorf("unknown market: err = %v, want market not found", err)
	}

	e.loops["BTC"].ingestCh = make(chan *types.Order, 1)
	if err := e.Ingest(ctx, limitOrder(t, e, acct, "o1", types.SideLong, unit(1), unit(100), 2)); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	err := e.Ingest(ctx, limitOrder(t, e, acct, "o2", types.SideLong, unit(1), unit(100), 3))
	if !errors.IsOf(err, types.ErrEngineBusy) {
		t.Errorf("full queue: err = %v, want engine busy", err)
	}
}

func TestBookMoveClaimsCrossedLiquidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	victim, counter, bidder, p1, p2 := newAccount(t), newAccount(t), newAccount(t), newAccount(t), newAccount(t)
	for _, a := range []account{victim, counter, bidder, p1, p2} {
		fund(t, e, a.addr, unit(100))
	}

	// 10x long at 100 with 5% base maintenance liquidates at 95.
	pump(t, e, limitOrder(t, e, victim, "o1", types.SideLong, unit(1), unit(100), 1))
	pump(t, e, limitOrder(t, e, counter, "o2", types.SideShort, unit(1), unit(100), 1))

	pos, err := e.manager.Get(ctx, victim.addr, "BTC")
	if err != nil {
		t.Fatalf("victim position: %v", err)
	}
	if !pos.LiquidationPrice.Equal(unit(95)) {
		t.Fatalf("liquidation price = %s, want %s", pos.LiquidationPrice, unit(95))
	}

	// Liquidity inside the corridor for the close, then a print exactly at
	// the liquidation price.
	pump(t, e, limitOrder(t, e, bidder, "o3", types.SideLong, unit(1), unit(94), 1))
	pump(t, e, limitOrder(t, e, p1, "o4", types.SideLong, e14(2000), unit(95), 1))
	pump(t, e, limitOrder(t, e, p2, "o5", types.SideShort, e14(2000), unit(95), 1))

	claimed, err := e.repos.Positions.Get(ctx, pos.ID)
	if err != nil {
		t.Fatalf("reload position: %v", err)
	}
	if !claimed.IsLiquidating {
		t.Fatal("crossing print should claim the position")
	}

	// The queued claim executes on the next pass.
	tick(e)

	final, err := e.repos.Positions.Get(ctx, pos.ID)
	if err != nil {
		t.Fatalf("reload after liquidation: %v", err)
	}
	if final.Status != types.PositionStatusLiquidated {
		t.Fatalf("status = %s, want liquidated", final.Status)
	}
	if final.IsLiquidating {
		t.Error("claim not released after close")
	}

	var sawLiqFill bool
	for _, tr := range e.repos.Trades.Recent(ctx, "BTC", 20) {
		if tr.Type == types.TradeTypeLiquidation && tr.Trader == victim.addr {
			sawLiqFill = true
			if !tr.Price.Equal(unit(94)) {
				t.Errorf("liquidation fill price = %s, want %s", tr.Price, unit(94))
			}
		}
	}
	if !sawLiqFill {
		t.Fatal("no liquidation fill printed for the victim")
	}
}

func TestBootRebuildRestoresBook(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	maker, taker, rester, closer := newAccount(t), newAccount(t), newAccount(t), newAccount(t)
	for _, a := range []account{maker, taker, rester, closer} {
		fund(t, e, a.addr, unit(100))
	}

	// A trade seeds the stored last price, then a fresh bid rests.
	pump(t, e, limitOrder(t, e, maker, "o1", types.SideLong, unit(1), unit(100), 1))
	pump(t, e, limitOrder(t, e, taker, "o2", types.SideShort, unit(1), unit(100), 1))
	pump(t, e, limitOrder(t, e, rester, "o3", types.SideLong, unit(1), unit(95), 1))

	e2 := New(e.repos, e.manager, e.journal, e.locker, e.keys, e.liq, e.markets, nil, nil, e.cfg, log.NewNopLogger())
	e2.now = e.now
	tl2 := e2.loops["BTC"]
	tl2.rebuild(ctx)

	if !tl2.bk.ContainsOrder("o3") {
		t.Fatal("rebuilt book should hold the resting bid")
	}
	if got := e2.CurrentPrice("BTC"); !got.Equal(unit(100)) {
		t.Errorf("rebuilt price = %s, want 100", got)
	}

	// The restored order still matches.
	if err := e2.Ingest(ctx, limitOrder(t, e2, closer, "o4", types.SideShort, unit(1), unit(95), 1)); err != nil {
		t.Fatalf("ingest on rebuilt engine: %v", err)
	}
	tl2.iterate(ctx, nil, nil, nil)

	pos, err := e2.manager.Get(ctx, rester.addr, "BTC")
	if err != nil {
		t.Fatalf("restored maker position: %v", err)
	}
	if !pos.IsLong || !pos.Size.Equal(unit(1)) || !pos.EntryPrice.Equal(unit(95)) {
		t.Errorf("position = long %v size %s entry %s, want long 1 @ 95", pos.IsLong, pos.Size, pos.EntryPrice)
	}
}

func TestBootReleasesStaleClaim(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	maker, taker := newAccount(t), newAccount(t)
	fund(t, e, maker.addr, unit(100))
	fund(t, e, taker.addr, unit(100))

	pump(t, e, limitOrder(t, e, maker, "o1", types.SideLong, unit(1), unit(100), 1))
	pump(t, e, limitOrder(t, e, taker, "o2", types.SideShort, unit(1), unit(100), 1))
	pos, err := e.manager.Get(ctx, maker.addr, "BTC")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if ok, _ := e.repos.Positions.SetLiquidating(ctx, pos.ID); !ok {
		t.Fatal("claim should be free")
	}

	// A crash leaves the claim behind; the rebuilt loop hands it back to
	// the risk pump.
	e2 := New(e.repos, e.manager, e.journal, e.locker, e.keys, e.liq, e.markets, nil, nil, e.cfg, log.NewNopLogger())
	e2.now = e.now
	e2.loops["BTC"].rebuild(ctx)

	got, err := e.repos.Positions.Get(ctx, pos.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.IsLiquidating {
		t.Fatal("stale claim survived rebuild")
	}
}

func TestRunLoopEndToEnd(t *testing.T) {
	e := newTestEngine(t)
	e.now = time.Now
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	maker, taker := newAccount(t), newAccount(t)
	fund(t, e, maker.addr, unit(100))
	fund(t, e, taker.addr, unit(100))
	if err := e.Ingest(ctx, limitOrder(t, e, maker, "o1", types.SideLong, unit(1), unit(100), 1)); err != nil {
		t.Fatalf("ingest maker: %v", err)
	}
	if err := e.Ingest(ctx, limitOrder(t, e, taker, "o2", types.SideShort, unit(1), unit(100), 1)); err != nil {
		t.Fatalf("ingest taker: %v", err)
	}

	waitFor(t, "positions to open", func() bool {
		_, err := e.manager.Get(ctx, maker.addr, "BTC")
		return err == nil
	})

	if _, err := e.Cancel(ctx, "BTC", "nope", maker.addr); !errors.IsOf(err, types.ErrOrderNotFound) {
		t.Errorf("cancel round trip: err = %v, want order not found", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
