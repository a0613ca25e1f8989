package types

import (
	"testing"

	sdkmath "cosmossdk.io/math"
)

func newTestPosition(t *testing.T) *Position {
	t.Helper()
	// 1.0 long at 100, 10x: collateral = 100/10 = 10.
	return NewPosition("p1", "0xaa", "0xt", true, price(1), price(100), price(10), 100000, MarginModeIsolated, 1000)
}

func TestPositionRevalue(t *testing.T) {
	p := newTestPosition(t)

	p.Revalue(price(91), 2000)
	if !p.UnrealizedPnL.Equal(price(-9)) {
		t.Fatalf("uPnL = %s, want -9e18", p.UnrealizedPnL)
	}
	if !p.Margin.Equal(price(1)) {
		t.Fatalf("margin = %s, want 1e18", p.Margin)
	}

	// Invariant: margin = collateral + uPnL.
	if !p.Margin.Equal(p.Collateral.Add(p.UnrealizedPnL)) {
		t.Fatal("margin invariant broken")
	}
}

func TestPositionAddMovesVWAP(t *testing.T) {
	p := newTestPosition(t)

	// Add 1.0 at 110: avg entry (100 + 110)/2 = 105.
	p.Add(price(1), price(110), price(11), 2000)
	if !p.AvgEntry.Equal(price(105)) {
		t.Fatalf("avg entry = %s, want 105e18", p.AvgEntry)
	}
	if !p.Size.Equal(price(2)) {
		t.Fatalf("size = %s, want 2e18", p.Size)
	}
	if !p.Collateral.Equal(price(21)) {
		t.Fatalf("collateral = %s, want 21e18", p.Collateral)
	}
	// First entry stays.
	if !p.EntryPrice.Equal(price(100)) {
		t.Fatalf("entry price moved: %s", p.EntryPrice)
	}
}

func TestPositionReduce(t *testing.T) {
	p := newTestPosition(t)
	p.Add(price(1), price(100), price(10), 1500) // 2.0 @ 100, collateral 20

	realized, released := p.Reduce(price(1), price(110), 2000)
	if !realized.Equal(price(10)) {
		t.Fatalf("realized = %s, want 10e18", realized)
	}
	if !released.Equal(price(10)) {
		t.Fatalf("released = %s, want half the collateral", released)
	}
	if p.Status != PositionStatusOpen || !p.Size.Equal(price(1)) {
		t.Fatalf("position should stay open at 1e18, got %s %s", p.Status, p.Size)
	}

	// Close the rest at a loss.
	realized, released = p.Reduce(price(1), price(95), 3000)
	if !realized.Equal(price(-5)) {
		t.Fatalf("realized = %s, want -5e18", realized)
	}
	if !released.Equal(price(10)) {
		t.Fatalf("released = %s, want remaining collateral", released)
	}
	if p.Status != PositionStatusClosed || !p.Size.IsZero() {
		t.Fatalf("position should be closed, got %s %s", p.Status, p.Size)
	}
}

func TestRecomputeLiquidationPrice(t *testing.T) {
	p := newTestPosition(t)
	p.MaintenanceMargin = price(1) // fix maintenance at 1.0

	// Long: liq = entry - (collateral - mm)/size = 100 - 9 = 91.
	p.RecomputeLiquidationPrice()
	if !p.LiquidationPrice.Equal(price(91)) {
		t.Fatalf("long liq = %s, want 91e18", p.LiquidationPrice)
	}

	// Margin at the liquidation price equals the maintenance margin.
	if !p.UnrealizedPnLAt(p.LiquidationPrice).Add(p.Collateral).Equal(p.MaintenanceMargin) {
		t.Fatal("margin(liqPrice) != maintenanceMargin")
	}

	// Short mirror: liq = entry + buffer = 109.
	p.IsLong = false
	p.RecomputeLiquidationPrice()
	if !p.LiquidationPrice.Equal(price(109)) {
		t.Fatalf("short liq = %s, want 109e18", p.LiquidationPrice)
	}

	// Deep collateral floors a long at zero.
	p.IsLong = true
	p.Collateral = price(200)
	p.RecomputeLiquidationPrice()
	if !p.LiquidationPrice.IsZero() {
		t.Fatalf("liq = %s, want 0", p.LiquidationPrice)
	}
}

func TestLiquidationCrossed(t *testing.T) {
	p := newTestPosition(t)
	p.LiquidationPrice = price(91)

	if p.LiquidationCrossed(price(92)) {
		t.Error("long crossed above its liquidation price")
	}
	if !p.LiquidationCrossed(price(91)) || !p.LiquidationCrossed(price(90)) {
		t.Error("long not crossed at or below its liquidation price")
	}

	p.IsLong = false
	p.LiquidationPrice = price(109)
	if p.LiquidationCrossed(price(108)) {
		t.Error("short crossed below its liquidation price")
	}
	if !p.LiquidationCrossed(price(109)) || !p.LiquidationCrossed(price(110)) {
		t.Error("short not crossed at or above its liquidation price")
	}

	// Unset liquidation prices never match.
	p.LiquidationPrice = sdkmath.ZeroInt()
	if p.LiquidationCrossed(price(1)) {
		t.Error("zero liquidation price matched")
	}
}

func TestRecomputeBankruptcyPrice(t *testing.T) {
	p := newTestPosition(t)

	// Long: bankruptcy = entry - collateral/size = 100 - 10 = 90.
	p.RecomputeBankruptcyPrice()
	if !p.BankruptcyPrice.Equal(price(90)) {
		t.Fatalf("bankruptcy = %s, want 90e18", p.BankruptcyPrice)
	}
	if !p.UnrealizedPnLAt(p.BankruptcyPrice).Add(p.Collateral).IsZero() {
		t.Fatal("margin(bankruptcyPrice) != 0")
	}

	p.IsLong = false
	p.RecomputeBankruptcyPrice()
	if !p.BankruptcyPrice.Equal(price(110)) {
		t.Fatalf("short bankruptcy = %s, want 110e18", p.BankruptcyPrice)
	}
}

func TestPositionHashRoundTrip(t *testing.T) {
	p := newTestPosition(t)
	p.MMR = 250
	p.MarginRatio = 8532
	p.ROE = -1200
	p.RiskLevel = RiskLevelHigh
	p.IsLiquidatable = true
	p.ADLRank = 2
	p.Revalue(price(95), 2000)
	p.RecomputeLiquidationPrice()
	p.RecomputeBankruptcyPrice()

	got := PositionFromHash(p.Hash())

	if got.ID != p.ID || got.Trader != p.Trader || got.Token != p.Token || got.IsLong != p.IsLong {
		t.Fatalf("identity lost: %+v", got)
	}
	if !got.Size.Equal(p.Size) || !got.AvgEntry.Equal(p.AvgEntry) || !got.Collateral.Equal(p.Collateral) {
		t.Fatalf("sizing lost: %+v", got)
	}
	if !got.Margin.Equal(p.Margin) || !got.UnrealizedPnL.Equal(p.UnrealizedPnL) {
		t.Fatalf("valuation lost: %+v", got)
	}
	if !got.LiquidationPrice.Equal(p.LiquidationPrice) || !got.BankruptcyPrice.Equal(p.BankruptcyPrice) {
		t.Fatalf("derived prices lost: %+v", got)
	}
	if got.MMR != p.MMR || got.MarginRatio != p.MarginRatio || got.ROE != p.ROE {
		t.Fatalf("risk fields lost: %+v", got)
	}
	if got.RiskLevel != RiskLevelHigh || !got.IsLiquidatable || got.ADLRank != 2 {
		t.Fatalf("flags lost: %+v", got)
	}
	if got.Status != p.Status || got.Leverage != p.Leverage || got.MarginMode != p.MarginMode {
		t.Fatalf("mode fields lost: %+v", got)
	}
}

func TestPositionFromHashLegacyAliases(t *testing.T) {
	h := map[string]string{
		"id":            "p1",
		"userAddress":   "0xlegacy",
		"symbol":        "0xtok",
		"isLong":        "1",
		"size":          "1000000000000000000",
		"initialMargin": "5000000000000000000",
	}
	p := PositionFromHash(h)
	if p.Trader != "0xlegacy" || p.Token != "0xtok" {
		t.Fatalf("legacy identity not accepted: %+v", p)
	}
	if !p.Collateral.Equal(price(5)) {
		t.Fatalf("initialMargin alias not read: %s", p.Collateral)
	}
	// Margin defaults to collateral when the field is missing.
	if !p.Margin.Equal(price(5)) {
		t.Fatalf("margin fallback = %s, want collateral", p.Margin)
	}

	out := p.Hash()
	for _, legacy := range []string{"userAddress", "symbol", "initialMargin"} {
		if _, ok := out[legacy]; ok {
			t.Fatalf("writer emitted legacy field %s", legacy)
		}
	}
}

func TestBalanceArithmetic(t *testing.T) {
	b := NewBalance("0xaa")
	b.Wallet = price(10)
	b.Frozen = price(2)
	b.Used = price(3)
	b.UnrealizedPnL = price(1)

	if !b.Available().Equal(price(5)) {
		t.Fatalf("available = %s, want 5e18", b.Available())
	}
	if !b.Equity().Equal(price(9)) {
		t.Fatalf("equity = %s, want 9e18", b.Equity())
	}
	if !b.CanAfford(price(5)) || b.CanAfford(price(6)) {
		t.Fatal("CanAfford boundary wrong")
	}

	rt := BalanceFromHash(b.Hash())
	if !rt.Wallet.Equal(b.Wallet) || !rt.Frozen.Equal(b.Frozen) || !rt.Used.Equal(b.Used) {
		t.Fatalf("balance round trip lost fields: %+v", rt)
	}
}

func TestKlineUpdate(t *testing.T) {
	k := &Kline{Token: "0xt", OpenTime: 0, Open: price(100), High: price(100), Low: price(100), Close: price(100), Volume: sdkmath.ZeroInt()}

	k.Update(price(105), price(1))
	k.Update(price(98), price(2))
	k.Update(price(101), sdkmath.ZeroInt())

	if !k.High.Equal(price(105)) || !k.Low.Equal(price(98)) || !k.Close.Equal(price(101)) {
		t.Fatalf("OHLC wrong: %+v", k)
	}
	if !k.Volume.Equal(price(3)) || k.Trades != 2 {
		t.Fatalf("volume/trades wrong: %s %d", k.Volume, k.Trades)
	}
}
