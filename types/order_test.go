package types

import (
	"testing"

	sdkmath "cosmossdk.io/math"
)

func price(n int64) sdkmath.Int {
	return sdkmath.NewInt(n).Mul(sdkmath.NewIntFromUint64(1_000_000_000_000_000_000))
}

func TestOrderFill(t *testing.T) {
	o := NewOrder("o1", "0xaa", "0xt", SideLong, OrderTypeLimit, price(3), price(100), 1000)

	if err := o.Fill(price(1), price(100), 1001); err != nil {
		t.Fatal(err)
	}
	if o.Status != OrderStatusPartiallyFilled {
		t.Fatalf("status = %s, want partially_filled", o.Status)
	}
	if !o.Remaining().Equal(price(2)) {
		t.Fatalf("remaining = %s, want 2e18", o.Remaining())
	}

	// Second fill at a different price moves the VWAP: (100 + 2*103)/3 = 102.
	if err := o.Fill(price(2), price(103), 1002); err != nil {
		t.Fatal(err)
	}
	if o.Status != OrderStatusFilled {
		t.Fatalf("status = %s, want filled", o.Status)
	}
	if !o.AvgFillPrice.Equal(price(102)) {
		t.Fatalf("avg fill = %s, want 102e18", o.AvgFillPrice)
	}

	if err := o.Fill(price(1), price(100), 1003); err == nil {
		t.Fatal("overfill must error")
	}
}

func TestOrderShouldTrigger(t *testing.T) {
	tests := []struct {
		name    string
		typ     OrderType
		side    Side
		trigger int64
		mark    int64
		want    bool
	}{
		{"stop-loss sell fires on fall", OrderTypeStopLoss, SideShort, 90, 89, true},
		{"stop-loss sell holds above", OrderTypeStopLoss, SideShort, 90, 91, false},
		{"stop-loss buy fires on rise", OrderTypeStopLoss, SideLong, 110, 111, true},
		{"stop-loss buy holds below", OrderTypeStopLoss, SideLong, 110, 109, false},
		{"take-profit sell fires on rise", OrderTypeTakeProfit, SideShort, 150, 150, true},
		{"take-profit sell holds below", OrderTypeTakeProfit, SideShort, 150, 149, false},
		{"take-profit buy fires on fall", OrderTypeTakeProfit, SideLong, 80, 79, true},
		{"take-profit buy holds above", OrderTypeTakeProfit, SideLong, 80, 81, false},
		{"limit never triggers", OrderTypeLimit, SideLong, 100, 100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOrder("o", "0xaa", "0xt", tt.side, tt.typ, price(1), sdkmath.ZeroInt(), 0)
			o.TriggerPrice = price(tt.trigger)
			if got := o.ShouldTrigger(price(tt.mark)); got != tt.want {
				t.Errorf("ShouldTrigger = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOrderGTDExpiry(t *testing.T) {
	o := NewOrder("o", "0xaa", "0xt", SideLong, OrderTypeLimit, price(1), price(100), 0)
	o.TimeInForce = TimeInForceGTD
	o.Deadline = 5000

	if o.IsExpired(4999) {
		t.Fatal("not yet expired")
	}
	if !o.IsExpired(5000) {
		t.Fatal("expired at the deadline")
	}

	// GTC ignores the deadline field.
	o.TimeInForce = TimeInForceGTC
	if o.IsExpired(9999) {
		t.Fatal("GTC never expires")
	}
}

func TestOrderHashRoundTrip(t *testing.T) {
	o := NewOrder("o1", "0xaa", "0xt", SideShort, OrderTypeTakeProfit, price(2), price(130), 42)
	o.TriggerPrice = price(150)
	o.Leverage = 100000
	o.Margin = price(1)
	o.ReduceOnly = true
	o.Nonce = 7
	o.Signature = "deadbeef"

	got := OrderFromHash(o.Hash())
	if got.ID != o.ID || got.Trader != o.Trader || got.Token != o.Token {
		t.Fatalf("identity fields lost: %+v", got)
	}
	if got.Side != o.Side || got.Type != o.Type || !got.TriggerPrice.Equal(o.TriggerPrice) {
		t.Fatalf("trigger fields lost: %+v", got)
	}
	if got.Leverage != o.Leverage || !got.Margin.Equal(o.Margin) || !got.ReduceOnly || got.Nonce != 7 {
		t.Fatalf("margin fields lost: %+v", got)
	}
}

func TestOrderFromHashLegacyAliases(t *testing.T) {
	h := map[string]string{
		"id":          "o1",
		"userAddress": "0xlegacy",
		"symbol":      "0xtok",
		"size":        "1000000000000000000",
		"price":       "2e18",
	}
	o := OrderFromHash(h)
	if o.Trader != "0xlegacy" {
		t.Fatalf("trader = %q, want legacy userAddress", o.Trader)
	}
	if o.Token != "0xtok" {
		t.Fatalf("token = %q, want legacy symbol", o.Token)
	}
	if !o.Price.Equal(price(2)) {
		t.Fatalf("scientific price = %s, want 2e18", o.Price)
	}

	// The writer must not re-emit legacy names.
	out := o.Hash()
	if _, ok := out["userAddress"]; ok {
		t.Fatal("writer emitted legacy userAddress")
	}
	if _, ok := out["symbol"]; ok {
		t.Fatal("writer emitted legacy symbol")
	}
}
