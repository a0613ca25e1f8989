package types

import (
	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/fixedpoint"
)

// Trade is one side's immutable record of a fill: every match journals two
// of these, one for the maker and one for the taker. RealizedPnL is nonzero
// only on the side that reduced or closed a position.
type Trade struct {
	ID          string
	OrderID     string
	Token       string
	Trader      string
	IsLong      bool
	IsMaker     bool
	Size        sdkmath.Int
	Price       sdkmath.Int
	Fee         sdkmath.Int
	RealizedPnL sdkmath.Int
	Type        TradeType
	Timestamp   int64 // unix ms
}

// Hash returns the stored form.
func (t *Trade) Hash() map[string]string {
	return map[string]string{
		"id":          t.ID,
		"orderId":     t.OrderID,
		"token":       t.Token,
		"trader":      t.Trader,
		"isLong":      boolField(t.IsLong),
		"isMaker":     boolField(t.IsMaker),
		"size":        t.Size.String(),
		"price":       t.Price.String(),
		"fee":         t.Fee.String(),
		"realizedPnl": t.RealizedPnL.String(),
		"type":        itoa(int64(t.Type)),
		"timestamp":   itoa(t.Timestamp),
	}
}

// TradeFromHash rebuilds a trade, accepting the legacy aliases.
func TradeFromHash(h map[string]string) *Trade {
	zero := sdkmath.ZeroInt()
	return &Trade{
		ID:          h["id"],
		OrderID:     h["orderId"],
		Token:       legacyField(h, "token", "symbol"),
		Trader:      legacyField(h, "trader", "userAddress"),
		IsLong:      h["isLong"] == "1",
		IsMaker:     h["isMaker"] == "1",
		Size:        fixedpoint.ParseInt(h["size"], zero),
		Price:       fixedpoint.ParseInt(h["price"], zero),
		Fee:         fixedpoint.ParseInt(h["fee"], zero),
		RealizedPnL: fixedpoint.ParseInt(h["realizedPnl"], zero),
		Type:        TradeType(fixedpoint.ParseInt64(h["type"], 0)),
		Timestamp:   fixedpoint.ParseInt64(h["timestamp"], 0),
	}
}
