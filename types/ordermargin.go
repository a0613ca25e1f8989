package types

import (
	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/fixedpoint"
)

// OrderMargin tracks the margin and fee reserve frozen for one pending
// order, and how much of the order's size has settled so far. Records
// carry a 7 day TTL and live in a process-wide index set for sweeps.
type OrderMargin struct {
	OrderID     string
	Trader      string
	Token       string
	Frozen      sdkmath.Int // margin reserved
	FeeReserve  sdkmath.Int
	SettledSize sdkmath.Int
	TotalSize   sdkmath.Int
	CreatedAt   int64 // unix ms
	UpdatedAt   int64 // unix ms
}

// RemainingFrozen returns the frozen margin not yet settled, released
// pro-rata as fills settle.
func (om *OrderMargin) RemainingFrozen() sdkmath.Int {
	if om.TotalSize.IsZero() {
		return sdkmath.ZeroInt()
	}
	open := om.TotalSize.Sub(om.SettledSize)
	return fixedpoint.MulDiv(om.Frozen, open, om.TotalSize)
}

// Hash returns the stored form.
func (om *OrderMargin) Hash() map[string]string {
	return map[string]string{
		"orderId":     om.OrderID,
		"trader":      om.Trader,
		"token":       om.Token,
		"frozen":      om.Frozen.String(),
		"feeReserve":  om.FeeReserve.String(),
		"settledSize": om.SettledSize.String(),
		"totalSize":   om.TotalSize.String(),
		"createdAt":   itoa(om.CreatedAt),
		"updatedAt":   itoa(om.UpdatedAt),
	}
}

// OrderMarginFromHash rebuilds an order margin record.
func OrderMarginFromHash(h map[string]string) *OrderMargin {
	zero := sdkmath.ZeroInt()
	return &OrderMargin{
		OrderID:     h["orderId"],
		Trader:      legacyField(h, "trader", "userAddress"),
		Token:       legacyField(h, "token", "symbol"),
		Frozen:      fixedpoint.ParseInt(h["frozen"], zero),
		FeeReserve:  fixedpoint.ParseInt(h["feeReserve"], zero),
		SettledSize: fixedpoint.ParseInt(h["settledSize"], zero),
		TotalSize:   fixedpoint.ParseInt(h["totalSize"], zero),
		CreatedAt:   fixedpoint.ParseInt64(h["createdAt"], 0),
		UpdatedAt:   fixedpoint.ParseInt64(h["updatedAt"], 0),
	}
}
