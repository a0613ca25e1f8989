package types

import (
	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/fixedpoint"
)

// Balance mirrors a trader's on-chain deposit plus the engine's view of
// frozen and used margin. Invariant: Available() >= 0 after every mutation.
type Balance struct {
	Trader        string
	Wallet        sdkmath.Int // on-chain deposits minus withdrawals
	Frozen        sdkmath.Int // margin reserved for pending orders
	Used          sdkmath.Int // collateral backing open positions
	UnrealizedPnL sdkmath.Int // aggregated across open positions
	UpdatedAt     int64       // unix ms
}

// NewBalance returns the zero-value balance for a trader; balances are
// created lazily on first observation and never deleted.
func NewBalance(trader string) *Balance {
	zero := sdkmath.ZeroInt()
	return &Balance{
		Trader:        trader,
		Wallet:        zero,
		Frozen:        zero,
		Used:          zero,
		UnrealizedPnL: zero,
	}
}

// Available is wallet minus frozen minus used.
func (b *Balance) Available() sdkmath.Int {
	return b.Wallet.Sub(b.Frozen).Sub(b.Used)
}

// Equity is available + used + unrealized PnL.
func (b *Balance) Equity() sdkmath.Int {
	return b.Available().Add(b.Used).Add(b.UnrealizedPnL)
}

// CanAfford reports whether amount fits in the available balance.
func (b *Balance) CanAfford(amount sdkmath.Int) bool {
	return b.Available().GTE(amount)
}

// Hash returns the stored form.
func (b *Balance) Hash() map[string]string {
	return map[string]string{
		"trader":        b.Trader,
		"wallet":        b.Wallet.String(),
		"frozen":        b.Frozen.String(),
		"used":          b.Used.String(),
		"unrealizedPnl": b.UnrealizedPnL.String(),
		"updatedAt":     itoa(b.UpdatedAt),
	}
}

// BalanceFromHash rebuilds a balance, accepting the legacy userAddress
// alias.
func BalanceFromHash(h map[string]string) *Balance {
	zero := sdkmath.ZeroInt()
	return &Balance{
		Trader:        legacyField(h, "trader", "userAddress"),
		Wallet:        fixedpoint.ParseInt(h["wallet"], zero),
		Frozen:        fixedpoint.ParseInt(h["frozen"], zero),
		Used:          fixedpoint.ParseInt(h["used"], zero),
		UnrealizedPnL: fixedpoint.ParseInt(h["unrealizedPnl"], zero),
		UpdatedAt:     fixedpoint.ParseInt64(h["updatedAt"], 0),
	}
}
