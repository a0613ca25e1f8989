package store

import "fmt"

// Keys builds the store key layout under a deployment-configured prefix.
// The layout is part of the engine's external contract; downstream tooling
// (sweepers, proof submitters) reads these keys directly.
type Keys struct {
	prefix string
}

// NewKeys returns a key builder. An empty prefix is valid.
func NewKeys(prefix string) Keys {
	if prefix != "" && prefix[len(prefix)-1] != ':' {
		prefix += ":"
	}
	return Keys{prefix: prefix}
}

func (k Keys) p(s string) string { return k.prefix + s }

// Positions.

func (k Keys) Position(id string) string       { return k.p("position:" + id) }
func (k Keys) UserPositions(addr string) string { return k.p("user:" + addr + ":positions") }
func (k Keys) TokenPositions(token string) string {
	return k.p("token:" + token + ":positions")
}
func (k Keys) AllPositions() string { return k.p("positions:all") }

// Orders and trigger indexes.

func (k Keys) Order(id string) string { return k.p("order:" + id) }
func (k Keys) PendingOrders(token string) string {
	return k.p("token:" + token + ":orders:pending")
}
func (k Keys) TriggerLong(token string) string  { return k.p("trigger:long:" + token) }
func (k Keys) TriggerShort(token string) string { return k.p("trigger:short:" + token) }
func (k Keys) LiquidationLong(token string) string {
	return k.p("liquidation:long:" + token)
}
func (k Keys) LiquidationShort(token string) string {
	return k.p("liquidation:short:" + token)
}

// Balances and settlements.

func (k Keys) Balance(addr string) string { return k.p("balance:" + addr) }
func (k Keys) Settlement(id string) string {
	return k.p("settlement:" + id)
}
func (k Keys) UserSettlements(addr string) string {
	return k.p("user:" + addr + ":settlements")
}

// Trades.

func (k Keys) Trade(id string) string { return k.p("perp:trade:" + id) }
func (k Keys) UserTrades(addr string) string {
	return k.p("user:" + addr + ":perp_trades")
}
func (k Keys) TokenTrades(token string) string {
	return k.p("token:" + token + ":perp_trades")
}

// Market data.

func (k Keys) MarketStats(token string) string { return k.p("market:" + token + ":stats") }
func (k Keys) Klines1m(token string) string    { return k.p("market:" + token + ":klines:1m") }

// Order margin bookkeeping.

func (k Keys) OrderMargin(id string) string { return k.p("order_margin:" + id) }
func (k Keys) AllOrderMargins() string      { return k.p("order_margins:all") }

// Funds.

func (k Keys) InsuranceFund() string { return k.p("insurance:fund") }
func (k Keys) LPPool() string        { return k.p("lppool:fund") }

// Replay protection.

func (k Keys) Nonce(addr string, nonce uint64) string {
	return k.p(fmt.Sprintf("nonce:%s:%d", addr, nonce))
}

func (k Keys) DepositSeen(addr string, block uint64, amount string) string {
	return k.p(fmt.Sprintf("deposit:%s:%d:%s", addr, block, amount))
}

// Lease locks.

func (k Keys) LockBalance(addr string) string  { return k.p("lock:balance:" + addr) }
func (k Keys) LockFunding(token string) string { return k.p("lock:funding:" + token) }
func (k Keys) LockInsurance() string           { return k.p("lock:insurance") }
