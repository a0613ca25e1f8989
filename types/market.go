package types

import (
	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/fixedpoint"
)

// MarketConfig is the static per-token configuration loaded at boot.
// Rates are RATE-scaled basis points.
type MarketConfig struct {
	Token       string
	MinSize     sdkmath.Int
	MaxLeverage int64 // RATE-scaled: 50x = 500000
	BaseMMR     int64 // bp
	TakerFeeBp  int64
	MakerFeeBp  int64
	CorridorBp  int64 // liquidation price corridor around mark
}

// MarketStats is the per-token rolling snapshot persisted in the store and
// pushed over market_data frames. The 24h fields are derived from stored
// minute bars at read time.
type MarketStats struct {
	Token             string
	LastPrice         sdkmath.Int
	MarkPrice         sdkmath.Int
	IndexPrice        sdkmath.Int
	High24h           sdkmath.Int
	Low24h            sdkmath.Int
	Volume24h         sdkmath.Int
	OpenInterestLong  sdkmath.Int
	OpenInterestShort sdkmath.Int
	FundingRate       int64 // bp
	NextFundingTime   int64 // unix ms
	UpdatedAt         int64 // unix ms
}

// NewMarketStats returns zeroed stats for a token.
func NewMarketStats(token string) *MarketStats {
	zero := sdkmath.ZeroInt()
	return &MarketStats{
		Token:             token,
		LastPrice:         zero,
		MarkPrice:         zero,
		IndexPrice:        zero,
		High24h:           zero,
		Low24h:            zero,
		Volume24h:         zero,
		OpenInterestLong:  zero,
		OpenInterestShort: zero,
	}
}

// Hash returns the stored form. The derived 24h fields are not persisted.
func (m *MarketStats) Hash() map[string]string {
	return map[string]string{
		"token":             m.Token,
		"lastPrice":         m.LastPrice.String(),
		"markPrice":         m.MarkPrice.String(),
		"indexPrice":        m.IndexPrice.String(),
		"openInterestLong":  m.OpenInterestLong.String(),
		"openInterestShort": m.OpenInterestShort.String(),
		"fundingRate":       itoa(m.FundingRate),
		"nextFundingTime":   itoa(m.NextFundingTime),
		"updatedAt":         itoa(m.UpdatedAt),
	}
}

// MarketStatsFromHash rebuilds market stats, accepting the legacy symbol
// alias.
func MarketStatsFromHash(h map[string]string) *MarketStats {
	zero := sdkmath.ZeroInt()
	return &MarketStats{
		Token:             legacyField(h, "token", "symbol"),
		LastPrice:         fixedpoint.ParseInt(h["lastPrice"], zero),
		MarkPrice:         fixedpoint.ParseInt(h["markPrice"], zero),
		IndexPrice:        fixedpoint.ParseInt(h["indexPrice"], zero),
		High24h:           zero,
		Low24h:            zero,
		Volume24h:         zero,
		OpenInterestLong:  fixedpoint.ParseInt(h["openInterestLong"], zero),
		OpenInterestShort: fixedpoint.ParseInt(h["openInterestShort"], zero),
		FundingRate:       fixedpoint.ParseInt64(h["fundingRate"], 0),
		NextFundingTime:   fixedpoint.ParseInt64(h["nextFundingTime"], 0),
		UpdatedAt:         fixedpoint.ParseInt64(h["updatedAt"], 0),
	}
}

// Kline is one closed OHLCV bar. OpenTime is the bar's minute boundary.
type Kline struct {
	Token    string      `json:"token"`
	OpenTime int64       `json:"openTime"` // unix ms
	Open     sdkmath.Int `json:"open"`
	High     sdkmath.Int `json:"high"`
	Low      sdkmath.Int `json:"low"`
	Close    sdkmath.Int `json:"close"`
	Volume   sdkmath.Int `json:"volume"`
	Trades   int64       `json:"trades"`
}

// Update stretches the bar against an observed price and adds volume.
func (k *Kline) Update(price, volume sdkmath.Int) {
	if price.GT(k.High) {
		k.High = price
	}
	if price.LT(k.Low) || k.Low.IsZero() {
		k.Low = price
	}
	k.Close = price
	k.Volume = k.Volume.Add(volume)
	if volume.IsPositive() {
		k.Trades++
	}
}
