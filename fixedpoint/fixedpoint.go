// Package fixedpoint implements the engine's money math. All prices, sizes
// and balances are big integers (sdkmath.Int) carrying a fixed scale:
// PRICE and SIZE at 1e18, rates and leverage at 1e4 basis points. No float64
// touches a balance; floats appear only as sorted-index scores.
package fixedpoint

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	sdkmath "cosmossdk.io/math"
)

const (
	// RateScale scales leverage, fee rates and basis points: 10x = 100000.
	RateScale int64 = 10_000

	// scoreDivisor truncates a 1e18 price to 1e6 resolution before it is
	// used as a float64 sorted-set score.
	scoreDivisor int64 = 1_000_000_000_000

	// maxScoreUnits is the largest integer a float64 represents exactly
	// (2^53 - 1). Prices above maxScoreUnits*scoreDivisor cannot be
	// indexed without precision loss and are rejected on insert.
	maxScoreUnits int64 = 9_007_199_254_740_991
)

var (
	// PriceScale is 1e18: one quote unit.
	PriceScale = sdkmath.NewIntFromUint64(1_000_000_000_000_000_000)
	// SizeScale is 1e18: one base unit.
	SizeScale = sdkmath.NewIntFromUint64(1_000_000_000_000_000_000)

	// MaxScorePrice is the largest price representable as an index score.
	MaxScorePrice = sdkmath.NewInt(maxScoreUnits).MulRaw(scoreDivisor)

	numberRe = regexp.MustCompile(`^[+-]?[0-9]+(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)
)

// MulDiv returns a*b/d with the intermediate product at full precision and
// the quotient truncated toward zero. A zero divisor yields zero.
func MulDiv(a, b, d sdkmath.Int) sdkmath.Int {
	if d.IsZero() {
		return sdkmath.ZeroInt()
	}
	return a.Mul(b).Quo(d)
}

// PnL returns (mark-entry)*size/PriceScale signed for the position side.
func PnL(entry, mark, size sdkmath.Int, isLong bool) sdkmath.Int {
	diff := mark.Sub(entry)
	if !isLong {
		diff = diff.Neg()
	}
	return MulDiv(diff, size, PriceScale)
}

// Notional returns size*price/PriceScale.
func Notional(size, price sdkmath.Int) sdkmath.Int {
	return MulDiv(size, price, PriceScale)
}

// ApplyRate returns amount*bp/RateScale, truncated toward zero.
func ApplyRate(amount sdkmath.Int, bp int64) sdkmath.Int {
	return amount.MulRaw(bp).QuoRaw(RateScale)
}

// InitialMarginBp is the initial margin requirement in basis points for a
// RATE-scaled leverage: RateScale^2/leverage, so 10x (100000) needs 1000 bp.
// Non-positive leverage reads as 1x.
func InitialMarginBp(leverage int64) int64 {
	if leverage <= 0 {
		return RateScale
	}
	return RateScale * RateScale / leverage
}

// MaintenanceMarginBp is min(baseMMR, initial/2). A non-positive baseMMR
// means the market sets no cap.
func MaintenanceMarginBp(baseMMR, leverage int64) int64 {
	return CapMMRBp(baseMMR, InitialMarginBp(leverage))
}

// CapMMRBp bounds a base maintenance rate at half the given initial-margin
// rate.
func CapMMRBp(baseMMR, imrBp int64) int64 {
	half := imrBp / 2
	if baseMMR > 0 && baseMMR < half {
		return baseMMR
	}
	return half
}

// ParseInt reads a stored numeric string: plain integers, decimals and
// scientific notation are all accepted, truncating toward zero. Anything
// else returns fallback. Stored hashes pass through here on every read, so
// a half-written or legacy field never aborts a load.
func ParseInt(s string, fallback sdkmath.Int) sdkmath.Int {
	s = strings.TrimSpace(s)
	if s == "" || !numberRe.MatchString(s) {
		return fallback
	}
	if v, ok := sdkmath.NewIntFromString(s); ok {
		return v
	}
	f, _, err := big.ParseFloat(s, 10, 256, big.ToZero)
	if err != nil {
		return fallback
	}
	i, _ := f.Int(nil)
	return sdkmath.NewIntFromBigInt(i)
}

// ParseInt64 reads a stored int64 field (leverage, basis points, flags),
// returning fallback on malformed input.
func ParseInt64(s string, fallback int64) int64 {
	v := ParseInt(s, sdkmath.NewInt(fallback))
	if !v.IsInt64() {
		return fallback
	}
	return v.Int64()
}

// ParseDecimal converts a human decimal string ("0.001") to its 1e18-scaled
// integer form. Configuration values pass through here; unlike ParseInt it
// surfaces malformed input instead of falling back.
func ParseDecimal(s string) (sdkmath.Int, error) {
	d, err := sdkmath.LegacyNewDecFromStr(strings.TrimSpace(s))
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	return sdkmath.NewIntFromBigInt(d.BigInt()), nil
}

// Score converts a 1e18 price to a float64 sorted-set score at 1e6
// resolution. ok is false for negative prices or prices beyond
// MaxScorePrice.
func Score(price sdkmath.Int) (float64, bool) {
	if price.IsNegative() || price.GT(MaxScorePrice) {
		return 0, false
	}
	return float64(price.QuoRaw(scoreDivisor).Int64()), true
}

// ScorePrice is the inverse of Score at score resolution: it rebuilds the
// 1e18 price a given score stands for.
func ScorePrice(score float64) sdkmath.Int {
	return sdkmath.NewInt(int64(score)).MulRaw(scoreDivisor)
}

// PercentString renders basis points as a two-decimal percentage:
// 8532 -> "85.32".
func PercentString(bp int64) string {
	sign := ""
	if bp < 0 {
		sign = "-"
		bp = -bp
	}
	return fmt.Sprintf("%s%d.%02d", sign, bp/100, bp%100)
}
