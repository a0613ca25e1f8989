package types

import (
	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/fixedpoint"
)

// Position is the paired exposure a trader holds on one token. Money fields
// are 1e18-scaled; rates (Leverage, MMR, MarginRatio, ROE) are RATE-scaled
// basis points. Invariant: Margin = Collateral + UnrealizedPnL.
type Position struct {
	ID           string
	Trader       string
	Token        string
	Counterparty string
	IsLong       bool
	Size         sdkmath.Int
	EntryPrice   sdkmath.Int // first fill price
	AvgEntry     sdkmath.Int // volume-weighted entry, moves on adds
	Leverage     int64
	MarginMode   MarginMode

	MarkPrice          sdkmath.Int
	Collateral         sdkmath.Int // initial margin actually posted
	Margin             sdkmath.Int // collateral + unrealized PnL
	MMR                int64       // maintenance margin rate, bp
	MaintenanceMargin  sdkmath.Int
	LiquidationPrice   sdkmath.Int
	BankruptcyPrice    sdkmath.Int
	BreakEvenPrice     sdkmath.Int
	UnrealizedPnL      sdkmath.Int
	RealizedPnL        sdkmath.Int
	AccumulatedFunding sdkmath.Int // total funding paid so far

	TakeProfitPrice sdkmath.Int
	StopLossPrice   sdkmath.Int

	ADLRank        int64 // 1 (first to deleverage) .. 5, 0 = unranked
	ADLScore       int64
	RiskLevel      RiskLevel
	MarginRatio    int64 // maintenanceMargin * 10000 / margin, bp
	ROE            int64 // unrealizedPnL * 10000 / collateral, bp
	IsLiquidatable bool
	IsAdlCandidate bool
	IsLiquidating  bool

	FundingIndex int64 // funding epoch at open
	OpenedAt     int64 // unix ms
	UpdatedAt    int64 // unix ms
	Status       PositionStatus
}

// NewPosition opens a position from its first fill. Collateral is the
// margin actually posted (notional / leverage).
func NewPosition(id, trader, token string, isLong bool, size, price, collateral sdkmath.Int, leverage int64, mode MarginMode, nowMs int64) *Position {
	zero := sdkmath.ZeroInt()
	p := &Position{
		ID:                 id,
		Trader:             trader,
		Token:              token,
		IsLong:             isLong,
		Size:               size,
		EntryPrice:         price,
		AvgEntry:           price,
		Leverage:           leverage,
		MarginMode:         mode,
		MarkPrice:          price,
		Collateral:         collateral,
		Margin:             collateral,
		MaintenanceMargin:  zero,
		LiquidationPrice:   zero,
		BankruptcyPrice:    zero,
		BreakEvenPrice:     price,
		UnrealizedPnL:      zero,
		RealizedPnL:        zero,
		AccumulatedFunding: zero,
		TakeProfitPrice:    zero,
		StopLossPrice:      zero,
		OpenedAt:           nowMs,
		UpdatedAt:          nowMs,
		Status:             PositionStatusOpen,
	}
	return p
}

// Side returns the position direction as a Side.
func (p *Position) Side() Side {
	return SideFromIsLong(p.IsLong)
}

// IsOpen reports whether the position still carries exposure.
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen && p.Size.IsPositive()
}

// UnrealizedPnLAt values the position at the given mark.
func (p *Position) UnrealizedPnLAt(mark sdkmath.Int) sdkmath.Int {
	return fixedpoint.PnL(p.AvgEntry, mark, p.Size, p.IsLong)
}

// NotionalAt returns size * price / PRICE_SCALE.
func (p *Position) NotionalAt(price sdkmath.Int) sdkmath.Int {
	return fixedpoint.Notional(p.Size, price)
}

// Revalue marks the position to price: unrealized PnL and margin move,
// nothing else.
func (p *Position) Revalue(mark sdkmath.Int, nowMs int64) {
	p.MarkPrice = mark
	p.UnrealizedPnL = p.UnrealizedPnLAt(mark)
	p.Margin = p.Collateral.Add(p.UnrealizedPnL)
	p.UpdatedAt = nowMs
}

// RecomputeLiquidationPrice solves margin(P) = maintenanceMargin for P with
// the maintenance margin held at its last computed value. Long positions
// floor at zero.
func (p *Position) RecomputeLiquidationPrice() {
	if p.Size.IsZero() {
		p.LiquidationPrice = sdkmath.ZeroInt()
		return
	}
	buffer := fixedpoint.MulDiv(p.Collateral.Sub(p.MaintenanceMargin), fixedpoint.PriceScale, p.Size)
	if p.IsLong {
		liq := p.AvgEntry.Sub(buffer)
		if liq.IsNegative() {
			liq = sdkmath.ZeroInt()
		}
		p.LiquidationPrice = liq
	} else {
		p.LiquidationPrice = p.AvgEntry.Add(buffer)
	}
}

// LiquidationCrossed reports whether the price has reached the stored
// liquidation price. Unset liquidation prices never match.
func (p *Position) LiquidationCrossed(price sdkmath.Int) bool {
	if !p.LiquidationPrice.IsPositive() || !price.IsPositive() {
		return false
	}
	if p.IsLong {
		return price.LTE(p.LiquidationPrice)
	}
	return price.GTE(p.LiquidationPrice)
}

// RecomputeBankruptcyPrice solves margin(P) = 0 for P.
func (p *Position) RecomputeBankruptcyPrice() {
	if p.Size.IsZero() {
		p.BankruptcyPrice = sdkmath.ZeroInt()
		return
	}
	buffer := fixedpoint.MulDiv(p.Collateral, fixedpoint.PriceScale, p.Size)
	if p.IsLong {
		bk := p.AvgEntry.Sub(buffer)
		if bk.IsNegative() {
			bk = sdkmath.ZeroInt()
		}
		p.BankruptcyPrice = bk
	} else {
		p.BankruptcyPrice = p.AvgEntry.Add(buffer)
	}
}

// RecomputeBreakEvenPrice shifts the entry by funding paid so far. Trading
// fees settle against the balance immediately and are not carried here.
func (p *Position) RecomputeBreakEvenPrice() {
	if p.Size.IsZero() {
		p.BreakEvenPrice = sdkmath.ZeroInt()
		return
	}
	shift := fixedpoint.MulDiv(p.AccumulatedFunding, fixedpoint.PriceScale, p.Size)
	if p.IsLong {
		p.BreakEvenPrice = p.AvgEntry.Add(shift)
	} else {
		p.BreakEvenPrice = p.AvgEntry.Sub(shift)
	}
}

// Add grows the position by a same-side fill, moving the volume-weighted
// entry and posting additional collateral.
func (p *Position) Add(size, price, collateral sdkmath.Int, nowMs int64) {
	newSize := p.Size.Add(size)
	weighted := p.AvgEntry.Mul(p.Size).Add(price.Mul(size))
	p.AvgEntry = weighted.Quo(newSize)
	p.Size = newSize
	p.Collateral = p.Collateral.Add(collateral)
	p.UpdatedAt = nowMs
}

// Reduce shrinks the position by an opposite-side fill. It returns the
// realized PnL on the closed portion and the collateral released pro-rata.
// Closing the last unit transitions status to closed.
func (p *Position) Reduce(size, price sdkmath.Int, nowMs int64) (realized, released sdkmath.Int) {
	realized = fixedpoint.PnL(p.AvgEntry, price, size, p.IsLong)
	released = fixedpoint.MulDiv(p.Collateral, size, p.Size)

	p.Size = p.Size.Sub(size)
	p.Collateral = p.Collateral.Sub(released)
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.UpdatedAt = nowMs
	if p.Size.IsZero() {
		p.Status = PositionStatusClosed
		p.Margin = sdkmath.ZeroInt()
		p.UnrealizedPnL = sdkmath.ZeroInt()
	}
	return realized, released
}

// Hash returns the stored form. Writers emit the current field names only.
// isLiquidating is deliberately absent: that field is owned by the
// repository's compare-and-set so a full save cannot race a liquidation
// claim.
func (p *Position) Hash() map[string]string {
	return map[string]string{
		"id":                 p.ID,
		"trader":             p.Trader,
		"token":              p.Token,
		"counterparty":       p.Counterparty,
		"isLong":             boolField(p.IsLong),
		"size":               p.Size.String(),
		"entryPrice":         p.EntryPrice.String(),
		"avgEntryPrice":      p.AvgEntry.String(),
		"leverage":           itoa(p.Leverage),
		"marginMode":         itoa(int64(p.MarginMode)),
		"markPrice":          p.MarkPrice.String(),
		"collateral":         p.Collateral.String(),
		"margin":             p.Margin.String(),
		"mmr":                itoa(p.MMR),
		"maintenanceMargin":  p.MaintenanceMargin.String(),
		"liquidationPrice":   p.LiquidationPrice.String(),
		"bankruptcyPrice":    p.BankruptcyPrice.String(),
		"breakEvenPrice":     p.BreakEvenPrice.String(),
		"unrealizedPnl":      p.UnrealizedPnL.String(),
		"realizedPnl":        p.RealizedPnL.String(),
		"accumulatedFunding": p.AccumulatedFunding.String(),
		"takeProfitPrice":    p.TakeProfitPrice.String(),
		"stopLossPrice":      p.StopLossPrice.String(),
		"adlRank":            itoa(p.ADLRank),
		"adlScore":           itoa(p.ADLScore),
		"riskLevel":          itoa(int64(p.RiskLevel)),
		"marginRatio":        itoa(p.MarginRatio),
		"roe":                itoa(p.ROE),
		"isLiquidatable":     boolField(p.IsLiquidatable),
		"isAdlCandidate":     boolField(p.IsAdlCandidate),
		"fundingIndex":       itoa(p.FundingIndex),
		"openedAt":           itoa(p.OpenedAt),
		"updatedAt":          itoa(p.UpdatedAt),
		"status":             itoa(int64(p.Status)),
	}
}

// PositionFromHash rebuilds a position from its stored hash. Legacy
// deployments wrote userAddress/symbol/initialMargin; the reader accepts
// both generations of field names, the writer never re-emits the old ones.
func PositionFromHash(h map[string]string) *Position {
	zero := sdkmath.ZeroInt()
	collateral := fixedpoint.ParseInt(legacyField(h, "collateral", "initialMargin"), zero)
	return &Position{
		ID:                 h["id"],
		Trader:             legacyField(h, "trader", "userAddress"),
		Token:              legacyField(h, "token", "symbol"),
		Counterparty:       h["counterparty"],
		IsLong:             h["isLong"] == "1",
		Size:               fixedpoint.ParseInt(h["size"], zero),
		EntryPrice:         fixedpoint.ParseInt(h["entryPrice"], zero),
		AvgEntry:           fixedpoint.ParseInt(h["avgEntryPrice"], zero),
		Leverage:           fixedpoint.ParseInt64(h["leverage"], 0),
		MarginMode:         MarginMode(fixedpoint.ParseInt64(h["marginMode"], 0)),
		MarkPrice:          fixedpoint.ParseInt(h["markPrice"], zero),
		Collateral:         collateral,
		Margin:             fixedpoint.ParseInt(h["margin"], collateral),
		MMR:                fixedpoint.ParseInt64(h["mmr"], 0),
		MaintenanceMargin:  fixedpoint.ParseInt(h["maintenanceMargin"], zero),
		LiquidationPrice:   fixedpoint.ParseInt(h["liquidationPrice"], zero),
		BankruptcyPrice:    fixedpoint.ParseInt(h["bankruptcyPrice"], zero),
		BreakEvenPrice:     fixedpoint.ParseInt(h["breakEvenPrice"], zero),
		UnrealizedPnL:      fixedpoint.ParseInt(h["unrealizedPnl"], zero),
		RealizedPnL:        fixedpoint.ParseInt(h["realizedPnl"], zero),
		AccumulatedFunding: fixedpoint.ParseInt(h["accumulatedFunding"], zero),
		TakeProfitPrice:    fixedpoint.ParseInt(h["takeProfitPrice"], zero),
		StopLossPrice:      fixedpoint.ParseInt(h["stopLossPrice"], zero),
		ADLRank:            fixedpoint.ParseInt64(h["adlRank"], 0),
		ADLScore:           fixedpoint.ParseInt64(h["adlScore"], 0),
		RiskLevel:          RiskLevel(fixedpoint.ParseInt64(h["riskLevel"], 0)),
		MarginRatio:        fixedpoint.ParseInt64(h["marginRatio"], 0),
		ROE:                fixedpoint.ParseInt64(h["roe"], 0),
		IsLiquidatable:     h["isLiquidatable"] == "1",
		IsAdlCandidate:     h["isAdlCandidate"] == "1",
		IsLiquidating:      h["isLiquidating"] == "1",
		FundingIndex:       fixedpoint.ParseInt64(h["fundingIndex"], 0),
		OpenedAt:           fixedpoint.ParseInt64(h["openedAt"], 0),
		UpdatedAt:          fixedpoint.ParseInt64(h["updatedAt"], 0),
		Status:             PositionStatus(fixedpoint.ParseInt64(h["status"], 0)),
	}
}
