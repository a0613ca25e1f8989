package ws

import (
	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/book"
	"github.com/openalpha/perp-engine/fixedpoint"
	"github.com/openalpha/perp-engine/types"
)

// Frame is the egress envelope. Token is set on market frames, Trader on
// account frames. Prices travel as 1e18-scaled decimal strings; ratios as
// two-decimal percent strings.
type Frame struct {
	Type      string      `json:"type"`
	Token     string      `json:"token,omitempty"`
	Trader    string      `json:"trader,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type orderPayload struct {
	ID           string `json:"id"`
	Token        string `json:"token"`
	Side         string `json:"side"`
	Type         string `json:"type"`
	TimeInForce  string `json:"timeInForce"`
	Size         string `json:"size"`
	FilledSize   string `json:"filledSize"`
	AvgFillPrice string `json:"avgFillPrice"`
	Price        string `json:"price"`
	TriggerPrice string `json:"triggerPrice,omitempty"`
	TrailDelta   string `json:"trailDelta,omitempty"`
	Leverage     int64  `json:"leverage"`
	Margin       string `json:"margin"`
	ReduceOnly   bool   `json:"reduceOnly,omitempty"`
	PostOnly     bool   `json:"postOnly,omitempty"`
	Status       string `json:"status"`
	RejectReason string `json:"rejectReason,omitempty"`
	Deadline     int64  `json:"deadline,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

func orderPayloadFrom(o *types.Order) orderPayload {
	p := orderPayload{
		ID:           o.ID,
		Token:        o.Token,
		Side:         o.Side.String(),
		Type:         o.Type.String(),
		TimeInForce:  o.TimeInForce.String(),
		Size:         o.Size.String(),
		FilledSize:   o.FilledSize.String(),
		AvgFillPrice: o.AvgFillPrice.String(),
		Price:        o.Price.String(),
		Leverage:     o.Leverage,
		Margin:       o.Margin.String(),
		ReduceOnly:   o.ReduceOnly,
		PostOnly:     o.PostOnly,
		Status:       o.Status.String(),
		RejectReason: o.RejectReason,
		Deadline:     o.Deadline,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
	if o.TriggerPrice.IsPositive() {
		p.TriggerPrice = o.TriggerPrice.String()
	}
	if o.TrailDelta.IsPositive() {
		p.TrailDelta = o.TrailDelta.String()
	}
	return p
}

// ordersFrame carries one or more order rows for a trader; single updates
// and the subscribe snapshot share the frame type.
func ordersFrame(trader string, orders []*types.Order, nowMs int64) Frame {
	rows := make([]orderPayload, 0, len(orders))
	for _, o := range orders {
		rows = append(rows, orderPayloadFrom(o))
	}
	return Frame{Type: "orders", Trader: trader, Data: rows, Timestamp: nowMs}
}

type positionPayload struct {
	ID               string `json:"id"`
	Token            string `json:"token"`
	Side             string `json:"side"`
	Size             string `json:"size"`
	EntryPrice       string `json:"entryPrice"`
	AvgEntryPrice    string `json:"avgEntryPrice"`
	Leverage         int64  `json:"leverage"`
	MarginMode       string `json:"marginMode"`
	MarkPrice        string `json:"markPrice"`
	Collateral       string `json:"collateral"`
	Margin           string `json:"margin"`
	MarginRatio      string `json:"marginRatio"`
	ROE              string `json:"roe"`
	UnrealizedPnL    string `json:"unrealizedPnl"`
	RealizedPnL      string `json:"realizedPnl"`
	LiquidationPrice string `json:"liquidationPrice"`
	BankruptcyPrice  string `json:"bankruptcyPrice"`
	BreakEvenPrice   string `json:"breakEvenPrice"`
	RiskLevel        string `json:"riskLevel"`
	Status           string `json:"status"`
	OpenedAt         int64  `json:"openedAt"`
	UpdatedAt        int64  `json:"updatedAt"`
}

func positionFrame(pos *types.Position, nowMs int64) Frame {
	return Frame{
		Type:   "position",
		Trader: pos.Trader,
		Data: positionPayload{
			ID:               pos.ID,
			Token:            pos.Token,
			Side:             pos.Side().String(),
			Size:             pos.Size.String(),
			EntryPrice:       pos.EntryPrice.String(),
			AvgEntryPrice:    pos.AvgEntry.String(),
			Leverage:         pos.Leverage,
			MarginMode:       pos.MarginMode.String(),
			MarkPrice:        pos.MarkPrice.String(),
			Collateral:       pos.Collateral.String(),
			Margin:           pos.Margin.String(),
			MarginRatio:      fixedpoint.PercentString(pos.MarginRatio),
			ROE:              fixedpoint.PercentString(pos.ROE),
			UnrealizedPnL:    pos.UnrealizedPnL.String(),
			RealizedPnL:      pos.RealizedPnL.String(),
			LiquidationPrice: pos.LiquidationPrice.String(),
			BankruptcyPrice:  pos.BankruptcyPrice.String(),
			BreakEvenPrice:   pos.BreakEvenPrice.String(),
			RiskLevel:        pos.RiskLevel.String(),
			Status:           pos.Status.String(),
			OpenedAt:         pos.OpenedAt,
			UpdatedAt:        pos.UpdatedAt,
		},
		Timestamp: nowMs,
	}
}

type balancePayload struct {
	Wallet        string `json:"wallet"`
	Available     string `json:"available"`
	Frozen        string `json:"frozen"`
	Used          string `json:"used"`
	UnrealizedPnL string `json:"unrealizedPnl"`
	Equity        string `json:"equity"`
	UpdatedAt     int64  `json:"updatedAt"`
}

func balanceFrame(b *types.Balance, nowMs int64) Frame {
	return Frame{
		Type:   "balance",
		Trader: b.Trader,
		Data: balancePayload{
			Wallet:        b.Wallet.String(),
			Available:     b.Available().String(),
			Frozen:        b.Frozen.String(),
			Used:          b.Used.String(),
			UnrealizedPnL: b.UnrealizedPnL.String(),
			Equity:        b.Equity().String(),
			UpdatedAt:     b.UpdatedAt,
		},
		Timestamp: nowMs,
	}
}

// tradePayload is the public tape print: no trader addresses, the side is
// the taker's.
type tradePayload struct {
	ID        string `json:"id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func tradeFrame(t *types.Trade, nowMs int64) Frame {
	return Frame{
		Type:  "trade",
		Token: t.Token,
		Data: tradePayload{
			ID:        t.ID,
			Price:     t.Price.String(),
			Size:      t.Size.String(),
			Side:      types.SideFromIsLong(t.IsLong).String(),
			Type:      t.Type.String(),
			Timestamp: t.Timestamp,
		},
		Timestamp: nowMs,
	}
}

func orderbookFrame(snap book.Snapshot, nowMs int64) Frame {
	return Frame{Type: "orderbook", Token: snap.Token, Data: snap, Timestamp: nowMs}
}

type marketDataPayload struct {
	LastPrice         string `json:"lastPrice"`
	MarkPrice         string `json:"markPrice"`
	IndexPrice        string `json:"indexPrice"`
	High24h           string `json:"high24h"`
	Low24h            string `json:"low24h"`
	Volume24h         string `json:"volume24h"`
	OpenInterestLong  string `json:"openInterestLong"`
	OpenInterestShort string `json:"openInterestShort"`
	FundingRate       string `json:"fundingRate"`
	NextFundingTime   int64  `json:"nextFundingTime"`
}

func marketDataFrame(m *types.MarketStats, nowMs int64) Frame {
	return Frame{
		Type:  "market_data",
		Token: m.Token,
		Data: marketDataPayload{
			LastPrice:         m.LastPrice.String(),
			MarkPrice:         m.MarkPrice.String(),
			IndexPrice:        m.IndexPrice.String(),
			High24h:           m.High24h.String(),
			Low24h:            m.Low24h.String(),
			Volume24h:         m.Volume24h.String(),
			OpenInterestLong:  m.OpenInterestLong.String(),
			OpenInterestShort: m.OpenInterestShort.String(),
			FundingRate:       fixedpoint.PercentString(m.FundingRate),
			NextFundingTime:   m.NextFundingTime,
		},
		Timestamp: nowMs,
	}
}

func klineFrame(bar *types.Kline, nowMs int64) Frame {
	return Frame{Type: "kline", Token: bar.Token, Data: bar, Timestamp: nowMs}
}

type fundingPayload struct {
	Rate            string `json:"rate"`
	RateBp          int64  `json:"rateBp"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

func fundingFrame(token string, rateBp, nextMs, nowMs int64) Frame {
	return Frame{
		Type:  "funding_rate",
		Token: token,
		Data: fundingPayload{
			Rate:            fixedpoint.PercentString(rateBp),
			RateBp:          rateBp,
			NextFundingTime: nextMs,
		},
		Timestamp: nowMs,
	}
}

type riskPayload struct {
	PositionID       string `json:"positionId"`
	Trader           string `json:"trader"`
	Token            string `json:"token"`
	RiskLevel        string `json:"riskLevel"`
	MarginRatio      string `json:"marginRatio"`
	ROE              string `json:"roe"`
	LiquidationPrice string `json:"liquidationPrice"`
	ADLRank          int64  `json:"adlRank,omitempty"`
	IsLiquidatable   bool   `json:"isLiquidatable,omitempty"`
}

func riskFrame(pos *types.Position, nowMs int64) Frame {
	return Frame{
		Type: "risk",
		Data: riskPayload{
			PositionID:       pos.ID,
			Trader:           pos.Trader,
			Token:            pos.Token,
			RiskLevel:        pos.RiskLevel.String(),
			MarginRatio:      fixedpoint.PercentString(pos.MarginRatio),
			ROE:              fixedpoint.PercentString(pos.ROE),
			LiquidationPrice: pos.LiquidationPrice.String(),
			ADLRank:          pos.ADLRank,
			IsLiquidatable:   pos.IsLiquidatable,
		},
		Timestamp: nowMs,
	}
}

type warningPayload struct {
	PositionID       string `json:"positionId"`
	Token            string `json:"token"`
	MarginRatio      string `json:"marginRatio"`
	RiskLevel        string `json:"riskLevel,omitempty"`
	LiquidationPrice string `json:"liquidationPrice,omitempty"`
	Urgency          int64  `json:"urgency,omitempty"`
}

func marginWarningFrame(pos *types.Position, nowMs int64) Frame {
	return Frame{
		Type:   "margin_warning",
		Trader: pos.Trader,
		Data: warningPayload{
			PositionID:  pos.ID,
			Token:       pos.Token,
			MarginRatio: fixedpoint.PercentString(pos.MarginRatio),
			RiskLevel:   pos.RiskLevel.String(),
		},
		Timestamp: nowMs,
	}
}

func liquidationWarningFrame(pos *types.Position, urgency, nowMs int64) Frame {
	return Frame{
		Type:   "liquidation_warning",
		Trader: pos.Trader,
		Data: warningPayload{
			PositionID:       pos.ID,
			Token:            pos.Token,
			MarginRatio:      fixedpoint.PercentString(pos.MarginRatio),
			LiquidationPrice: pos.LiquidationPrice.String(),
			Urgency:          urgency,
		},
		Timestamp: nowMs,
	}
}

type adlPayload struct {
	PositionID string `json:"positionId"`
	Token      string `json:"token"`
	Size       string `json:"size"`
	Price      string `json:"price"`
	Role       string `json:"role"` // "deleveraged" or "liquidated"
}

func adlFrame(pos *types.Position, size, price sdkmath.Int, role string, nowMs int64) Frame {
	return Frame{
		Type:   "adl_triggered",
		Trader: pos.Trader,
		Data: adlPayload{
			PositionID: pos.ID,
			Token:      pos.Token,
			Size:       size.String(),
			Price:      price.String(),
			Role:       role,
		},
		Timestamp: nowMs,
	}
}

func errorFrame(msg string, nowMs int64) Frame {
	return Frame{Type: "error", Data: map[string]string{"message": msg}, Timestamp: nowMs}
}

func pongFrame(nowMs int64) Frame {
	return Frame{Type: "pong", Timestamp: nowMs}
}
