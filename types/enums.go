package types

// Side represents position direction
type Side int

const (
	SideUnspecified Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "unspecified"
	}
}

func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// IsLong is a convenience for the stored boolean form.
func (s Side) IsLong() bool {
	return s == SideLong
}

// SideFromIsLong maps the stored boolean form back to a Side.
func SideFromIsLong(isLong bool) Side {
	if isLong {
		return SideLong
	}
	return SideShort
}

// OrderType represents order type
type OrderType int

const (
	OrderTypeUnspecified OrderType = iota
	OrderTypeMarket
	OrderTypeLimit
	OrderTypeStopLoss
	OrderTypeTakeProfit
	OrderTypeTrailingStop
	// OrderTypeLiquidation is an engine-issued market order that bypasses
	// margin freezing and takes priority in the matching loop.
	OrderTypeLiquidation
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "market"
	case OrderTypeLimit:
		return "limit"
	case OrderTypeStopLoss:
		return "stop_loss"
	case OrderTypeTakeProfit:
		return "take_profit"
	case OrderTypeTrailingStop:
		return "trailing_stop"
	case OrderTypeLiquidation:
		return "liquidation"
	default:
		return "unspecified"
	}
}

// IsConditional returns true for order types that wait in a trigger index
// before entering the book.
func (t OrderType) IsConditional() bool {
	switch t {
	case OrderTypeStopLoss, OrderTypeTakeProfit, OrderTypeTrailingStop:
		return true
	default:
		return false
	}
}

// TimeInForce represents order time-in-force policy
type TimeInForce int

const (
	TimeInForceGTC TimeInForce = iota // good till cancelled
	TimeInForceIOC                    // immediate or cancel
	TimeInForceFOK                    // fill or kill
	TimeInForceGTD                    // good till deadline
)

func (t TimeInForce) String() string {
	switch t {
	case TimeInForceGTC:
		return "GTC"
	case TimeInForceIOC:
		return "IOC"
	case TimeInForceFOK:
		return "FOK"
	case TimeInForceGTD:
		return "GTD"
	default:
		return "GTC"
	}
}

// OrderStatus represents order status
type OrderStatus int

const (
	OrderStatusPending OrderStatus = iota
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusExpired
	OrderStatusRejected
	OrderStatusTriggered
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "pending"
	case OrderStatusPartiallyFilled:
		return "partially_filled"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusExpired:
		return "expired"
	case OrderStatusRejected:
		return "rejected"
	case OrderStatusTriggered:
		return "triggered"
	default:
		return "pending"
	}
}

// IsTerminal reports whether the order has left the pending index.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// MarginMode represents position margin mode
type MarginMode int

const (
	MarginModeIsolated MarginMode = iota
	MarginModeCross
)

func (m MarginMode) String() string {
	if m == MarginModeCross {
		return "cross"
	}
	return "isolated"
}

// PositionStatus represents position lifecycle status
type PositionStatus int

const (
	PositionStatusOpen PositionStatus = iota
	PositionStatusClosed
	PositionStatusLiquidated
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusClosed:
		return "closed"
	case PositionStatusLiquidated:
		return "liquidated"
	default:
		return "open"
	}
}

// RiskLevel classifies a position by margin ratio
type RiskLevel int

const (
	RiskLevelLow RiskLevel = iota
	RiskLevelMedium
	RiskLevelHigh
	RiskLevelCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLevelMedium:
		return "medium"
	case RiskLevelHigh:
		return "high"
	case RiskLevelCritical:
		return "critical"
	default:
		return "low"
	}
}

// TradeType classifies how a trade was produced
type TradeType int

const (
	TradeTypeNormal TradeType = iota
	TradeTypeLiquidation
	TradeTypeADL
	TradeTypeClose
)

func (t TradeType) String() string {
	switch t {
	case TradeTypeLiquidation:
		return "liquidation"
	case TradeTypeADL:
		return "adl"
	case TradeTypeClose:
		return "close"
	default:
		return "normal"
	}
}

// SettlementType labels a journal entry
type SettlementType string

const (
	SettlementDeposit            SettlementType = "DEPOSIT"
	SettlementWithdraw           SettlementType = "WITHDRAW"
	SettlementSettlePnL          SettlementType = "SETTLE_PNL"
	SettlementFundingFee         SettlementType = "FUNDING_FEE"
	SettlementLiquidation        SettlementType = "LIQUIDATION"
	SettlementMarginAdd          SettlementType = "MARGIN_ADD"
	SettlementMarginRemove       SettlementType = "MARGIN_REMOVE"
	SettlementInsuranceInjection SettlementType = "INSURANCE_INJECTION"
	SettlementDaily              SettlementType = "DAILY_SETTLEMENT"
)

// OnChainStatus tracks a journal entry's proof submission lifecycle
type OnChainStatus string

const (
	OnChainPending   OnChainStatus = "PENDING"
	OnChainSubmitted OnChainStatus = "SUBMITTED"
	OnChainSuccess   OnChainStatus = "SUCCESS"
	OnChainFailed    OnChainStatus = "FAILED"
)
