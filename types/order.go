package types

import (
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/fixedpoint"
)

// Order is a signed intent to buy or sell a token perpetual. Size and
// FilledSize are 1e18-scaled base units; Price and TriggerPrice are
// 1e18-scaled quote units (Price zero means market). Leverage is
// RATE-scaled, so 10x = 100000.
type Order struct {
	ID           string
	Trader       string
	Token        string
	Side         Side
	Type         OrderType
	TimeInForce  TimeInForce
	Size         sdkmath.Int
	FilledSize   sdkmath.Int
	AvgFillPrice sdkmath.Int
	Price        sdkmath.Int
	TriggerPrice sdkmath.Int
	TrailDelta   sdkmath.Int
	Leverage     int64
	Margin       sdkmath.Int
	MarginMode   MarginMode
	ReduceOnly   bool
	PostOnly     bool
	Status       OrderStatus
	RejectReason string
	Deadline     int64 // unix ms, 0 = none
	Nonce        uint64
	Signature    string // hex encoded 65-byte secp256k1 signature
	CreatedAt    int64  // unix ms
	UpdatedAt    int64  // unix ms

	// Seq is the book-insertion sequence used for time priority at equal
	// prices. Assigned by the owning matching loop; never persisted.
	Seq uint64 `json:"-"`
}

// NewOrder creates a pending order with zeroed fill state.
func NewOrder(id, trader, token string, side Side, typ OrderType, size, price sdkmath.Int, nowMs int64) *Order {
	return &Order{
		ID:           id,
		Trader:       trader,
		Token:        token,
		Side:         side,
		Type:         typ,
		Size:         size,
		Price:        price,
		FilledSize:   sdkmath.ZeroInt(),
		AvgFillPrice: sdkmath.ZeroInt(),
		TriggerPrice: sdkmath.ZeroInt(),
		TrailDelta:   sdkmath.ZeroInt(),
		Margin:       sdkmath.ZeroInt(),
		Status:       OrderStatusPending,
		CreatedAt:    nowMs,
		UpdatedAt:    nowMs,
	}
}

// Remaining returns size still open to fill.
func (o *Order) Remaining() sdkmath.Int {
	return o.Size.Sub(o.FilledSize)
}

// IsActive returns true while the order may still match. Triggered orders
// are active: they have left the trigger index and live in the book.
func (o *Order) IsActive() bool {
	switch o.Status {
	case OrderStatusPending, OrderStatusPartiallyFilled, OrderStatusTriggered:
		return true
	default:
		return false
	}
}

// IsMarket returns true for orders that cross unconditionally.
func (o *Order) IsMarket() bool {
	return o.Type == OrderTypeMarket || o.Type == OrderTypeLiquidation || o.Price.IsZero()
}

// Fill applies a fill, keeping the volume-weighted average fill price and
// transitioning status.
func (o *Order) Fill(size, price sdkmath.Int, nowMs int64) error {
	if size.GT(o.Remaining()) {
		return fmt.Errorf("fill size %s exceeds remaining %s", size, o.Remaining())
	}
	filledNotional := o.AvgFillPrice.Mul(o.FilledSize).Add(price.Mul(size))
	o.FilledSize = o.FilledSize.Add(size)
	if o.FilledSize.IsPositive() {
		o.AvgFillPrice = filledNotional.Quo(o.FilledSize)
	}
	if o.Remaining().IsZero() {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	o.UpdatedAt = nowMs
	return nil
}

// Cancel marks the order cancelled.
func (o *Order) Cancel(nowMs int64) {
	o.Status = OrderStatusCancelled
	o.UpdatedAt = nowMs
}

// Expire marks a GTD order expired.
func (o *Order) Expire(nowMs int64) {
	o.Status = OrderStatusExpired
	o.UpdatedAt = nowMs
}

// Reject marks the order rejected with a reason; rejected orders carry no
// side effects.
func (o *Order) Reject(reason string, nowMs int64) {
	o.Status = OrderStatusRejected
	o.RejectReason = reason
	o.UpdatedAt = nowMs
}

// IsExpired reports whether a GTD deadline has passed.
func (o *Order) IsExpired(nowMs int64) bool {
	return o.TimeInForce == TimeInForceGTD && o.Deadline > 0 && nowMs >= o.Deadline
}

// FiresOnFall reports which trigger index holds this conditional order.
// Orders that fire when the price falls to the trigger (stop-loss sells,
// take-profit buys) sit in the long index; orders that fire on a rise
// (take-profit sells, stop-loss buys) sit in the short index.
func (o *Order) FiresOnFall() bool {
	switch o.Type {
	case OrderTypeStopLoss, OrderTypeTrailingStop:
		return o.Side == SideShort
	case OrderTypeTakeProfit:
		return o.Side == SideLong
	default:
		return false
	}
}

// ShouldTrigger reports whether the current price has crossed the trigger.
func (o *Order) ShouldTrigger(price sdkmath.Int) bool {
	if !o.Type.IsConditional() || o.TriggerPrice.IsZero() || price.IsZero() {
		return false
	}
	if o.FiresOnFall() {
		return price.LTE(o.TriggerPrice)
	}
	return price.GTE(o.TriggerPrice)
}

// Trigger converts a waiting conditional order into an active one.
func (o *Order) Trigger(nowMs int64) {
	o.Status = OrderStatusTriggered
	o.UpdatedAt = nowMs
}

// Hash returns the stored form of the order. The writer emits new field
// names only; the reader below also accepts the legacy aliases.
func (o *Order) Hash() map[string]string {
	return map[string]string{
		"id":           o.ID,
		"trader":       o.Trader,
		"token":        o.Token,
		"side":         itoa(int64(o.Side)),
		"type":         itoa(int64(o.Type)),
		"tif":          itoa(int64(o.TimeInForce)),
		"size":         o.Size.String(),
		"filledSize":   o.FilledSize.String(),
		"avgFillPrice": o.AvgFillPrice.String(),
		"price":        o.Price.String(),
		"triggerPrice": o.TriggerPrice.String(),
		"trailDelta":   o.TrailDelta.String(),
		"leverage":     itoa(o.Leverage),
		"margin":       o.Margin.String(),
		"marginMode":   itoa(int64(o.MarginMode)),
		"reduceOnly":   boolField(o.ReduceOnly),
		"postOnly":     boolField(o.PostOnly),
		"status":       itoa(int64(o.Status)),
		"rejectReason": o.RejectReason,
		"deadline":     itoa(o.Deadline),
		"nonce":        itoa(int64(o.Nonce)),
		"signature":    o.Signature,
		"createdAt":    itoa(o.CreatedAt),
		"updatedAt":    itoa(o.UpdatedAt),
	}
}

// OrderFromHash rebuilds an order from its stored hash. Unknown or
// malformed numeric fields fall back to zero values; the legacy
// userAddress/symbol aliases are accepted.
func OrderFromHash(h map[string]string) *Order {
	zero := sdkmath.ZeroInt()
	return &Order{
		ID:           h["id"],
		Trader:       legacyField(h, "trader", "userAddress"),
		Token:        legacyField(h, "token", "symbol"),
		Side:         Side(fixedpoint.ParseInt64(h["side"], 0)),
		Type:         OrderType(fixedpoint.ParseInt64(h["type"], 0)),
		TimeInForce:  TimeInForce(fixedpoint.ParseInt64(h["tif"], 0)),
		Size:         fixedpoint.ParseInt(h["size"], zero),
		FilledSize:   fixedpoint.ParseInt(h["filledSize"], zero),
		AvgFillPrice: fixedpoint.ParseInt(h["avgFillPrice"], zero),
		Price:        fixedpoint.ParseInt(h["price"], zero),
		TriggerPrice: fixedpoint.ParseInt(h["triggerPrice"], zero),
		TrailDelta:   fixedpoint.ParseInt(h["trailDelta"], zero),
		Leverage:     fixedpoint.ParseInt64(h["leverage"], 0),
		Margin:       fixedpoint.ParseInt(h["margin"], zero),
		MarginMode:   MarginMode(fixedpoint.ParseInt64(h["marginMode"], 0)),
		ReduceOnly:   h["reduceOnly"] == "1",
		PostOnly:     h["postOnly"] == "1",
		Status:       OrderStatus(fixedpoint.ParseInt64(h["status"], 0)),
		RejectReason: h["rejectReason"],
		Deadline:     fixedpoint.ParseInt64(h["deadline"], 0),
		Nonce:        uint64(fixedpoint.ParseInt64(h["nonce"], 0)),
		Signature:    h["signature"],
		CreatedAt:    fixedpoint.ParseInt64(h["createdAt"], 0),
		UpdatedAt:    fixedpoint.ParseInt64(h["updatedAt"], 0),
	}
}
