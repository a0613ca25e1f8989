package types

import (
	"cosmossdk.io/errors"
)

// Module error codes
var (
	ErrOrderNotFound    = errors.Register("perp", 1, "order not found")
	ErrPositionNotFound = errors.Register("perp", 2, "position not found")
	ErrMarketNotFound   = errors.Register("perp", 3, "market not found")
	ErrInvalidOrder     = errors.Register("perp", 4, "invalid order")
	ErrInvalidPrice     = errors.Register("perp", 5, "invalid price")
	ErrInvalidSize      = errors.Register("perp", 6, "invalid size")
	ErrInvalidLeverage  = errors.Register("perp", 7, "invalid leverage")
	ErrInvalidTrader    = errors.Register("perp", 8, "invalid trader address")
	ErrPriceOutOfRange  = errors.Register("perp", 9, "price outside representable range")

	// Balance errors
	ErrInsufficientBalance = errors.Register("perp", 20, "insufficient balance")
	ErrInsufficientMargin  = errors.Register("perp", 21, "insufficient margin")
	ErrFrozenUnderflow     = errors.Register("perp", 22, "release exceeds frozen margin")
	ErrUsedUnderflow       = errors.Register("perp", 23, "release exceeds used margin")

	// Signature and replay errors
	ErrInvalidSignature = errors.Register("perp", 30, "signature does not recover trader")
	ErrNonceUsed        = errors.Register("perp", 31, "nonce already used")
	ErrDeadlinePassed   = errors.Register("perp", 32, "order deadline has passed")

	// Matching errors
	ErrPostOnlyWouldTake  = errors.Register("perp", 40, "post-only order would take liquidity")
	ErrFOKNotFilled       = errors.Register("perp", 41, "FOK order could not be fully filled")
	ErrReduceOnlyIncrease = errors.Register("perp", 42, "reduce-only order would increase position")
	ErrSizeBelowMinimum   = errors.Register("perp", 43, "order size below market minimum")
	ErrOrderNotActive     = errors.Register("perp", 44, "order is not active")

	// Liquidation errors
	ErrPositionHealthy    = errors.Register("perp", 50, "position is healthy, cannot liquidate")
	ErrAlreadyLiquidating = errors.Register("perp", 51, "position already claimed for liquidation")
	ErrMarginRatioTooHigh = errors.Register("perp", 52, "margin ratio too high after collateral change")

	// Price feed errors
	ErrPriceUnavailable = errors.Register("perp", 60, "no price available")

	// Backpressure
	ErrEngineBusy = errors.Register("perp", 61, "matching queue full")
)
