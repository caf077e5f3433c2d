// Package schema defines the canonical order, book, and event types shared
// across the connector core.
package schema

import (
	"strings"

	"github.com/driftline/driftline/errs"
)

// TradingPair is the canonical BASE-QUOTE instrument representation.
type TradingPair string

// Base returns the base currency leg of the pair.
func (p TradingPair) Base() string {
	base, _, _ := strings.Cut(string(p), "-")
	return base
}

// Quote returns the quote currency leg of the pair.
func (p TradingPair) Quote() string {
	_, quote, _ := strings.Cut(string(p), "-")
	return quote
}

// Validate verifies the canonical BASE-QUOTE shape.
func (p TradingPair) Validate() error {
	s := strings.TrimSpace(string(p))
	if s == "" {
		return errs.New("schema/pair", errs.CodeInvalid, errs.WithMessage("trading pair required"))
	}
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return errs.New("schema/pair", errs.CodeInvalid,
			errs.WithMessage("trading pair requires base-quote"),
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	for _, part := range parts {
		if part == "" || strings.ToUpper(part) != part {
			return errs.New("schema/pair", errs.CodeInvalid,
				errs.WithMessage("trading pair legs must be uppercase and non-empty"),
				errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
		}
	}
	return nil
}

// TradeSide captures the direction of an order.
type TradeSide string

const (
	// SideBuy indicates buy orders.
	SideBuy TradeSide = "Buy"
	// SideSell indicates sell orders.
	SideSell TradeSide = "Sell"
)

// OrderType enumerates supported order types.
type OrderType string

const (
	// OrderTypeLimit represents limit orders.
	OrderTypeLimit OrderType = "Limit"
	// OrderTypeMarket represents market orders.
	OrderTypeMarket OrderType = "Market"
	// OrderTypeLimitMaker represents post-only limit orders.
	OrderTypeLimitMaker OrderType = "LimitMaker"
)

// State enumerates canonical order lifecycle states. Venue status strings
// never leak past the adapter boundary; adapters map their vocabulary onto
// this closed set.
type State string

const (
	// StatePendingCreate marks a submitted order not yet acknowledged by the venue.
	StatePendingCreate State = "PendingCreate"
	// StateOpen marks an acknowledged, still-working order.
	StateOpen State = "Open"
	// StateFilled marks a completely executed order.
	StateFilled State = "Filled"
	// StateCanceled marks an order removed by cancellation.
	StateCanceled State = "Canceled"
	// StateExpired marks an order removed by venue-side expiry.
	StateExpired State = "Expired"
	// StateFailed marks an order that never executed due to rejection or revert.
	StateFailed State = "Failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateExpired, StateFailed:
		return true
	default:
		return false
	}
}
