// Package rules holds per-market trading constraints and quantization helpers.
package rules

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/driftline/driftline/errs"
	"github.com/driftline/driftline/internal/schema"
)

// Rule captures the static quantization and eligibility constraints for one
// market. Rules are immutable snapshots: a refresh replaces the whole set,
// never mutates an existing entry.
type Rule struct {
	Pair                    schema.TradingPair
	MinOrderSize            decimal.Decimal
	MaxOrderSize            decimal.Decimal
	MinPriceIncrement       decimal.Decimal
	MinBaseAmountIncrement  decimal.Decimal
	MinQuoteAmountIncrement decimal.Decimal
	MinNotionalSize         decimal.Decimal
	SupportsLimitOrders     bool
	SupportsMarketOrders    bool
}

// Validate checks the rule's internal invariants.
func (r Rule) Validate() error {
	if !r.MinPriceIncrement.IsPositive() || !r.MinBaseAmountIncrement.IsPositive() {
		return errs.New("rules", errs.CodeInvalid, errs.WithMessage("increments must be positive"))
	}
	if r.MaxOrderSize.IsPositive() && r.MinOrderSize.GreaterThan(r.MaxOrderSize) {
		return errs.New("rules", errs.CodeInvalid, errs.WithMessage("min order size exceeds max order size"))
	}
	return nil
}

// QuantizeAmount floors amount to the base-amount increment.
func (r Rule) QuantizeAmount(amount decimal.Decimal) decimal.Decimal {
	return quantize(amount, r.MinBaseAmountIncrement)
}

// QuantizePrice floors price to the price increment.
func (r Rule) QuantizePrice(price decimal.Decimal) decimal.Decimal {
	return quantize(price, r.MinPriceIncrement)
}

func quantize(value, increment decimal.Decimal) decimal.Decimal {
	if !increment.IsPositive() {
		return value
	}
	return value.Div(increment).Floor().Mul(increment)
}

// CheckOrder validates a quantized order against the rule. Amount and price
// must already be quantized; the notional check uses the quantized values.
func (r Rule) CheckOrder(orderType schema.OrderType, amount, price decimal.Decimal) error {
	switch orderType {
	case schema.OrderTypeLimit, schema.OrderTypeLimitMaker:
		if !r.SupportsLimitOrders {
			return errs.New("rules", errs.CodeInvalid,
				errs.WithMessage("limit orders not supported on this market"),
				errs.WithCanonicalCode(errs.CanonicalCapabilityMissing))
		}
	case schema.OrderTypeMarket:
		if !r.SupportsMarketOrders {
			return errs.New("rules", errs.CodeInvalid,
				errs.WithMessage("market orders not supported on this market"),
				errs.WithCanonicalCode(errs.CanonicalCapabilityMissing))
		}
	default:
		return errs.New("rules", errs.CodeInvalid, errs.WithMessage("unknown order type"))
	}

	if amount.LessThan(r.MinOrderSize) {
		return errs.New("rules", errs.CodeInvalid,
			errs.WithMessage("order size below market minimum"),
			errs.WithCanonicalCode(errs.CanonicalOrderRejected))
	}
	if r.MaxOrderSize.IsPositive() && amount.GreaterThan(r.MaxOrderSize) {
		return errs.New("rules", errs.CodeInvalid,
			errs.WithMessage("order size above market maximum"),
			errs.WithCanonicalCode(errs.CanonicalOrderRejected))
	}
	if r.MinNotionalSize.IsPositive() && orderType != schema.OrderTypeMarket {
		if amount.Mul(price).LessThan(r.MinNotionalSize) {
			return errs.New("rules", errs.CodeInvalid,
				errs.WithMessage("order notional below market minimum"),
				errs.WithCanonicalCode(errs.CanonicalOrderRejected))
		}
	}
	return nil
}

// Set is the read-heavy container of trading rules, replaced wholesale on
// each metadata refresh.
type Set struct {
	mu    sync.RWMutex
	rules map[schema.TradingPair]Rule
}

// NewSet creates an empty rule set.
func NewSet() *Set {
	return &Set{rules: make(map[schema.TradingPair]Rule)}
}

// Replace swaps in a fresh rule snapshot, dropping rules that fail validation.
// It returns the pairs that were rejected.
func (s *Set) Replace(rules []Rule) []schema.TradingPair {
	next := make(map[schema.TradingPair]Rule, len(rules))
	var rejected []schema.TradingPair
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			rejected = append(rejected, r.Pair)
			continue
		}
		next[r.Pair] = r
	}
	s.mu.Lock()
	s.rules = next
	s.mu.Unlock()
	return rejected
}

// Lookup returns the rule for pair, if present.
func (s *Set) Lookup(pair schema.TradingPair) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[pair]
	return r, ok
}

// Pairs lists all markets with known rules.
func (s *Set) Pairs() []schema.TradingPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.TradingPair, 0, len(s.rules))
	for pair := range s.rules {
		out = append(out, pair)
	}
	return out
}
