package rules

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/driftline/driftline/internal/schema"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func limitRule() Rule {
	return Rule{
		Pair:                    "ETH-USDT",
		MinOrderSize:            dec("0.01"),
		MaxOrderSize:            dec("1000"),
		MinPriceIncrement:       dec("0.01"),
		MinBaseAmountIncrement:  dec("0.001"),
		MinQuoteAmountIncrement: dec("0.01"),
		MinNotionalSize:         dec("10"),
		SupportsLimitOrders:     true,
		SupportsMarketOrders:    true,
	}
}

func TestQuantizeFloors(t *testing.T) {
	r := limitRule()
	if got := r.QuantizeAmount(dec("1.23456")); !got.Equal(dec("1.234")) {
		t.Fatalf("QuantizeAmount = %s, want 1.234", got)
	}
	if got := r.QuantizePrice(dec("1999.999")); !got.Equal(dec("1999.99")) {
		t.Fatalf("QuantizePrice = %s, want 1999.99", got)
	}
}

func TestCheckOrderBounds(t *testing.T) {
	r := limitRule()
	if err := r.CheckOrder(schema.OrderTypeLimit, dec("0.005"), dec("2000")); err == nil {
		t.Fatal("expected rejection below min order size")
	}
	if err := r.CheckOrder(schema.OrderTypeLimit, dec("2000"), dec("2000")); err == nil {
		t.Fatal("expected rejection above max order size")
	}
	if err := r.CheckOrder(schema.OrderTypeLimit, dec("0.01"), dec("100")); err == nil {
		t.Fatal("expected rejection below min notional")
	}
	if err := r.CheckOrder(schema.OrderTypeLimit, dec("1"), dec("2000")); err != nil {
		t.Fatalf("valid order rejected: %v", err)
	}
}

func TestCheckOrderUnsupportedType(t *testing.T) {
	r := limitRule()
	r.SupportsMarketOrders = false
	if err := r.CheckOrder(schema.OrderTypeMarket, dec("1"), decimal.Zero); err == nil {
		t.Fatal("expected rejection of unsupported market order")
	}
}

func TestValidateInvariants(t *testing.T) {
	r := limitRule()
	r.MinPriceIncrement = decimal.Zero
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for non-positive increment")
	}

	r = limitRule()
	r.MinOrderSize = dec("2000")
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for min > max order size")
	}
}

func TestSetReplaceDropsInvalid(t *testing.T) {
	set := NewSet()
	bad := limitRule()
	bad.Pair = "BAD-PAIR"
	bad.MinBaseAmountIncrement = decimal.Zero

	rejected := set.Replace([]Rule{limitRule(), bad})
	if len(rejected) != 1 || rejected[0] != "BAD-PAIR" {
		t.Fatalf("rejected = %v, want [BAD-PAIR]", rejected)
	}
	if _, ok := set.Lookup("ETH-USDT"); !ok {
		t.Fatal("valid rule missing after replace")
	}
	if _, ok := set.Lookup("BAD-PAIR"); ok {
		t.Fatal("invalid rule should not be present")
	}
}
