package order

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftline/driftline/internal/schema"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newBuy(t *testing.T) *InFlightOrder {
	t.Helper()
	return New(Params{
		ClientOrderID:   "c1",
		Pair:            "ETH-USDT",
		OrderType:       schema.OrderTypeLimit,
		Side:            schema.SideBuy,
		Price:           dec("100"),
		RequestedAmount: dec("10"),
	})
}

func TestBindExchangeOrderIDAtMostOnce(t *testing.T) {
	o := newBuy(t)
	if _, ok := o.ExchangeOrderID(); ok {
		t.Fatal("fresh order should have no exchange id")
	}
	if !o.BindExchangeOrderID("E1") {
		t.Fatal("first bind must succeed")
	}
	if o.BindExchangeOrderID("E2") {
		t.Fatal("second bind must be ignored")
	}
	id, ok := o.ExchangeOrderID()
	if !ok || id != "E1" {
		t.Fatalf("exchange id = %q, want E1", id)
	}
}

func TestRegisterFillDedup(t *testing.T) {
	o := newBuy(t)
	fill := Fill{TradeID: "f1", Amount: dec("4"), Price: dec("100"), Fee: dec("0.1")}

	if !o.RegisterFill(fill) {
		t.Fatal("first registration must apply")
	}
	if o.RegisterFill(fill) {
		t.Fatal("duplicate fill id must be a no-op")
	}
	if got := o.ExecutedBase(); !got.Equal(dec("4")) {
		t.Fatalf("executed base = %s, want 4", got)
	}
	if got := o.ExecutedQuote(); !got.Equal(dec("400")) {
		t.Fatalf("executed quote = %s, want 400", got)
	}
	if got := o.FeePaid(); !got.Equal(dec("0.1")) {
		t.Fatalf("fee = %s, want 0.1", got)
	}
	if got := o.RemainingAmount(); !got.Equal(dec("6")) {
		t.Fatalf("remaining = %s, want 6", got)
	}
}

func TestFillKeyFallbacks(t *testing.T) {
	ts := time.Unix(600, 0)
	withID := Fill{TradeID: "t1", TxHash: "0xabc", Amount: dec("1"), Price: dec("2"), Timestamp: ts}
	withHash := Fill{TxHash: "0xabc", Amount: dec("1"), Price: dec("2"), Timestamp: ts}
	bare := Fill{Amount: dec("1"), Price: dec("2"), Timestamp: ts}
	bareLater := Fill{Amount: dec("1"), Price: dec("2"), Timestamp: ts.Add(2 * time.Minute)}

	if withID.Key() == withHash.Key() {
		t.Fatal("trade id must take precedence over tx hash")
	}
	if bare.Key() == bareLater.Key() {
		t.Fatal("time-window fallback must separate distant fills")
	}
	sameWindow := Fill{Amount: dec("1"), Price: dec("2"), Timestamp: ts.Add(10 * time.Second)}
	if bare.Key() != sameWindow.Key() {
		t.Fatal("identical fills within the window share a key")
	}
}

func TestTerminalStateFreezesAmounts(t *testing.T) {
	o := newBuy(t)
	o.RegisterFill(Fill{TradeID: "f1", Amount: dec("10"), Price: dec("100")})
	tr := o.ApplyStatusUpdate(schema.StateFilled, "filled")
	if !tr.Changed || !tr.BecameTerminal {
		t.Fatalf("transition = %+v, want terminal change", tr)
	}

	if o.RegisterFill(Fill{TradeID: "f2", Amount: dec("1"), Price: dec("100")}) {
		t.Fatal("fills after terminal state must be discarded")
	}
	tr = o.ApplyStatusUpdate(schema.StateCanceled, "canceled")
	if tr.Changed {
		t.Fatal("status updates after terminal state must be ignored")
	}
	if got := o.ExecutedBase(); !got.Equal(dec("10")) {
		t.Fatalf("executed base = %s, want frozen 10", got)
	}
	if o.State() != schema.StateFilled {
		t.Fatalf("state = %s, want Filled", o.State())
	}
}

func TestStatusUpdateNeverReentersPendingCreate(t *testing.T) {
	o := newBuy(t)
	o.ApplyStatusUpdate(schema.StateOpen, "new")
	tr := o.ApplyStatusUpdate(schema.StatePendingCreate, "")
	if tr.Changed {
		t.Fatal("PendingCreate must not be re-entered")
	}
	if o.State() != schema.StateOpen {
		t.Fatalf("state = %s, want Open", o.State())
	}
}

func TestSoftCancelFlagDistinctFromTerminal(t *testing.T) {
	o := newBuy(t)
	o.ApplyStatusUpdate(schema.StateOpen, "open")
	if !o.MarkSoftCancelled() {
		t.Fatal("first soft cancel must apply")
	}
	if o.MarkSoftCancelled() {
		t.Fatal("soft cancel must be idempotent")
	}
	if !o.IsCancelled() {
		t.Fatal("soft-cancelled order must report cancelled")
	}
	if o.IsDone() {
		t.Fatal("soft cancel alone is not terminal")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	o := newBuy(t)
	o.BindExchangeOrderID("E1")
	o.RegisterFill(Fill{TradeID: "f1", Amount: dec("3"), Price: dec("99"), Fee: dec("0.2")})
	o.ApplyStatusUpdate(schema.StateOpen, "partiallyFilled")

	restored := FromTrackingState(o.Snapshot())
	if restored.ClientOrderID() != "c1" {
		t.Fatalf("client id = %q", restored.ClientOrderID())
	}
	if got := restored.ExecutedBase(); !got.Equal(dec("3")) {
		t.Fatalf("restored executed = %s, want 3", got)
	}
	if restored.RegisterFill(Fill{TradeID: "f1", Amount: dec("3"), Price: dec("99")}) {
		t.Fatal("restored order must remember recorded fill ids")
	}
	if restored.State() != schema.StateOpen {
		t.Fatalf("restored state = %s, want Open", restored.State())
	}
}

func TestAvailableAmountTracksFills(t *testing.T) {
	o := newBuy(t)
	o.RegisterFill(Fill{TradeID: "f1", Amount: dec("7"), Price: dec("100")})
	if got := o.AvailableAmount(); !got.Equal(dec("3")) {
		t.Fatalf("available = %s, want 3", got)
	}
	o.SetAvailableAmount(dec("2.5"))
	if got := o.AvailableAmount(); !got.Equal(dec("2.5")) {
		t.Fatalf("available = %s, want 2.5", got)
	}
	o.SetAvailableAmount(dec("-1"))
	if got := o.AvailableAmount(); !got.Equal(dec("2.5")) {
		t.Fatalf("negative available must be ignored, got %s", got)
	}
}
