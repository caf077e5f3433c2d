package book

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/driftline/driftline/internal/schema"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func entry(id, price, amount string) schema.BookEntry {
	return schema.BookEntry{OrderID: id, Price: dec(price), RemainingBase: dec(amount)}
}

func TestSnapshotReplacesState(t *testing.T) {
	tr := NewTracker("ETH-DAI", nil)
	tr.ApplySnapshot(schema.BookSnapshot{
		Bids: []schema.BookEntry{entry("B1", "100", "1")},
		Asks: []schema.BookEntry{entry("A1", "101", "2")},
	})

	bids, asks := tr.ApplySnapshot(schema.BookSnapshot{
		Bids: []schema.BookEntry{entry("B2", "99", "3")},
	})
	if len(bids) != 1 || !bids[0].Price.Equal(dec("99")) || !bids[0].Amount.Equal(dec("3")) {
		t.Fatalf("bids = %v, want single row 99/3", bids)
	}
	if len(asks) != 0 {
		t.Fatalf("asks = %v, want empty after replacing snapshot", asks)
	}
	if tr.TrackedOrders() != 1 {
		t.Fatalf("tracked orders = %d, want 1", tr.TrackedOrders())
	}
}

func TestNewThenCancelLeavesNoLevel(t *testing.T) {
	tr := NewTracker("ETH-DAI", nil)
	tr.ApplySnapshot(schema.BookSnapshot{})

	tr.ApplyDiff(schema.BookDiff{Actions: []schema.BookAction{
		{Action: schema.DiffActionNew, Side: schema.BookSideBid, Entry: entry("O1", "5.0", "2")},
	}})
	bids, _ := tr.ApplyDiff(schema.BookDiff{Actions: []schema.BookAction{
		{Action: schema.DiffActionCancel, Entry: schema.BookEntry{OrderID: "O1"}},
	}})
	if len(bids) != 0 {
		t.Fatalf("bids = %v, want no aggregate entry at 5.0", bids)
	}
	if !tr.CheckIndex() {
		t.Fatal("index invariant violated")
	}
}

func TestCancelUnknownOrderIsNotAnError(t *testing.T) {
	tr := NewTracker("ETH-DAI", nil)
	bids, asks := tr.ApplyDiff(schema.BookDiff{Actions: []schema.BookAction{
		{Action: schema.DiffActionCancel, Entry: schema.BookEntry{OrderID: "never-seen"}},
	}})
	if len(bids) != 0 || len(asks) != 0 {
		t.Fatalf("rows = %v/%v, want empty", bids, asks)
	}
}

func TestDuplicateNewOverwrites(t *testing.T) {
	tr := NewTracker("ETH-DAI", nil)
	tr.ApplyDiff(schema.BookDiff{Actions: []schema.BookAction{
		{Action: schema.DiffActionNew, Side: schema.BookSideAsk, Entry: entry("O1", "10", "1")},
		{Action: schema.DiffActionNew, Side: schema.BookSideAsk, Entry: entry("O1", "11", "4")},
	}})
	_, asks := tr.Rows()
	if len(asks) != 1 || !asks[0].Price.Equal(dec("11")) || !asks[0].Amount.Equal(dec("4")) {
		t.Fatalf("asks = %v, want single row 11/4 after overwrite", asks)
	}
	if !tr.CheckIndex() {
		t.Fatal("index invariant violated")
	}
}

func TestPartialFillUpdatesInPlaceFullFillRemoves(t *testing.T) {
	tr := NewTracker("ETH-DAI", nil)
	tr.ApplyDiff(schema.BookDiff{Actions: []schema.BookAction{
		{Action: schema.DiffActionNew, Side: schema.BookSideBid, Entry: entry("O1", "7", "10")},
	}})

	bids, _ := tr.ApplyDiff(schema.BookDiff{Actions: []schema.BookAction{
		{Action: schema.DiffActionFill, Entry: entry("O1", "7", "6")},
	}})
	if len(bids) != 1 || !bids[0].Amount.Equal(dec("6")) {
		t.Fatalf("bids = %v, want 7/6 after partial fill", bids)
	}

	bids, _ = tr.ApplyDiff(schema.BookDiff{Actions: []schema.BookAction{
		{Action: schema.DiffActionFill, Filled: true, Entry: entry("O1", "7", "0")},
	}})
	if len(bids) != 0 {
		t.Fatalf("bids = %v, want empty after full fill", bids)
	}
}

func TestRowsSorted(t *testing.T) {
	tr := NewTracker("ETH-DAI", nil)
	bids, asks := tr.ApplySnapshot(schema.BookSnapshot{
		Bids: []schema.BookEntry{entry("B1", "98", "1"), entry("B2", "100", "1"), entry("B3", "99", "1")},
		Asks: []schema.BookEntry{entry("A1", "103", "1"), entry("A2", "101", "1"), entry("A3", "102", "1")},
	})
	for i := 1; i < len(bids); i++ {
		if bids[i].Price.GreaterThan(bids[i-1].Price) {
			t.Fatalf("bids not descending: %v", bids)
		}
	}
	for i := 1; i < len(asks); i++ {
		if asks[i].Price.LessThan(asks[i-1].Price) {
			t.Fatalf("asks not ascending: %v", asks)
		}
	}
}

func TestBestAndVolumeQueries(t *testing.T) {
	tr := NewTracker("ETH-DAI", nil)
	tr.ApplySnapshot(schema.BookSnapshot{
		Bids: []schema.BookEntry{entry("B1", "100", "1"), entry("B2", "100", "2")},
		Asks: []schema.BookEntry{entry("A1", "105", "3")},
	})
	best, ok := tr.BestBid()
	if !ok || !best.Price.Equal(dec("100")) || !best.Amount.Equal(dec("3")) {
		t.Fatalf("best bid = %v %v, want 100/3", best, ok)
	}
	if got := tr.VolumeAtPrice(schema.BookSideAsk, dec("105")); !got.Equal(dec("3")) {
		t.Fatalf("ask volume = %s, want 3", got)
	}
	if got := tr.VolumeAtPrice(schema.BookSideAsk, dec("104")); !got.IsZero() {
		t.Fatalf("volume at empty level = %s, want 0", got)
	}
}

// Property check: after a random mutation sequence the aggregate rows equal
// the per-order sums and the reverse index stays consistent.
func TestRandomizedDiffsKeepAggregatesConsistent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tr := NewTracker("ETH-DAI", nil)

	live := make(map[string]string) // order id -> price
	for i := 0; i < 500; i++ {
		switch rng.Intn(3) {
		case 0:
			id := fmt.Sprintf("O%d", rng.Intn(60))
			price := fmt.Sprintf("%d", 90+rng.Intn(20))
			amount := fmt.Sprintf("%d", 1+rng.Intn(9))
			side := schema.BookSideBid
			if rng.Intn(2) == 0 {
				side = schema.BookSideAsk
			}
			tr.ApplyDiff(schema.BookDiff{Actions: []schema.BookAction{
				{Action: schema.DiffActionNew, Side: side, Entry: entry(id, price, amount)},
			}})
			live[id] = price
		case 1:
			id := fmt.Sprintf("O%d", rng.Intn(60))
			tr.ApplyDiff(schema.BookDiff{Actions: []schema.BookAction{
				{Action: schema.DiffActionCancel, Entry: schema.BookEntry{OrderID: id}},
			}})
			delete(live, id)
		case 2:
			id := fmt.Sprintf("O%d", rng.Intn(60))
			price, ok := live[id]
			if !ok {
				continue
			}
			remaining := rng.Intn(5)
			filled := remaining == 0
			tr.ApplyDiff(schema.BookDiff{Actions: []schema.BookAction{
				{Action: schema.DiffActionFill, Filled: filled, Entry: entry(id, price, fmt.Sprintf("%d", remaining))},
			}})
			if filled {
				delete(live, id)
			}
		}
		if !tr.CheckIndex() {
			t.Fatalf("index invariant violated at step %d", i)
		}
	}
	if tr.TrackedOrders() != len(live) {
		t.Fatalf("tracked = %d, want %d", tr.TrackedOrders(), len(live))
	}
}
