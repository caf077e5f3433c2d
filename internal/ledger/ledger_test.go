package ledger

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAvailableIsTotalMinusReserved(t *testing.T) {
	l := New()
	l.SetTotal("USDT", dec("1000"))
	l.Reserve("o1", "USDT", dec("400"))

	if got := l.Available("USDT"); !got.Equal(dec("600")) {
		t.Fatalf("available = %s, want 600", got)
	}
	l.Release("o1")
	if got := l.Available("USDT"); !got.Equal(dec("1000")) {
		t.Fatalf("available after release = %s, want 1000", got)
	}
}

func TestAdjustFreesBalanceProgressively(t *testing.T) {
	l := New()
	l.SetTotal("USDT", dec("1000"))
	l.Reserve("o1", "USDT", dec("1000"))

	// Half the order fills; the reservation shrinks to the remaining half.
	l.Adjust("o1", dec("500"))
	if got := l.Available("USDT"); !got.Equal(dec("500")) {
		t.Fatalf("available = %s, want 500", got)
	}
	if got := l.Reserved("USDT"); !got.Equal(dec("500")) {
		t.Fatalf("reserved = %s, want 500", got)
	}
}

func TestReserveReplacesExisting(t *testing.T) {
	l := New()
	l.SetTotal("ETH", dec("10"))
	l.Reserve("o1", "ETH", dec("4"))
	l.Reserve("o1", "ETH", dec("2"))
	if got := l.Reserved("ETH"); !got.Equal(dec("2")) {
		t.Fatalf("reserved = %s, want 2 after replacement", got)
	}
}

func TestAvailableFlooredAtZero(t *testing.T) {
	l := New()
	l.SetTotal("USDT", dec("100"))
	l.Reserve("o1", "USDT", dec("250"))
	if got := l.Available("USDT"); !got.IsZero() {
		t.Fatalf("available = %s, want 0", got)
	}
}

func TestReleaseUnknownOrderIsSafe(t *testing.T) {
	l := New()
	l.Release("missing")
	l.Adjust("missing", dec("5"))
	if got := l.Reserved("USDT"); !got.IsZero() {
		t.Fatalf("reserved = %s, want 0", got)
	}
}

// Property: availability never goes negative under any reserve/adjust/release
// interleaving.
func TestAvailabilityNonNegativeUnderRandomOps(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	l := New()
	l.SetTotal("USDT", dec("50"))

	live := make([]string, 0)
	for i := 0; i < 1000; i++ {
		switch rng.Intn(3) {
		case 0:
			id := fmt.Sprintf("o%d", i)
			l.Reserve(id, "USDT", decimal.NewFromInt(int64(rng.Intn(40))))
			live = append(live, id)
		case 1:
			if len(live) > 0 {
				l.Adjust(live[rng.Intn(len(live))], decimal.NewFromInt(int64(rng.Intn(40))))
			}
		case 2:
			if len(live) > 0 {
				idx := rng.Intn(len(live))
				l.Release(live[idx])
				live = append(live[:idx], live[idx+1:]...)
			}
		}
		if l.Available("USDT").IsNegative() {
			t.Fatalf("available went negative at step %d", i)
		}
	}
}
