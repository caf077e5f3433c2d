package lifecycle

import (
	"testing"
	"time"
)

func TestExpiryPopDueReturnsOldestFirst(t *testing.T) {
	q := NewExpiryQueue()
	base := time.Unix(1000, 0)

	q.Push("a", base.Add(time.Second))
	q.Push("b", base.Add(2*time.Second))
	q.Push("c", base.Add(10*time.Second))

	due := q.PopDue(base.Add(3 * time.Second))
	if len(due) != 2 || due[0] != "a" || due[1] != "b" {
		t.Fatalf("due = %v, want [a b]", due)
	}
	if q.Len() != 1 {
		t.Fatalf("remaining = %d, want 1", q.Len())
	}
	if again := q.PopDue(base.Add(3 * time.Second)); again != nil {
		t.Fatalf("second pop = %v, want nil", again)
	}
}

func TestExpiryPopStopsAtFirstNotDue(t *testing.T) {
	q := NewExpiryQueue()
	base := time.Unix(1000, 0)

	q.Push("a", base.Add(5*time.Second))
	q.Push("b", base.Add(time.Second)) // out of order: must still wait behind a

	if due := q.PopDue(base.Add(2 * time.Second)); due != nil {
		t.Fatalf("due = %v, want nil while head is not due", due)
	}
	due := q.PopDue(base.Add(6 * time.Second))
	if len(due) != 2 {
		t.Fatalf("due = %v, want both entries", due)
	}
}
