package lifecycle

import (
	"sync"
	"time"
)

type expiryEntry struct {
	dueAt         time.Time
	clientOrderID string
}

// ExpiryQueue removes terminal orders from the live maps only after a grace
// period, so late duplicate or out-of-order confirmations still find a
// tracked order. Entries are pushed with monotonically non-decreasing due
// times, so a FIFO scan that stops at the first not-yet-due entry pops in
// timestamp order.
type ExpiryQueue struct {
	mu      sync.Mutex
	entries []expiryEntry
}

// NewExpiryQueue creates an empty queue.
func NewExpiryQueue() *ExpiryQueue {
	return &ExpiryQueue{}
}

// Push schedules the order's removal at dueAt.
func (q *ExpiryQueue) Push(clientOrderID string, dueAt time.Time) {
	q.mu.Lock()
	q.entries = append(q.entries, expiryEntry{dueAt: dueAt, clientOrderID: clientOrderID})
	q.mu.Unlock()
}

// PopDue returns every order whose due time has passed, oldest first.
func (q *ExpiryQueue) PopDue(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	pop := 0
	for pop < len(q.entries) && !q.entries[pop].dueAt.After(now) {
		pop++
	}
	if pop == 0 {
		return nil
	}
	out := make([]string, pop)
	for i := 0; i < pop; i++ {
		out[i] = q.entries[i].clientOrderID
	}
	q.entries = q.entries[pop:]
	return out
}

// Len returns the number of pending entries.
func (q *ExpiryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
