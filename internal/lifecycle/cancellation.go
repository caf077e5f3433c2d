package lifecycle

import (
	"sync"
	"time"
)

type cancelRecord struct {
	clientOrderID string
	requestedAt   time.Time
}

// CancellationTracker is a time-bounded, idempotent registry of in-flight
// cancel requests. It prevents duplicate cancel submissions and duplicate
// cancel-event emission when several sources confirm the same cancellation.
//
// Records are appended with the current timestamp, so the slice stays in
// non-decreasing time order; pruning scans from the oldest entry and stops
// at the first non-expired one.
type CancellationTracker struct {
	mu      sync.Mutex
	expiry  time.Duration
	records []cancelRecord
	index   map[string]struct{}
}

// NewCancellationTracker creates a tracker whose records expire after expiry.
func NewCancellationTracker(expiry time.Duration) *CancellationTracker {
	return &CancellationTracker{
		expiry: expiry,
		index:  make(map[string]struct{}),
	}
}

// Begin registers a cancel request. It reports false when a non-expired
// request for the order is already in flight.
func (t *CancellationTracker) Begin(clientOrderID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)
	if _, active := t.index[clientOrderID]; active {
		return false
	}
	t.records = append(t.records, cancelRecord{clientOrderID: clientOrderID, requestedAt: now})
	t.index[clientOrderID] = struct{}{}
	return true
}

// Acknowledge consumes the active record for the order, reporting whether
// one existed. The first confirming source wins; later confirmations of the
// same cancellation find no record and emit nothing.
func (t *CancellationTracker) Acknowledge(clientOrderID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)
	if _, active := t.index[clientOrderID]; !active {
		return false
	}
	delete(t.index, clientOrderID)
	for i, rec := range t.records {
		if rec.clientOrderID == clientOrderID {
			t.records = append(t.records[:i], t.records[i+1:]...)
			break
		}
	}
	return true
}

// Pending reports whether a non-expired cancel request is in flight.
func (t *CancellationTracker) Pending(clientOrderID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)
	_, active := t.index[clientOrderID]
	return active
}

func (t *CancellationTracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.expiry)
	drop := 0
	for drop < len(t.records) && !t.records[drop].requestedAt.After(cutoff) {
		delete(t.index, t.records[drop].clientOrderID)
		drop++
	}
	if drop > 0 {
		t.records = t.records[drop:]
	}
}
