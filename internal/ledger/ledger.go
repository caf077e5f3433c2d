// Package ledger derives available balances from venue totals and the
// currency reserved by open orders.
package ledger

import (
	"sync"

	"github.com/shopspring/decimal"
)

type reservation struct {
	currency string
	amount   decimal.Decimal
}

// Ledger tracks total and reserved balance per currency. Reservations are
// adjusted incrementally as orders start, partially fill, and stop tracking;
// totals are replaced wholesale on balance refresh.
type Ledger struct {
	mu           sync.RWMutex
	totals       map[string]decimal.Decimal
	reserved     map[string]decimal.Decimal
	reservations map[string]reservation // client order id -> entry
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		totals:       make(map[string]decimal.Decimal),
		reserved:     make(map[string]decimal.Decimal),
		reservations: make(map[string]reservation),
	}
}

// SetTotals replaces all currency totals from a full balance refresh.
func (l *Ledger) SetTotals(totals map[string]decimal.Decimal) {
	next := make(map[string]decimal.Decimal, len(totals))
	for currency, amount := range totals {
		next[currency] = amount
	}
	l.mu.Lock()
	l.totals = next
	l.mu.Unlock()
}

// SetTotal updates one currency total from a push-stream balance event.
func (l *Ledger) SetTotal(currency string, amount decimal.Decimal) {
	l.mu.Lock()
	l.totals[currency] = amount
	l.mu.Unlock()
}

// Total returns the venue-reported total balance for currency.
func (l *Ledger) Total(currency string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totals[currency]
}

// Reserve earmarks currency for an order. Calling it again for the same
// order replaces the existing reservation.
func (l *Ledger) Reserve(clientOrderID, currency string, amount decimal.Decimal) {
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropLocked(clientOrderID)
	l.reservations[clientOrderID] = reservation{currency: currency, amount: amount}
	l.reserved[currency] = l.reserved[currency].Add(amount)
}

// Adjust shrinks (or grows) an existing reservation to amount, so partial
// fills progressively free reserved balance. Unknown orders are ignored.
func (l *Ledger) Adjust(clientOrderID string, amount decimal.Decimal) {
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.reservations[clientOrderID]
	if !ok {
		return
	}
	l.reserved[entry.currency] = l.reserved[entry.currency].Sub(entry.amount).Add(amount)
	entry.amount = amount
	l.reservations[clientOrderID] = entry
}

// Release frees the order's reservation. Safe to call for unknown orders.
func (l *Ledger) Release(clientOrderID string) {
	l.mu.Lock()
	l.dropLocked(clientOrderID)
	l.mu.Unlock()
}

func (l *Ledger) dropLocked(clientOrderID string) {
	entry, ok := l.reservations[clientOrderID]
	if !ok {
		return
	}
	delete(l.reservations, clientOrderID)
	remaining := l.reserved[entry.currency].Sub(entry.amount)
	if remaining.IsPositive() {
		l.reserved[entry.currency] = remaining
	} else {
		delete(l.reserved, entry.currency)
	}
}

// Reserved returns the currency amount earmarked by open orders.
func (l *Ledger) Reserved(currency string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reserved[currency]
}

// Available returns total minus reserved, floored at zero.
func (l *Ledger) Available(currency string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	available := l.totals[currency].Sub(l.reserved[currency])
	if available.IsNegative() {
		return decimal.Zero
	}
	return available
}
