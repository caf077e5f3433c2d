// Package book converts venue order-book snapshot and diff messages into a
// locally queryable, price-aggregated view while retaining per-order detail.
package book

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/schema"
)

type orderRecord struct {
	remainingBase  decimal.Decimal
	remainingQuote decimal.Decimal
	coordinated    bool
}

type priceRef struct {
	side     schema.BookSide
	priceKey string
	price    decimal.Decimal
}

// Tracker maintains the set of still-open venue orders for one market.
//
// Orders live in per-side price buckets; a reverse index resolves removal
// messages that carry only an order id. Aggregate rows are re-derived from
// the buckets on every apply rather than adjusted incrementally, so a missed
// delta can never permanently skew the depth view.
type Tracker struct {
	pair schema.TradingPair
	log  *zap.Logger

	mu     sync.Mutex
	bids   map[string]map[string]orderRecord // price key -> order id -> record
	asks   map[string]map[string]orderRecord
	prices map[string]priceRef // order id -> location
}

// NewTracker creates an empty tracker for pair.
func NewTracker(pair schema.TradingPair, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		pair:   pair,
		log:    log,
		bids:   make(map[string]map[string]orderRecord),
		asks:   make(map[string]map[string]orderRecord),
		prices: make(map[string]priceRef),
	}
}

// ApplySnapshot replaces all tracked orders with the snapshot contents and
// returns the re-aggregated depth rows.
func (t *Tracker) ApplySnapshot(snap schema.BookSnapshot) (bids, asks []schema.PriceRow) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.bids = make(map[string]map[string]orderRecord)
	t.asks = make(map[string]map[string]orderRecord)
	t.prices = make(map[string]priceRef)

	for _, entry := range snap.Bids {
		t.insertLocked(schema.BookSideBid, entry)
	}
	for _, entry := range snap.Asks {
		t.insertLocked(schema.BookSideAsk, entry)
	}
	return t.rowsLocked()
}

// ApplyDiff mutates tracked orders incrementally and returns the
// re-aggregated depth rows.
func (t *Tracker) ApplyDiff(diff schema.BookDiff) (bids, asks []schema.PriceRow) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, action := range diff.Actions {
		switch action.Action {
		case schema.DiffActionNew:
			t.insertLocked(action.Side, action.Entry)
		case schema.DiffActionCancel:
			t.removeLocked(action.Entry.OrderID)
		case schema.DiffActionFill, schema.DiffActionUpdate:
			if action.Filled || !action.Entry.RemainingBase.IsPositive() {
				t.removeLocked(action.Entry.OrderID)
				continue
			}
			t.updateLocked(action.Entry)
		default:
			t.log.Warn("unknown book diff action",
				zap.String("pair", string(t.pair)),
				zap.String("action", string(action.Action)))
		}
	}
	return t.rowsLocked()
}

// insertLocked is idempotent: a duplicate NEW for a known order id relocates
// and overwrites the record.
func (t *Tracker) insertLocked(side schema.BookSide, entry schema.BookEntry) {
	if entry.OrderID == "" {
		return
	}
	if _, known := t.prices[entry.OrderID]; known {
		t.removeLocked(entry.OrderID)
	}
	key := entry.Price.String()
	bucket := t.bucketLocked(side, key)
	bucket[entry.OrderID] = orderRecord{
		remainingBase:  entry.RemainingBase,
		remainingQuote: entry.RemainingQuote,
		coordinated:    entry.Coordinated,
	}
	t.prices[entry.OrderID] = priceRef{side: side, priceKey: key, price: entry.Price}
}

// removeLocked deletes an order via the reverse index. Unknown ids are
// expected under reconnection and replay; they are logged and skipped.
func (t *Tracker) removeLocked(orderID string) {
	ref, ok := t.prices[orderID]
	if !ok {
		t.log.Debug("removal for untracked order",
			zap.String("pair", string(t.pair)),
			zap.String("order_id", orderID))
		return
	}
	buckets := t.sideLocked(ref.side)
	if bucket, ok := buckets[ref.priceKey]; ok {
		delete(bucket, orderID)
		if len(bucket) == 0 {
			delete(buckets, ref.priceKey)
		}
	}
	delete(t.prices, orderID)
}

func (t *Tracker) updateLocked(entry schema.BookEntry) {
	ref, ok := t.prices[entry.OrderID]
	if !ok {
		t.log.Debug("update for untracked order",
			zap.String("pair", string(t.pair)),
			zap.String("order_id", entry.OrderID))
		return
	}
	bucket := t.sideLocked(ref.side)[ref.priceKey]
	rec := bucket[entry.OrderID]
	rec.remainingBase = entry.RemainingBase
	rec.remainingQuote = entry.RemainingQuote
	bucket[entry.OrderID] = rec
}

func (t *Tracker) sideLocked(side schema.BookSide) map[string]map[string]orderRecord {
	if side == schema.BookSideBid {
		return t.bids
	}
	return t.asks
}

func (t *Tracker) bucketLocked(side schema.BookSide, key string) map[string]orderRecord {
	buckets := t.sideLocked(side)
	bucket, ok := buckets[key]
	if !ok {
		bucket = make(map[string]orderRecord)
		buckets[key] = bucket
	}
	return bucket
}

func (t *Tracker) rowsLocked() (bids, asks []schema.PriceRow) {
	bids = aggregate(t.bids, true)
	asks = aggregate(t.asks, false)
	return bids, asks
}

func aggregate(buckets map[string]map[string]orderRecord, descending bool) []schema.PriceRow {
	rows := make([]schema.PriceRow, 0, len(buckets))
	for key, bucket := range buckets {
		total := decimal.Zero
		for _, rec := range bucket {
			total = total.Add(rec.remainingBase)
		}
		price, err := decimal.NewFromString(key)
		if err != nil {
			continue
		}
		rows = append(rows, schema.PriceRow{Price: price, Amount: total})
	}
	sort.Slice(rows, func(i, j int) bool {
		if descending {
			return rows[i].Price.GreaterThan(rows[j].Price)
		}
		return rows[i].Price.LessThan(rows[j].Price)
	})
	return rows
}

// Rows returns the current aggregated depth without applying any message.
func (t *Tracker) Rows() (bids, asks []schema.PriceRow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rowsLocked()
}

// BestBid returns the highest bid row, if any.
func (t *Tracker) BestBid() (schema.PriceRow, bool) {
	bids, _ := t.Rows()
	if len(bids) == 0 {
		return schema.PriceRow{}, false
	}
	return bids[0], true
}

// BestAsk returns the lowest ask row, if any.
func (t *Tracker) BestAsk() (schema.PriceRow, bool) {
	_, asks := t.Rows()
	if len(asks) == 0 {
		return schema.PriceRow{}, false
	}
	return asks[0], true
}

// VolumeAtPrice sums remaining base amount for side at exactly price.
func (t *Tracker) VolumeAtPrice(side schema.BookSide, price decimal.Decimal) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket, ok := t.sideLocked(side)[price.String()]
	if !ok {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, rec := range bucket {
		total = total.Add(rec.remainingBase)
	}
	return total
}

// TrackedOrders returns the number of live per-order records.
func (t *Tracker) TrackedOrders() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.prices)
}

// CheckIndex verifies that every reverse-index entry points at exactly one
// live bucket record and that no bucket holds an unindexed order. It exists
// for property tests.
func (t *Tracker) CheckIndex() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	indexed := 0
	for orderID, ref := range t.prices {
		bucket, ok := t.sideLocked(ref.side)[ref.priceKey]
		if !ok {
			return false
		}
		if _, ok := bucket[orderID]; !ok {
			return false
		}
		indexed++
	}
	inBuckets := 0
	for _, buckets := range []map[string]map[string]orderRecord{t.bids, t.asks} {
		for key, bucket := range buckets {
			if len(bucket) == 0 {
				return false // empty buckets must be dropped, never left dangling
			}
			for orderID := range bucket {
				ref, ok := t.prices[orderID]
				if !ok || ref.priceKey != key {
					return false
				}
				inBuckets++
			}
		}
	}
	return indexed == inBuckets
}
