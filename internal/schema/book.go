package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookSide identifies which half of the book an entry belongs to.
type BookSide string

const (
	// BookSideBid identifies the buy side of the book.
	BookSideBid BookSide = "bid"
	// BookSideAsk identifies the sell side of the book.
	BookSideAsk BookSide = "ask"
)

// DiffAction enumerates incremental book message actions.
type DiffAction string

const (
	// DiffActionNew inserts an order into its price bucket.
	DiffActionNew DiffAction = "NEW"
	// DiffActionCancel removes an order by id; the message carries no price.
	DiffActionCancel DiffAction = "CANCEL"
	// DiffActionFill reduces an order's remaining amount, removing it when exhausted.
	DiffActionFill DiffAction = "FILL"
	// DiffActionUpdate replaces an order's remaining amount in place.
	DiffActionUpdate DiffAction = "UPDATE"
)

// BookEntry is the per-order record carried by snapshot and diff messages.
// Venues that only expose aggregated depth synthesize one entry per level.
type BookEntry struct {
	OrderID        string          `json:"order_id"`
	Price          decimal.Decimal `json:"price"`
	RemainingBase  decimal.Decimal `json:"remaining_base"`
	RemainingQuote decimal.Decimal `json:"remaining_quote"`
	Coordinated    bool            `json:"coordinated,omitempty"`
	TxHash         string          `json:"tx_hash,omitempty"`
}

// BookSnapshot replaces all tracked orders for a market.
type BookSnapshot struct {
	Pair      TradingPair `json:"pair"`
	UpdateID  uint64      `json:"update_id"`
	Timestamp time.Time   `json:"timestamp"`
	Bids      []BookEntry `json:"bids"`
	Asks      []BookEntry `json:"asks"`
}

// BookAction is a single incremental mutation within a diff message.
type BookAction struct {
	Action DiffAction `json:"action"`
	Side   BookSide   `json:"side"`
	Entry  BookEntry  `json:"entry"`
	// Filled marks FILL actions the venue reports as complete fills; the
	// order is then removed exactly like a CANCEL.
	Filled bool `json:"filled,omitempty"`
}

// BookDiff mutates tracked orders incrementally.
type BookDiff struct {
	Pair      TradingPair  `json:"pair"`
	UpdateID  uint64       `json:"update_id"`
	Timestamp time.Time    `json:"timestamp"`
	Actions   []BookAction `json:"actions"`
}

// PriceRow is one aggregated depth row: total remaining base amount at a price.
type PriceRow struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}
