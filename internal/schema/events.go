package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType enumerates lifecycle events exposed to consumers. Each logical
// transition is emitted at most once regardless of how many reconciliation
// sources report it.
type EventType string

const (
	// EventOrderCreated fires when the venue acknowledges a submitted order.
	EventOrderCreated EventType = "OrderCreated"
	// EventOrderFilled fires once per deduplicated fill.
	EventOrderFilled EventType = "OrderFilled"
	// EventOrderCancelled fires when a cancellation is confirmed.
	EventOrderCancelled EventType = "OrderCancelled"
	// EventOrderExpired fires when the venue expires an order.
	EventOrderExpired EventType = "OrderExpired"
	// EventOrderFailed fires when an order terminally fails.
	EventOrderFailed EventType = "OrderFailed"
	// EventOrderCompleted fires when an order's full amount has executed.
	EventOrderCompleted EventType = "OrderCompleted"
)

// Event is a lifecycle notification delivered to registered listeners.
type Event struct {
	Type            EventType       `json:"type"`
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Pair            TradingPair     `json:"pair"`
	Side            TradeSide       `json:"side"`
	OrderType       OrderType       `json:"order_type"`
	Price           decimal.Decimal `json:"price"`
	Amount          decimal.Decimal `json:"amount"`
	ExecutedBase    decimal.Decimal `json:"executed_base"`
	ExecutedQuote   decimal.Decimal `json:"executed_quote"`
	Fee             decimal.Decimal `json:"fee"`
	FillID          string          `json:"fill_id,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}
