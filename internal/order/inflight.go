// Package order implements the in-flight order state machine and its
// mutable execution ledger.
package order

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftline/driftline/internal/schema"
)

// Fill is one execution report against a tracked order.
type Fill struct {
	TradeID     string          `json:"trade_id,omitempty"`
	TxHash      string          `json:"tx_hash,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	Fee         decimal.Decimal `json:"fee"`
	FeeCurrency string          `json:"fee_currency,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Key derives the dedup key for the fill. Venues with stable trade ids use
// those; on-chain venues fall back to the settlement tx hash. The final
// price|amount|minute-bucket fallback is a heuristic: rapid identical fills
// inside one bucket collapse, a weaker guarantee inherited from venues that
// expose no identifier at all.
func (f Fill) Key() string {
	if f.TradeID != "" {
		return "t:" + f.TradeID
	}
	if f.TxHash != "" {
		return "h:" + f.TxHash
	}
	return fmt.Sprintf("w:%s|%s|%d", f.Price.String(), f.Amount.String(), f.Timestamp.Unix()/60)
}

// Transition describes the outcome of a status update.
type Transition struct {
	Changed        bool
	BecameTerminal bool
	From           schema.State
	To             schema.State
}

// InFlightOrder tracks one client-submitted order from submission until it
// is expired out of the live maps. All mutation goes through the lifecycle
// manager; duplicate and out-of-order updates from racing sources are
// tolerated by terminal idempotence and fill dedup rather than prevented.
type InFlightOrder struct {
	mu sync.Mutex

	clientOrderID   string
	exchangeOrderID string
	pair            schema.TradingPair
	orderType       schema.OrderType
	side            schema.TradeSide
	price           decimal.Decimal
	requestedAmount decimal.Decimal

	executedBase  decimal.Decimal
	executedQuote decimal.Decimal
	feePaid       decimal.Decimal
	availableBase decimal.Decimal

	state            schema.State
	venueState       string
	hasBeenCancelled bool

	coordinated bool
	txHash      string

	createdAt time.Time
	expiresAt time.Time

	recordedFills map[string]struct{}
}

// Params carries the immutable attributes of a new order.
type Params struct {
	ClientOrderID   string
	Pair            schema.TradingPair
	OrderType       schema.OrderType
	Side            schema.TradeSide
	Price           decimal.Decimal
	RequestedAmount decimal.Decimal
	Coordinated     bool
	ExpiresAt       time.Time
	CreatedAt       time.Time
}

// New creates an order in PendingCreate, before venue acknowledgment.
func New(p Params) *InFlightOrder {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return &InFlightOrder{
		clientOrderID:   p.ClientOrderID,
		pair:            p.Pair,
		orderType:       p.OrderType,
		side:            p.Side,
		price:           p.Price,
		requestedAmount: p.RequestedAmount,
		availableBase:   p.RequestedAmount,
		state:           schema.StatePendingCreate,
		coordinated:     p.Coordinated,
		createdAt:       created,
		expiresAt:       p.ExpiresAt,
		recordedFills:   make(map[string]struct{}),
	}
}

// ClientOrderID returns the locally generated, immutable order id.
func (o *InFlightOrder) ClientOrderID() string { return o.clientOrderID }

// Pair returns the order's market.
func (o *InFlightOrder) Pair() schema.TradingPair { return o.pair }

// Side returns the trade direction.
func (o *InFlightOrder) Side() schema.TradeSide { return o.side }

// Type returns the order type.
func (o *InFlightOrder) Type() schema.OrderType { return o.orderType }

// Price returns the limit price (zero for market orders).
func (o *InFlightOrder) Price() decimal.Decimal { return o.price }

// RequestedAmount returns the target base amount.
func (o *InFlightOrder) RequestedAmount() decimal.Decimal { return o.requestedAmount }

// Coordinated reports whether settlement involves a coordination service.
func (o *InFlightOrder) Coordinated() bool { return o.coordinated }

// CreatedAt returns the local submission time.
func (o *InFlightOrder) CreatedAt() time.Time { return o.createdAt }

// ExpiresAt returns the venue-side expiry, zero when the order has none.
func (o *InFlightOrder) ExpiresAt() time.Time { return o.expiresAt }

// ExchangeOrderID returns the venue order id once acknowledged.
func (o *InFlightOrder) ExchangeOrderID() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exchangeOrderID, o.exchangeOrderID != ""
}

// BindExchangeOrderID records the venue id. It is set at most once; later
// bindings are ignored and reported false.
func (o *InFlightOrder) BindExchangeOrderID(id string) bool {
	if id == "" {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.exchangeOrderID != "" {
		return false
	}
	o.exchangeOrderID = id
	return true
}

// SetTxHash records the on-chain settlement transaction for the order.
func (o *InFlightOrder) SetTxHash(hash string) {
	o.mu.Lock()
	o.txHash = hash
	o.mu.Unlock()
}

// TxHash returns the on-chain settlement transaction hash, if any.
func (o *InFlightOrder) TxHash() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.txHash
}

// RegisterFill applies a fill exactly once per dedup key. It reports false
// for duplicates and for fills arriving after a terminal state, which must
// be discarded without re-emitting completion events.
func (o *InFlightOrder) RegisterFill(f Fill) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.Terminal() {
		return false
	}
	key := f.Key()
	if _, seen := o.recordedFills[key]; seen {
		return false
	}
	o.recordedFills[key] = struct{}{}
	o.executedBase = o.executedBase.Add(f.Amount)
	o.executedQuote = o.executedQuote.Add(f.Amount.Mul(f.Price))
	o.feePaid = o.feePaid.Add(f.Fee)
	o.availableBase = o.requestedAmount.Sub(o.executedBase)
	if o.availableBase.IsNegative() {
		o.availableBase = decimal.Zero
	}
	return true
}

// SetAvailableAmount overrides the remaining on-book amount for resting
// limit orders, derived from venue book updates.
func (o *InFlightOrder) SetAvailableAmount(amount decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Terminal() || amount.IsNegative() {
		return
	}
	o.availableBase = amount
}

// ApplyStatusUpdate moves the order to the canonical state the venue
// adapter mapped its status vocabulary onto. Updates against a terminal
// order are ignored, making transitions idempotent and commutative across
// reconciliation sources.
func (o *InFlightOrder) ApplyStatusUpdate(state schema.State, venueState string) Transition {
	o.mu.Lock()
	defer o.mu.Unlock()

	from := o.state
	if from.Terminal() {
		return Transition{From: from, To: from}
	}
	if venueState != "" {
		o.venueState = venueState
	}
	if state == from || state == "" {
		return Transition{From: from, To: from}
	}
	// PendingCreate is never re-entered once the venue has acknowledged.
	if state == schema.StatePendingCreate {
		return Transition{From: from, To: from}
	}
	o.state = state
	return Transition{Changed: true, BecameTerminal: state.Terminal(), From: from, To: state}
}

// MarkSoftCancelled flags an off-chain cancellation acknowledgment. The flag
// is distinct from the terminal Canceled state: the order stays tracked
// until settlement can no longer deliver a late fill.
func (o *InFlightOrder) MarkSoftCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.hasBeenCancelled || o.state.Terminal() {
		return false
	}
	o.hasBeenCancelled = true
	return true
}

// State returns the canonical lifecycle state.
func (o *InFlightOrder) State() schema.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// VenueState returns the raw venue status string last observed.
func (o *InFlightOrder) VenueState() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.venueState
}

// IsDone reports whether the order reached any terminal state.
func (o *InFlightOrder) IsDone() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Terminal()
}

// IsCancelled reports a confirmed or soft-acknowledged cancellation.
func (o *InFlightOrder) IsCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == schema.StateCanceled || o.hasBeenCancelled
}

// IsFailure reports a terminal failure.
func (o *InFlightOrder) IsFailure() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == schema.StateFailed
}

// IsExpired reports venue-side expiry.
func (o *InFlightOrder) IsExpired() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == schema.StateExpired
}

// ExecutedBase returns the cumulative executed base amount.
func (o *InFlightOrder) ExecutedBase() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.executedBase
}

// ExecutedQuote returns the cumulative executed quote amount.
func (o *InFlightOrder) ExecutedQuote() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.executedQuote
}

// FeePaid returns the cumulative fee accrual.
func (o *InFlightOrder) FeePaid() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.feePaid
}

// AvailableAmount returns the remaining on-book base amount.
func (o *InFlightOrder) AvailableAmount() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.availableBase
}

// RemainingAmount returns the not-yet-executed portion of the request.
func (o *InFlightOrder) RemainingAmount() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	remaining := o.requestedAmount.Sub(o.executedBase)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// FullyExecuted reports whether the executed amount reached the request.
func (o *InFlightOrder) FullyExecuted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.executedBase.GreaterThanOrEqual(o.requestedAmount)
}

// TrackingState is the serializable snapshot of an in-flight order, used to
// persist and restore non-terminal orders across restarts.
type TrackingState struct {
	ClientOrderID    string             `json:"client_order_id"`
	ExchangeOrderID  string             `json:"exchange_order_id,omitempty"`
	Pair             schema.TradingPair `json:"pair"`
	OrderType        schema.OrderType   `json:"order_type"`
	Side             schema.TradeSide   `json:"side"`
	Price            decimal.Decimal    `json:"price"`
	RequestedAmount  decimal.Decimal    `json:"requested_amount"`
	ExecutedBase     decimal.Decimal    `json:"executed_base"`
	ExecutedQuote    decimal.Decimal    `json:"executed_quote"`
	FeePaid          decimal.Decimal    `json:"fee_paid"`
	AvailableBase    decimal.Decimal    `json:"available_base"`
	State            schema.State       `json:"state"`
	VenueState       string             `json:"venue_state,omitempty"`
	HasBeenCancelled bool               `json:"has_been_cancelled,omitempty"`
	Coordinated      bool               `json:"coordinated,omitempty"`
	TxHash           string             `json:"tx_hash,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	ExpiresAt        time.Time          `json:"expires_at,omitempty"`
	RecordedFillIDs  []string           `json:"recorded_fill_ids,omitempty"`
}

// Snapshot captures the order's full state.
func (o *InFlightOrder) Snapshot() TrackingState {
	o.mu.Lock()
	defer o.mu.Unlock()

	fillIDs := make([]string, 0, len(o.recordedFills))
	for id := range o.recordedFills {
		fillIDs = append(fillIDs, id)
	}
	sort.Strings(fillIDs)

	return TrackingState{
		ClientOrderID:    o.clientOrderID,
		ExchangeOrderID:  o.exchangeOrderID,
		Pair:             o.pair,
		OrderType:        o.orderType,
		Side:             o.side,
		Price:            o.price,
		RequestedAmount:  o.requestedAmount,
		ExecutedBase:     o.executedBase,
		ExecutedQuote:    o.executedQuote,
		FeePaid:          o.feePaid,
		AvailableBase:    o.availableBase,
		State:            o.state,
		VenueState:       o.venueState,
		HasBeenCancelled: o.hasBeenCancelled,
		Coordinated:      o.coordinated,
		TxHash:           o.txHash,
		CreatedAt:        o.createdAt,
		ExpiresAt:        o.expiresAt,
		RecordedFillIDs:  fillIDs,
	}
}

// FromTrackingState reconstructs an order from a persisted snapshot.
func FromTrackingState(ts TrackingState) *InFlightOrder {
	fills := make(map[string]struct{}, len(ts.RecordedFillIDs))
	for _, id := range ts.RecordedFillIDs {
		fills[id] = struct{}{}
	}
	return &InFlightOrder{
		clientOrderID:    ts.ClientOrderID,
		exchangeOrderID:  ts.ExchangeOrderID,
		pair:             ts.Pair,
		orderType:        ts.OrderType,
		side:             ts.Side,
		price:            ts.Price,
		requestedAmount:  ts.RequestedAmount,
		executedBase:     ts.ExecutedBase,
		executedQuote:    ts.ExecutedQuote,
		feePaid:          ts.FeePaid,
		availableBase:    ts.AvailableBase,
		state:            ts.State,
		venueState:       ts.VenueState,
		hasBeenCancelled: ts.HasBeenCancelled,
		coordinated:      ts.Coordinated,
		txHash:           ts.TxHash,
		createdAt:        ts.CreatedAt,
		expiresAt:        ts.ExpiresAt,
		recordedFills:    fills,
	}
}
