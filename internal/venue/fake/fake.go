// Package fake provides a scripted in-memory venue adapter for tests and
// local runs.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftline/driftline/errs"
	"github.com/driftline/driftline/internal/order"
	"github.com/driftline/driftline/internal/rules"
	"github.com/driftline/driftline/internal/schema"
	"github.com/driftline/driftline/internal/venue"
)

// StatusReply is one scripted response to an OrderStatus poll.
type StatusReply struct {
	Status venue.OrderStatus
	Err    error
}

type trackedOrder struct {
	req     venue.PlaceRequest
	venueID string
	script  []StatusReply
}

// Venue is a scripted adapter. Orders acknowledge immediately unless a
// placement error is configured; status polls consume per-order scripts,
// with the last reply sticking once the script runs dry.
type Venue struct {
	name string
	caps venue.Capabilities

	mu       sync.Mutex
	seq      int
	orders   map[string]*trackedOrder
	balances map[string]decimal.Decimal
	rules    []rules.Rule

	placeErr      error
	cancelErr     error
	softCancelErr error
	cancelBlocks  bool

	placeCalls      map[string]int
	cancelCalls     map[string]int
	softCancelCalls map[string]int
}

// New creates a fake venue named name.
func New(name string) *Venue {
	return &Venue{
		name: name,
		caps: venue.Capabilities{
			SupportsSoftCancel: true,
			SettlementWindow:   2 * time.Minute,
		},
		orders:          make(map[string]*trackedOrder),
		balances:        make(map[string]decimal.Decimal),
		placeCalls:      make(map[string]int),
		cancelCalls:     make(map[string]int),
		softCancelCalls: make(map[string]int),
	}
}

// Name implements venue.Adapter.
func (v *Venue) Name() string { return v.name }

// Capabilities implements venue.Adapter.
func (v *Venue) Capabilities() venue.Capabilities {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.caps
}

// SetCapabilities overrides the advertised capabilities.
func (v *Venue) SetCapabilities(caps venue.Capabilities) {
	v.mu.Lock()
	v.caps = caps
	v.mu.Unlock()
}

// FailPlacements makes subsequent placements return err (nil to clear).
func (v *Venue) FailPlacements(err error) {
	v.mu.Lock()
	v.placeErr = err
	v.mu.Unlock()
}

// FailCancels makes subsequent cancel requests return err (nil to clear).
func (v *Venue) FailCancels(err error) {
	v.mu.Lock()
	v.cancelErr = err
	v.mu.Unlock()
}

// BlockCancels makes CancelOrder hang until its context expires.
func (v *Venue) BlockCancels(block bool) {
	v.mu.Lock()
	v.cancelBlocks = block
	v.mu.Unlock()
}

// SetBalances replaces the venue-side balance totals.
func (v *Venue) SetBalances(balances map[string]decimal.Decimal) {
	v.mu.Lock()
	v.balances = balances
	v.mu.Unlock()
}

// SetRules replaces the venue trading rules.
func (v *Venue) SetRules(r []rules.Rule) {
	v.mu.Lock()
	v.rules = r
	v.mu.Unlock()
}

// ScriptStatus queues status poll replies for clientOrderID.
func (v *Venue) ScriptStatus(clientOrderID string, replies ...StatusReply) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[clientOrderID]
	if !ok {
		o = &trackedOrder{}
		v.orders[clientOrderID] = o
	}
	o.script = append(o.script, replies...)
}

// PlaceCalls reports how many placements were attempted for the order.
func (v *Venue) PlaceCalls(clientOrderID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.placeCalls[clientOrderID]
}

// CancelCalls reports how many hard cancels were requested for the order.
func (v *Venue) CancelCalls(clientOrderID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cancelCalls[clientOrderID]
}

// SoftCancelCalls reports how many soft cancels were requested for the order.
func (v *Venue) SoftCancelCalls(clientOrderID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.softCancelCalls[clientOrderID]
}

// PlaceOrder implements venue.Adapter.
func (v *Venue) PlaceOrder(_ context.Context, req venue.PlaceRequest) (venue.PlaceResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.placeCalls[req.ClientOrderID]++
	if v.placeErr != nil {
		return venue.PlaceResult{}, v.placeErr
	}
	v.seq++
	venueID := fmt.Sprintf("%s-%d", v.name, v.seq)
	o, ok := v.orders[req.ClientOrderID]
	if !ok {
		o = &trackedOrder{}
		v.orders[req.ClientOrderID] = o
	}
	o.req = req
	o.venueID = venueID

	result := venue.PlaceResult{ExchangeOrderID: venueID}
	if v.caps.OnChain {
		result.TxHash = fmt.Sprintf("0x%032x", v.seq)
	}
	return result, nil
}

// CancelOrder implements venue.Adapter.
func (v *Venue) CancelOrder(ctx context.Context, clientOrderID, _ string) (string, error) {
	v.mu.Lock()
	v.cancelCalls[clientOrderID]++
	err := v.cancelErr
	blocks := v.cancelBlocks
	onChain := v.caps.OnChain
	seq := v.seq
	v.mu.Unlock()

	if blocks {
		<-ctx.Done()
		return "", errs.New(v.name, errs.CodeNetwork, errs.WithCause(ctx.Err()))
	}
	if err != nil {
		return "", err
	}
	if onChain {
		return fmt.Sprintf("0xc%031x", seq), nil
	}
	return "", nil
}

// SoftCancelOrder implements venue.Adapter.
func (v *Venue) SoftCancelOrder(_ context.Context, clientOrderID, _ string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.caps.SupportsSoftCancel {
		return errs.NotSupported(v.name, "soft cancel not supported")
	}
	v.softCancelCalls[clientOrderID]++
	return v.softCancelErr
}

// OrderStatus implements venue.Adapter.
func (v *Venue) OrderStatus(_ context.Context, clientOrderID, _ string) (venue.OrderStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.orders[clientOrderID]
	if !ok {
		return venue.OrderStatus{}, errs.New(v.name, errs.CodeNotFound,
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound),
			errs.WithMessage("order not found"))
	}
	if len(o.script) > 0 {
		reply := o.script[0]
		if len(o.script) > 1 {
			o.script = o.script[1:]
		}
		return reply.Status, reply.Err
	}
	return venue.OrderStatus{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: o.venueID,
		Pair:            o.req.Pair,
		Status:          "new",
		RemainingBase:   o.req.Amount,
	}, nil
}

// OpenOrders implements venue.Adapter.
func (v *Venue) OpenOrders(ctx context.Context) ([]venue.OrderStatus, error) {
	v.mu.Lock()
	ids := make([]string, 0, len(v.orders))
	for id := range v.orders {
		ids = append(ids, id)
	}
	v.mu.Unlock()

	out := make([]venue.OrderStatus, 0, len(ids))
	for _, id := range ids {
		status, err := v.OrderStatus(ctx, id, "")
		if err != nil {
			continue
		}
		out = append(out, status)
	}
	return out, nil
}

// Balances implements venue.Adapter.
func (v *Venue) Balances(_ context.Context) (map[string]decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(v.balances))
	for currency, amount := range v.balances {
		out[currency] = amount
	}
	return out, nil
}

// TradingRules implements venue.Adapter.
func (v *Venue) TradingRules(_ context.Context) ([]rules.Rule, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]rules.Rule, len(v.rules))
	copy(out, v.rules)
	return out, nil
}

// MapStatus implements venue.Adapter.
func (v *Venue) MapStatus(venueStatus string) schema.State {
	switch venueStatus {
	case "new", "partiallyFilled", "suspended":
		return schema.StateOpen
	case "filled":
		return schema.StateFilled
	case "canceled":
		return schema.StateCanceled
	case "expired":
		return schema.StateExpired
	case "rejected", "failed":
		return schema.StateFailed
	default:
		return ""
	}
}

// Fill is a convenience constructor for scripted fills.
func Fill(tradeID, amount, price string) order.Fill {
	return order.Fill{
		TradeID:   tradeID,
		Amount:    decimal.RequireFromString(amount),
		Price:     decimal.RequireFromString(price),
		Timestamp: time.Now(),
	}
}

var _ venue.Adapter = (*Venue)(nil)
