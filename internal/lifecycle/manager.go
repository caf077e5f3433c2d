// Package lifecycle implements the order-lifecycle reconciliation engine:
// it owns every in-flight order, merges racing information sources into the
// order state machines, accounts reserved balance, and is the sole emitter
// of lifecycle events.
package lifecycle

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/driftline/driftline/errs"
	"github.com/driftline/driftline/internal/book"
	"github.com/driftline/driftline/internal/chain"
	"github.com/driftline/driftline/internal/ledger"
	"github.com/driftline/driftline/internal/order"
	"github.com/driftline/driftline/internal/rules"
	"github.com/driftline/driftline/internal/schema"
	"github.com/driftline/driftline/internal/telemetry"
	"github.com/driftline/driftline/internal/venue"
)

// Config tunes the reconciliation engine. Zero values fall back to the
// defaults below.
type Config struct {
	// ShortPollInterval drives REST reconciliation while the push stream is
	// unhealthy; LongPollInterval applies while it is delivering.
	ShortPollInterval time.Duration
	LongPollInterval  time.Duration
	// CancelExpiry bounds how long a cancel request suppresses duplicates.
	CancelExpiry time.Duration
	// OrderNotFoundConfirmations is how many consecutive not-found poll
	// results are required before an order is marked failed.
	OrderNotFoundConfirmations int
	// PreemptiveSoftCancelWindow triggers a proactive soft cancel when a
	// coordinated order's time to expiry drops below it.
	PreemptiveSoftCancelWindow time.Duration
	// ExpiryGrace keeps terminal orders tracked so late confirmations still
	// match, before the expiry queue drops them.
	ExpiryGrace time.Duration
	// HardCancelTimeout bounds the wait for an on-chain cancel confirmation.
	HardCancelTimeout time.Duration
	// RulesRefreshInterval spaces trading-rule refreshes between reconciles.
	RulesRefreshInterval time.Duration
	// RequestsPerSecond throttles outbound venue requests.
	RequestsPerSecond float64
}

func (c Config) withDefaults() Config {
	if c.ShortPollInterval <= 0 {
		c.ShortPollInterval = 5 * time.Second
	}
	if c.LongPollInterval <= 0 {
		c.LongPollInterval = 120 * time.Second
	}
	if c.CancelExpiry <= 0 {
		c.CancelExpiry = 60 * time.Second
	}
	if c.OrderNotFoundConfirmations <= 0 {
		c.OrderNotFoundConfirmations = 3
	}
	if c.PreemptiveSoftCancelWindow <= 0 {
		c.PreemptiveSoftCancelWindow = 30 * time.Second
	}
	if c.ExpiryGrace <= 0 {
		c.ExpiryGrace = 30 * time.Second
	}
	if c.HardCancelTimeout <= 0 {
		c.HardCancelTimeout = 60 * time.Second
	}
	if c.RulesRefreshInterval <= 0 {
		c.RulesRefreshInterval = time.Hour
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	return c
}

// Listener receives lifecycle events synchronously, in emission order.
type Listener func(schema.Event)

// CancellationResult reports the outcome of one order within CancelAll.
type CancellationResult struct {
	ClientOrderID string
	Success       bool
}

// Manager is the orchestrator: one instance per venue/account context. All
// order mutation funnels through it; other components only read.
type Manager struct {
	adapter venue.Adapter
	caps    venue.Capabilities
	rules   *rules.Set
	ledger  *ledger.Ledger
	watcher *chain.Watcher
	log     *zap.Logger
	metrics *telemetry.LifecycleMetrics
	limiter *rate.Limiter
	cfg     Config
	clock   func() time.Time

	mu           sync.Mutex
	orders       map[string]*order.InFlightOrder
	byVenueID    map[string]string
	pendingFills map[string][]order.Fill
	notFound     map[string]int
	books        map[schema.TradingPair]*book.Tracker

	cancels *CancellationTracker
	expiry  *ExpiryQueue

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	listenerSeq int

	pollNow        chan struct{}
	lastStreamRecv atomic.Int64
	lastPoll       atomic.Int64
	lastRules      atomic.Int64

	runCancel context.CancelFunc
	loops     conc.WaitGroup
	started   atomic.Bool
}

// NewManager wires a lifecycle manager for one venue adapter.
func NewManager(adapter venue.Adapter, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		adapter:      adapter,
		caps:         adapter.Capabilities(),
		rules:        rules.NewSet(),
		ledger:       ledger.New(),
		log:          log.With(zap.String("venue", adapter.Name())),
		metrics:      telemetry.NewLifecycleMetrics(adapter.Name()),
		limiter:      rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		cfg:          cfg,
		clock:        time.Now,
		orders:       make(map[string]*order.InFlightOrder),
		byVenueID:    make(map[string]string),
		pendingFills: make(map[string][]order.Fill),
		notFound:     make(map[string]int),
		books:        make(map[schema.TradingPair]*book.Tracker),
		cancels:      NewCancellationTracker(cfg.CancelExpiry),
		expiry:       NewExpiryQueue(),
		listeners:    make(map[int]Listener),
		pollNow:      make(chan struct{}, 1),
	}
}

// SetChainWatcher attaches the receipt watcher for on-chain venues.
func (m *Manager) SetChainWatcher(w *chain.Watcher) { m.watcher = w }

// AddListener registers a lifecycle event listener and returns a removal
// function.
func (m *Manager) AddListener(fn Listener) func() {
	m.listenersMu.Lock()
	m.listenerSeq++
	id := m.listenerSeq
	m.listeners[id] = fn
	m.listenersMu.Unlock()
	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

func (m *Manager) emit(evt schema.Event) {
	evt.Timestamp = m.clock()
	m.metrics.RecordEvent(context.Background(), string(evt.Type))
	m.listenersMu.RLock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(evt)
	}
}

func (m *Manager) eventFor(o *order.InFlightOrder, typ schema.EventType) schema.Event {
	venueID, _ := o.ExchangeOrderID()
	return schema.Event{
		Type:            typ,
		ClientOrderID:   o.ClientOrderID(),
		ExchangeOrderID: venueID,
		Pair:            o.Pair(),
		Side:            o.Side(),
		OrderType:       o.Type(),
		Price:           o.Price(),
		Amount:          o.RequestedAmount(),
		ExecutedBase:    o.ExecutedBase(),
		ExecutedQuote:   o.ExecutedQuote(),
		Fee:             o.FeePaid(),
	}
}

// Submit quantizes, validates, tracks, and asynchronously places an order.
// It returns the client order id, the only identifier guaranteed to exist.
func (m *Manager) Submit(ctx context.Context, pair schema.TradingPair, side schema.TradeSide, orderType schema.OrderType, amount, price decimal.Decimal, expiresAt time.Time) (string, error) {
	rule, ok := m.rules.Lookup(pair)
	if !ok {
		return "", errs.New(m.adapter.Name(), errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol),
			errs.WithMessage("no trading rule for pair "+string(pair)))
	}
	amount = rule.QuantizeAmount(amount)
	if orderType != schema.OrderTypeMarket {
		price = rule.QuantizePrice(price)
	}
	if err := rule.CheckOrder(orderType, amount, price); err != nil {
		m.metrics.RecordSubmission(ctx, false, string(side))
		return "", err
	}

	clientOrderID := newClientOrderID(side)
	o := order.New(order.Params{
		ClientOrderID:   clientOrderID,
		Pair:            pair,
		OrderType:       orderType,
		Side:            side,
		Price:           price,
		RequestedAmount: amount,
		Coordinated:     m.caps.OnChain,
		ExpiresAt:       expiresAt,
		CreatedAt:       m.clock(),
	})

	m.mu.Lock()
	m.orders[clientOrderID] = o
	m.mu.Unlock()
	m.reserveFor(o)
	m.metrics.RecordSubmission(ctx, true, string(side))

	m.loops.Go(func() {
		m.placeOrder(ctx, o)
	})
	return clientOrderID, nil
}

func newClientOrderID(side schema.TradeSide) string {
	prefix := "buy"
	if side == schema.SideSell {
		prefix = "sell"
	}
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (m *Manager) placeOrder(ctx context.Context, o *order.InFlightOrder) {
	if err := m.limiter.Wait(ctx); err != nil {
		m.failOrder(o, "placement aborted: "+err.Error())
		return
	}
	result, err := m.adapter.PlaceOrder(ctx, venue.PlaceRequest{
		ClientOrderID: o.ClientOrderID(),
		Pair:          o.Pair(),
		Side:          o.Side(),
		OrderType:     o.Type(),
		Amount:        o.RequestedAmount(),
		Price:         o.Price(),
		ExpiresAt:     o.ExpiresAt(),
	})
	if err != nil {
		m.log.Warn("order placement failed",
			zap.String("client_order_id", o.ClientOrderID()), zap.Error(err))
		m.failOrder(o, err.Error())
		return
	}
	if result.TxHash != "" {
		o.SetTxHash(result.TxHash)
		m.watchPlacement(o, result.TxHash)
	}
	m.bindExchangeOrderID(o, result.ExchangeOrderID)
}

// bindExchangeOrderID records the venue id, emits OrderCreated exactly once,
// and replays fills that arrived before the id was known.
func (m *Manager) bindExchangeOrderID(o *order.InFlightOrder, venueID string) {
	if venueID == "" || !o.BindExchangeOrderID(venueID) {
		return
	}
	m.mu.Lock()
	m.byVenueID[venueID] = o.ClientOrderID()
	replay := m.pendingFills[venueID]
	delete(m.pendingFills, venueID)
	m.mu.Unlock()

	o.ApplyStatusUpdate(schema.StateOpen, "")
	m.emit(m.eventFor(o, schema.EventOrderCreated))

	for _, f := range replay {
		m.applyFill(o, f, telemetry.SourceStream)
	}
}

func (m *Manager) watchPlacement(o *order.InFlightOrder, txHash string) {
	if m.watcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HardCancelTimeout)
	m.watcher.Watch(ctx, common.HexToHash(txHash), func(outcome chain.Outcome, err error) {
		defer cancel()
		if err != nil {
			m.log.Debug("placement receipt wait ended",
				zap.String("client_order_id", o.ClientOrderID()), zap.Error(err))
			return
		}
		if outcome.Reverted {
			m.failOrder(o, "placement transaction reverted")
		}
	})
}

// failOrder applies the terminal failure transition, releasing balance and
// emitting OrderFailed at most once.
func (m *Manager) failOrder(o *order.InFlightOrder, reason string) {
	tr := o.ApplyStatusUpdate(schema.StateFailed, "")
	if !tr.Changed {
		return
	}
	evt := m.eventFor(o, schema.EventOrderFailed)
	evt.Reason = reason
	m.emit(evt)
	m.onTerminal(o)
}

// onTerminal releases the order's reservation and schedules its removal
// from the live maps after the grace period.
func (m *Manager) onTerminal(o *order.InFlightOrder) {
	m.ledger.Release(o.ClientOrderID())
	m.expiry.Push(o.ClientOrderID(), m.clock().Add(m.cfg.ExpiryGrace))
}

func (m *Manager) reserveFor(o *order.InFlightOrder) {
	currency, amount := m.reservationFor(o)
	m.ledger.Reserve(o.ClientOrderID(), currency, amount)
}

// reservationFor computes the currency and amount an order's remaining
// request requires: quote for buys, base for sells.
func (m *Manager) reservationFor(o *order.InFlightOrder) (string, decimal.Decimal) {
	remaining := o.RemainingAmount()
	if o.Side() == schema.SideBuy {
		price := o.Price()
		if price.IsZero() {
			if tracker := m.bookFor(o.Pair(), false); tracker != nil {
				if best, ok := tracker.BestAsk(); ok {
					price = best.Price
				}
			}
		}
		return o.Pair().Quote(), remaining.Mul(price)
	}
	return o.Pair().Base(), remaining
}

// Cancel requests cancellation of one order. It is idempotent: unknown,
// terminal, and already-being-cancelled orders are no-ops. Soft-capable
// venues get the fast reversible path; otherwise the hard cancel blocks on
// confirmation bounded by ctx and the configured timeout.
func (m *Manager) Cancel(ctx context.Context, clientOrderID string) error {
	m.mu.Lock()
	o, ok := m.orders[clientOrderID]
	m.mu.Unlock()
	if !ok || o.IsDone() || o.IsCancelled() {
		return nil
	}
	now := m.clock()
	if !m.cancels.Begin(clientOrderID, now) {
		return nil
	}

	venueID, _ := o.ExchangeOrderID()
	if m.caps.SupportsSoftCancel {
		return m.softCancel(ctx, o, venueID)
	}
	return m.hardCancel(ctx, o, venueID)
}

func (m *Manager) softCancel(ctx context.Context, o *order.InFlightOrder, venueID string) error {
	m.metrics.RecordCancelRequest(ctx, true)
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := m.adapter.SoftCancelOrder(ctx, o.ClientOrderID(), venueID); err != nil {
		m.log.Warn("soft cancel failed",
			zap.String("client_order_id", o.ClientOrderID()), zap.Error(err))
		return err
	}
	if o.MarkSoftCancelled() {
		m.emit(m.eventFor(o, schema.EventOrderCancelled))
		// The order stays tracked through the settlement window; a fill can
		// still land until the venue finalizes.
		window := m.caps.SettlementWindow
		if window <= 0 {
			window = m.cfg.ExpiryGrace
		}
		m.expiry.Push(o.ClientOrderID(), m.clock().Add(window))
	}
	return nil
}

func (m *Manager) hardCancel(ctx context.Context, o *order.InFlightOrder, venueID string) error {
	m.metrics.RecordCancelRequest(ctx, false)
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	txHash, err := m.adapter.CancelOrder(ctx, o.ClientOrderID(), venueID)
	if err != nil {
		m.log.Warn("cancel request failed",
			zap.String("client_order_id", o.ClientOrderID()), zap.Error(err))
		return err
	}
	if txHash == "" || m.watcher == nil {
		// Off-chain venues confirm through the status poll or push stream.
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.HardCancelTimeout)
	defer cancel()
	outcome, err := m.watcher.Await(waitCtx, common.HexToHash(txHash))
	if err != nil {
		return errs.New(m.adapter.Name(), errs.CodeNetwork,
			errs.WithMessage("cancel transaction unconfirmed"), errs.WithCause(err))
	}
	if outcome.Reverted {
		return errs.New(m.adapter.Name(), errs.CodeVenue,
			errs.WithMessage("cancel transaction reverted"))
	}
	m.confirmCancel(o)
	return nil
}

// confirmCancel applies the terminal cancelled transition, consulting the
// cancellation tracker so racing confirmations emit a single event.
func (m *Manager) confirmCancel(o *order.InFlightOrder) {
	m.cancels.Acknowledge(o.ClientOrderID(), m.clock())
	tr := o.ApplyStatusUpdate(schema.StateCanceled, "")
	if !tr.Changed {
		return
	}
	m.emit(m.eventFor(o, schema.EventOrderCancelled))
	m.onTerminal(o)
}

// CancelAll fans out cancels for every incomplete order and reports each
// exactly once within timeout, successful or not. It never hangs past the
// deadline even if confirmations never arrive.
func (m *Manager) CancelAll(ctx context.Context, timeout time.Duration) []CancellationResult {
	m.mu.Lock()
	targets := make([]string, 0, len(m.orders))
	for id, o := range m.orders {
		if !o.IsDone() {
			targets = append(targets, id)
		}
	}
	m.mu.Unlock()
	if len(targets) == 0 {
		return nil
	}

	type ack struct {
		id      string
		success bool
	}
	// Buffered for the worst case of one event ack plus one failure ack per
	// order, so a late listener callback can never block an emit.
	acks := make(chan ack, 2*len(targets))
	pending := make(map[string]bool, len(targets))
	for _, id := range targets {
		pending[id] = true
	}

	var pendingMu sync.Mutex
	remove := m.AddListener(func(evt schema.Event) {
		if evt.Type != schema.EventOrderCancelled && evt.Type != schema.EventOrderCompleted {
			return
		}
		pendingMu.Lock()
		tracked := pending[evt.ClientOrderID]
		pendingMu.Unlock()
		if tracked {
			select {
			case acks <- ack{id: evt.ClientOrderID, success: true}:
			default:
			}
		}
	})
	defer remove()

	cancelCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p := pool.New().WithMaxGoroutines(8)
	for _, id := range targets {
		p.Go(func() {
			if err := m.Cancel(cancelCtx, id); err != nil {
				select {
				case acks <- ack{id: id}:
				default:
				}
				return
			}
			// A nil result means the request went out; confirmation arrives
			// through the event listener or not at all before the deadline.
		})
	}
	go p.Wait()

	results := make(map[string]bool, len(targets))
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	confirmed := 0
	for confirmed < len(targets) {
		select {
		case a := <-acks:
			pendingMu.Lock()
			if pending[a.id] {
				pending[a.id] = false
				results[a.id] = a.success
				confirmed++
			}
			pendingMu.Unlock()
		case <-deadline.C:
			confirmed = len(targets)
		case <-ctx.Done():
			confirmed = len(targets)
		}
	}

	out := make([]CancellationResult, 0, len(targets))
	for _, id := range targets {
		out = append(out, CancellationResult{ClientOrderID: id, Success: results[id]})
	}
	return out
}

// OpenOrders snapshots every tracked, non-terminal order.
func (m *Manager) OpenOrders() []order.TrackingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]order.TrackingState, 0, len(m.orders))
	for _, o := range m.orders {
		if !o.IsDone() {
			out = append(out, o.Snapshot())
		}
	}
	return out
}

// AvailableBalance returns total minus reserved for currency.
func (m *Manager) AvailableBalance(currency string) decimal.Decimal {
	return m.ledger.Available(currency)
}

// TrackingStates serializes all tracked orders for persistence.
func (m *Manager) TrackingStates() map[string]order.TrackingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]order.TrackingState, len(m.orders))
	for id, o := range m.orders {
		out[id] = o.Snapshot()
	}
	return out
}

// RestoreTrackingStates rebuilds orders from persisted snapshots, discarding
// any already terminal, and re-reserves their balances.
func (m *Manager) RestoreTrackingStates(states map[string]order.TrackingState) {
	for id, ts := range states {
		if ts.State.Terminal() {
			m.log.Info("discarding terminal order on restore", zap.String("client_order_id", id))
			continue
		}
		o := order.FromTrackingState(ts)
		m.mu.Lock()
		m.orders[id] = o
		if ts.ExchangeOrderID != "" {
			m.byVenueID[ts.ExchangeOrderID] = id
		}
		m.mu.Unlock()
		m.reserveFor(o)
	}
}

// Order returns the tracked order, if any. Callers must treat it as
// read-only; all mutation goes through the manager.
func (m *Manager) Order(clientOrderID string) (*order.InFlightOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientOrderID]
	return o, ok
}

// dropOrder removes a tracked order from the live maps once its grace
// period elapsed. Soft-cancelled orders that never saw a terminal
// confirmation are finalized as cancelled on the way out.
func (m *Manager) dropOrder(clientOrderID string) {
	m.mu.Lock()
	o, ok := m.orders[clientOrderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.orders, clientOrderID)
	delete(m.notFound, clientOrderID)
	if venueID, bound := o.ExchangeOrderID(); bound {
		delete(m.byVenueID, venueID)
		delete(m.pendingFills, venueID)
	}
	m.mu.Unlock()

	if !o.IsDone() && o.IsCancelled() {
		o.ApplyStatusUpdate(schema.StateCanceled, "")
	}
	m.ledger.Release(clientOrderID)
	m.log.Debug("order expired out of tracking", zap.String("client_order_id", clientOrderID))
}
