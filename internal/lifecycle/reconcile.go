package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftline/driftline/errs"
	"github.com/driftline/driftline/internal/book"
	"github.com/driftline/driftline/internal/order"
	"github.com/driftline/driftline/internal/schema"
	"github.com/driftline/driftline/internal/telemetry"
	"github.com/driftline/driftline/internal/venue"
)

// ErrAlreadyStarted is returned by Start when the manager is running.
var ErrAlreadyStarted = errors.New("lifecycle: manager already started")

// Start refreshes trading rules and balances once, then runs the
// reconciliation loop until Stop or ctx cancellation.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runCancel = cancel

	if err := m.refreshRules(runCtx); err != nil {
		m.log.Warn("initial trading rule refresh failed", zap.Error(err))
	}
	if err := m.refreshBalances(runCtx); err != nil {
		m.log.Warn("initial balance refresh failed", zap.Error(err))
	}

	m.loops.Go(func() {
		m.run(runCtx)
	})
	return nil
}

// Stop cancels the loops and waits for in-flight work to drain.
func (m *Manager) Stop() {
	if m.runCancel != nil {
		m.runCancel()
	}
	m.loops.Wait()
	m.started.Store(false)
}

// PollNow forces a reconciliation pass ahead of the next scheduled one.
func (m *Manager) PollNow() {
	select {
	case m.pollNow <- struct{}{}:
	default:
	}
}

func (m *Manager) run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.pollNow:
			m.reconcile(ctx)
			m.lastPoll.Store(m.clock().UnixNano())
		case <-ticker.C:
			now := m.clock()
			m.sweepExpired(now)
			m.preemptiveSoftCancels(ctx, now)
			if now.Sub(time.Unix(0, m.lastPoll.Load())) >= m.pollInterval(now) {
				m.reconcile(ctx)
				m.lastPoll.Store(m.clock().UnixNano())
			}
		}
	}
}

// pollInterval selects the REST cadence: the long interval while the push
// stream is delivering, the short one when it has gone quiet.
func (m *Manager) pollInterval(now time.Time) time.Duration {
	lastRecv := time.Unix(0, m.lastStreamRecv.Load())
	if now.Sub(lastRecv) <= 3*m.cfg.ShortPollInterval {
		return m.cfg.LongPollInterval
	}
	return m.cfg.ShortPollInterval
}

func (m *Manager) sweepExpired(now time.Time) {
	for _, id := range m.expiry.PopDue(now) {
		m.dropOrder(id)
	}
}

// preemptiveSoftCancels proactively soft-cancels coordinated orders whose
// venue-side expiry is imminent, so settlement cannot race the expiry.
func (m *Manager) preemptiveSoftCancels(ctx context.Context, now time.Time) {
	if !m.caps.SupportsSoftCancel {
		return
	}
	for _, o := range m.trackedOrders() {
		if !o.Coordinated() || o.IsDone() || o.IsCancelled() {
			continue
		}
		expiresAt := o.ExpiresAt()
		if expiresAt.IsZero() || expiresAt.Sub(now) > m.cfg.PreemptiveSoftCancelWindow {
			continue
		}
		if !m.cancels.Begin(o.ClientOrderID(), now) {
			continue
		}
		venueID, _ := o.ExchangeOrderID()
		if err := m.softCancel(ctx, o, venueID); err != nil {
			m.log.Warn("pre-emptive soft cancel failed",
				zap.String("client_order_id", o.ClientOrderID()), zap.Error(err))
		}
	}
}

func (m *Manager) trackedOrders() []*order.InFlightOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*order.InFlightOrder, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out
}

// reconcile is one full REST pass: balances, rules, then the status of every
// tracked non-terminal order.
func (m *Manager) reconcile(ctx context.Context) {
	start := m.clock()
	result := "success"
	defer func() {
		m.metrics.RecordReconcile(ctx, m.clock().Sub(start), result)
	}()

	if err := m.refreshBalances(ctx); err != nil {
		m.log.Warn("balance refresh failed", zap.Error(err))
		result = "partial"
	}
	if m.clock().Sub(time.Unix(0, m.lastRules.Load())) >= m.cfg.RulesRefreshInterval {
		if err := m.refreshRules(ctx); err != nil {
			m.log.Warn("trading rule refresh failed", zap.Error(err))
			result = "partial"
		}
	}

	for _, o := range m.trackedOrders() {
		if o.IsDone() {
			continue
		}
		if err := m.pollOrder(ctx, o); err != nil {
			result = "partial"
		}
		if ctx.Err() != nil {
			result = "aborted"
			return
		}
	}
}

func (m *Manager) pollOrder(ctx context.Context, o *order.InFlightOrder) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	venueID, bound := o.ExchangeOrderID()
	st, err := m.adapter.OrderStatus(ctx, o.ClientOrderID(), venueID)
	switch {
	case err == nil:
		m.mu.Lock()
		delete(m.notFound, o.ClientOrderID())
		m.mu.Unlock()
		m.processOrderStatus(st, telemetry.SourceRest)
		return nil
	case errs.IsOrderNotFound(err):
		// Placement may still be in flight; not-found is only meaningful once
		// the venue has acknowledged the order.
		if !bound {
			return nil
		}
		m.mu.Lock()
		m.notFound[o.ClientOrderID()]++
		count := m.notFound[o.ClientOrderID()]
		m.mu.Unlock()
		m.log.Debug("order not found on venue",
			zap.String("client_order_id", o.ClientOrderID()), zap.Int("count", count))
		if count >= m.cfg.OrderNotFoundConfirmations {
			m.failOrder(o, "order not found on venue")
		}
		return nil
	case errs.IsTransient(err):
		m.log.Debug("order status poll failed, will retry",
			zap.String("client_order_id", o.ClientOrderID()), zap.Error(err))
		return err
	default:
		m.log.Warn("order status poll failed",
			zap.String("client_order_id", o.ClientOrderID()), zap.Error(err))
		return err
	}
}

func (m *Manager) refreshBalances(ctx context.Context) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	totals, err := m.adapter.Balances(ctx)
	if err != nil {
		return err
	}
	m.ledger.SetTotals(totals)
	return nil
}

func (m *Manager) refreshRules(ctx context.Context) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	rs, err := m.adapter.TradingRules(ctx)
	if err != nil {
		return err
	}
	if rejected := m.rules.Replace(rs); len(rejected) > 0 {
		m.log.Warn("dropped invalid trading rules", zap.Any("pairs", rejected))
	}
	m.lastRules.Store(m.clock().UnixNano())
	return nil
}

// processOrderStatus merges one venue-reported status into the order it
// references, regardless of which source delivered it.
func (m *Manager) processOrderStatus(st venue.OrderStatus, source string) {
	o, ok := m.resolveOrder(st.ClientOrderID, st.ExchangeOrderID)
	if !ok {
		m.log.Debug("status for untracked order",
			zap.String("client_order_id", st.ClientOrderID),
			zap.String("exchange_order_id", st.ExchangeOrderID))
		return
	}
	m.bindExchangeOrderID(o, st.ExchangeOrderID)

	for _, f := range st.Fills {
		m.applyFill(o, f, source)
	}
	m.applyCumulativeExecution(o, st, source)

	if st.RemainingBase.IsPositive() {
		o.SetAvailableAmount(st.RemainingBase)
	}

	mapped := m.adapter.MapStatus(st.Status)
	if o.FullyExecuted() {
		mapped = schema.StateFilled
	}
	tr := o.ApplyStatusUpdate(mapped, st.Status)
	if tr.Changed && tr.BecameTerminal {
		m.handleTerminal(o, tr.To, st.Status)
	}
}

func (m *Manager) resolveOrder(clientOrderID, exchangeOrderID string) (*order.InFlightOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if clientOrderID != "" {
		if o, ok := m.orders[clientOrderID]; ok {
			return o, true
		}
	}
	if exchangeOrderID != "" {
		if id, ok := m.byVenueID[exchangeOrderID]; ok {
			if o, ok := m.orders[id]; ok {
				return o, true
			}
		}
	}
	return nil, false
}

// applyCumulativeExecution closes the gap when the venue reports a larger
// cumulative executed amount than the fills we have seen. The synthetic fill
// keys on the cumulative amount, so replays of the same report deduplicate.
func (m *Manager) applyCumulativeExecution(o *order.InFlightOrder, st venue.OrderStatus, source string) {
	delta := st.ExecutedBase.Sub(o.ExecutedBase())
	if !delta.IsPositive() {
		return
	}
	price := st.AveragePrice
	if price.IsZero() {
		price = o.Price()
	}
	venueID := st.ExchangeOrderID
	if venueID == "" {
		venueID, _ = o.ExchangeOrderID()
	}
	m.applyFill(o, order.Fill{
		TradeID:   venueID + ":cum:" + st.ExecutedBase.String(),
		Amount:    delta,
		Price:     price,
		Timestamp: m.clock(),
	}, source)
}

// applyFill registers one fill, shrinks the reservation to the remaining
// request, and emits OrderFilled plus, on full execution, OrderCompleted.
func (m *Manager) applyFill(o *order.InFlightOrder, f order.Fill, source string) {
	applied := o.RegisterFill(f)
	m.metrics.RecordFill(context.Background(), applied, source)
	if !applied {
		return
	}

	_, remaining := m.reservationFor(o)
	m.ledger.Adjust(o.ClientOrderID(), remaining)

	evt := m.eventFor(o, schema.EventOrderFilled)
	evt.FillID = f.Key()
	m.emit(evt)

	if o.FullyExecuted() {
		tr := o.ApplyStatusUpdate(schema.StateFilled, "")
		if tr.Changed {
			m.handleTerminal(o, schema.StateFilled, "")
		}
	}
}

// handleTerminal emits the terminal event for a state-machine transition and
// schedules the order out of tracking. Soft-cancelled orders already emitted
// their cancellation event at acknowledgment time.
func (m *Manager) handleTerminal(o *order.InFlightOrder, to schema.State, venueStatus string) {
	switch to {
	case schema.StateFilled:
		m.emit(m.eventFor(o, schema.EventOrderCompleted))
	case schema.StateCanceled:
		m.cancels.Acknowledge(o.ClientOrderID(), m.clock())
		if !o.Snapshot().HasBeenCancelled {
			m.emit(m.eventFor(o, schema.EventOrderCancelled))
		}
	case schema.StateExpired:
		m.emit(m.eventFor(o, schema.EventOrderExpired))
	case schema.StateFailed:
		evt := m.eventFor(o, schema.EventOrderFailed)
		evt.Reason = venueStatus
		m.emit(evt)
	}
	m.onTerminal(o)
}

// HandleOrderUpdate ingests one push-stream order report.
func (m *Manager) HandleOrderUpdate(st venue.OrderStatus) {
	m.lastStreamRecv.Store(m.clock().UnixNano())
	m.processOrderStatus(st, telemetry.SourceStream)
}

// HandleFill ingests one push-stream execution report. Fills arriving before
// the placement response binds the venue id are parked and replayed.
func (m *Manager) HandleFill(exchangeOrderID string, f order.Fill) {
	m.lastStreamRecv.Store(m.clock().UnixNano())

	m.mu.Lock()
	clientID, known := m.byVenueID[exchangeOrderID]
	if !known {
		m.pendingFills[exchangeOrderID] = append(m.pendingFills[exchangeOrderID], f)
		m.mu.Unlock()
		return
	}
	o := m.orders[clientID]
	m.mu.Unlock()
	if o != nil {
		m.applyFill(o, f, telemetry.SourceStream)
	}
}

// HandleBalance ingests one push-stream balance update for a currency.
func (m *Manager) HandleBalance(currency string, total decimal.Decimal) {
	m.lastStreamRecv.Store(m.clock().UnixNano())
	m.ledger.SetTotal(currency, total)
}

// HandleBookSnapshot replaces the tracked book for the snapshot's market.
func (m *Manager) HandleBookSnapshot(snap schema.BookSnapshot) {
	m.lastStreamRecv.Store(m.clock().UnixNano())
	m.bookFor(snap.Pair, true).ApplySnapshot(snap)
}

// HandleBookDiff applies one incremental book message.
func (m *Manager) HandleBookDiff(diff schema.BookDiff) {
	m.lastStreamRecv.Store(m.clock().UnixNano())
	m.bookFor(diff.Pair, true).ApplyDiff(diff)
}

// OrderBook returns the tracked book for pair, if one exists.
func (m *Manager) OrderBook(pair schema.TradingPair) (*book.Tracker, bool) {
	t := m.bookFor(pair, false)
	return t, t != nil
}

func (m *Manager) bookFor(pair schema.TradingPair, create bool) *book.Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.books[pair]
	if !ok && create {
		t = book.NewTracker(pair, m.log)
		m.books[pair] = t
	}
	return t
}
