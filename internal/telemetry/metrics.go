package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LifecycleMetrics holds the instruments the order lifecycle manager emits.
// Instrument creation errors are ignored; a nil instrument simply records
// nothing, matching the otel SDK's noop behavior.
type LifecycleMetrics struct {
	venue string

	eventsEmitted    metric.Int64Counter
	fillsRecorded    metric.Int64Counter
	fillsDeduped     metric.Int64Counter
	reconcileRuns    metric.Int64Counter
	reconcileLatency metric.Float64Histogram
	cancelsRequested metric.Int64Counter
	ordersSubmitted  metric.Int64Counter
	ordersRejected   metric.Int64Counter
}

// NewLifecycleMetrics creates the instrument set for one venue connector.
func NewLifecycleMetrics(venue string) *LifecycleMetrics {
	meter := otel.Meter("driftline.lifecycle")
	m := &LifecycleMetrics{venue: venue}

	m.eventsEmitted, _ = meter.Int64Counter("driftline_lifecycle_events_emitted",
		metric.WithDescription("Lifecycle events emitted to listeners"),
		metric.WithUnit("{event}"))
	m.fillsRecorded, _ = meter.Int64Counter("driftline_lifecycle_fills_recorded",
		metric.WithDescription("Fills applied to in-flight orders"),
		metric.WithUnit("{fill}"))
	m.fillsDeduped, _ = meter.Int64Counter("driftline_lifecycle_fills_deduped",
		metric.WithDescription("Duplicate fills discarded by dedup keys"),
		metric.WithUnit("{fill}"))
	m.reconcileRuns, _ = meter.Int64Counter("driftline_lifecycle_reconcile_runs",
		metric.WithDescription("Reconciliation passes executed"),
		metric.WithUnit("{run}"))
	m.reconcileLatency, _ = meter.Float64Histogram("driftline_lifecycle_reconcile_latency",
		metric.WithDescription("Wall-clock duration of reconciliation passes"),
		metric.WithUnit("s"))
	m.cancelsRequested, _ = meter.Int64Counter("driftline_lifecycle_cancels_requested",
		metric.WithDescription("Outbound cancellation requests"),
		metric.WithUnit("{request}"))
	m.ordersSubmitted, _ = meter.Int64Counter("driftline_lifecycle_orders_submitted",
		metric.WithDescription("Orders accepted for tracking"),
		metric.WithUnit("{order}"))
	m.ordersRejected, _ = meter.Int64Counter("driftline_lifecycle_orders_rejected",
		metric.WithDescription("Orders rejected before tracking"),
		metric.WithUnit("{order}"))
	return m
}

func (m *LifecycleMetrics) base() []attribute.KeyValue {
	return []attribute.KeyValue{AttrVenue.String(m.venue)}
}

// RecordEvent counts one emitted lifecycle event.
func (m *LifecycleMetrics) RecordEvent(ctx context.Context, eventType string) {
	if m == nil || m.eventsEmitted == nil {
		return
	}
	m.eventsEmitted.Add(ctx, 1, metric.WithAttributes(append(m.base(), AttrEventType.String(eventType))...))
}

// RecordFill counts an applied or deduplicated fill.
func (m *LifecycleMetrics) RecordFill(ctx context.Context, applied bool, source string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(append(m.base(), AttrSource.String(source))...)
	if applied {
		if m.fillsRecorded != nil {
			m.fillsRecorded.Add(ctx, 1, attrs)
		}
		return
	}
	if m.fillsDeduped != nil {
		m.fillsDeduped.Add(ctx, 1, attrs)
	}
}

// RecordReconcile counts a reconciliation pass and its duration.
func (m *LifecycleMetrics) RecordReconcile(ctx context.Context, d time.Duration, result string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(append(m.base(), AttrResult.String(result))...)
	if m.reconcileRuns != nil {
		m.reconcileRuns.Add(ctx, 1, attrs)
	}
	if m.reconcileLatency != nil {
		m.reconcileLatency.Record(ctx, d.Seconds(), attrs)
	}
}

// RecordCancelRequest counts one outbound cancel request.
func (m *LifecycleMetrics) RecordCancelRequest(ctx context.Context, soft bool) {
	if m == nil || m.cancelsRequested == nil {
		return
	}
	kind := "hard"
	if soft {
		kind = "soft"
	}
	m.cancelsRequested.Add(ctx, 1, metric.WithAttributes(append(m.base(), AttrReason.String(kind))...))
}

// RecordSubmission counts an accepted or rejected submission.
func (m *LifecycleMetrics) RecordSubmission(ctx context.Context, accepted bool, side string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(append(m.base(), AttrOrderSide.String(side))...)
	if accepted {
		if m.ordersSubmitted != nil {
			m.ordersSubmitted.Add(ctx, 1, attrs)
		}
		return
	}
	if m.ordersRejected != nil {
		m.ordersRejected.Add(ctx, 1, attrs)
	}
}
