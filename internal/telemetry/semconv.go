// Package telemetry provides OpenTelemetry instruments and semantic
// conventions for the connector core.
package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys follow OpenTelemetry naming conventions:
// namespace.attribute_name.
const (
	// AttrVenue identifies the venue the connector is bound to.
	AttrVenue = attribute.Key("venue")
	// AttrPair captures the trading pair (e.g. ETH-USDT).
	AttrPair = attribute.Key("pair")
	// AttrEventType labels lifecycle event counters by event class.
	AttrEventType = attribute.Key("event.type")
	// AttrOrderSide labels order telemetry with Buy/Sell intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrOrderState captures the canonical lifecycle state involved.
	AttrOrderState = attribute.Key("order.state")
	// AttrCurrency stores currency codes for balance metrics.
	AttrCurrency = attribute.Key("currency")
	// AttrResult records an operation outcome (success, error class).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional context for failures and rejections.
	AttrReason = attribute.Key("reason")
	// AttrSource distinguishes reconciliation inputs (rest, stream, chain).
	AttrSource = attribute.Key("source")
)

// Reconciliation source values.
const (
	SourceRest   = "rest"
	SourceStream = "stream"
	SourceChain  = "chain"
)
