// Package venue defines the capability surface a lifecycle manager needs
// from an exchange adapter. One generic manager drives every venue through
// this interface instead of per-venue copies of the reconciliation logic.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftline/driftline/internal/order"
	"github.com/driftline/driftline/internal/rules"
	"github.com/driftline/driftline/internal/schema"
)

// PlaceRequest carries a quantized order submission.
type PlaceRequest struct {
	ClientOrderID string
	Pair          schema.TradingPair
	Side          schema.TradeSide
	OrderType     schema.OrderType
	Amount        decimal.Decimal
	Price         decimal.Decimal
	ExpiresAt     time.Time
}

// PlaceResult is the venue acknowledgment of a placement.
type PlaceResult struct {
	ExchangeOrderID string
	// TxHash is set by on-chain venues whose placement settles via a
	// transaction.
	TxHash string
}

// OrderStatus is one venue-reported order state, from REST polling or the
// push stream. Status carries the venue's raw vocabulary; MapStatus
// translates it.
type OrderStatus struct {
	ClientOrderID   string
	ExchangeOrderID string
	Pair            schema.TradingPair
	Status          string
	ExecutedBase    decimal.Decimal
	RemainingBase   decimal.Decimal
	AveragePrice    decimal.Decimal
	Fills           []order.Fill
}

// Capabilities describes venue behaviors the manager adapts to.
type Capabilities struct {
	// SupportsSoftCancel marks venues with a fast off-chain cancel path.
	SupportsSoftCancel bool
	// OnChain marks venues whose placements and hard cancels settle via
	// transactions watched by the chain layer.
	OnChain bool
	// SettlementWindow bounds how long after a soft cancel a fill can still
	// arrive; soft-cancelled orders stay tracked this long.
	SettlementWindow time.Duration
}

// Adapter is the per-venue capability set. Implementations own transport
// and signing; the lifecycle manager owns all order state.
type Adapter interface {
	Name() string
	Capabilities() Capabilities

	PlaceOrder(ctx context.Context, req PlaceRequest) (PlaceResult, error)
	// CancelOrder requests a final cancellation. On-chain venues return the
	// cancel transaction hash for confirmation tracking.
	CancelOrder(ctx context.Context, clientOrderID, exchangeOrderID string) (txHash string, err error)
	// SoftCancelOrder requests a reversible off-chain cancel. Venues without
	// the capability return errs.NotSupported.
	SoftCancelOrder(ctx context.Context, clientOrderID, exchangeOrderID string) error

	OrderStatus(ctx context.Context, clientOrderID, exchangeOrderID string) (OrderStatus, error)
	OpenOrders(ctx context.Context) ([]OrderStatus, error)
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)
	TradingRules(ctx context.Context) ([]rules.Rule, error)

	// MapStatus translates the venue's status vocabulary onto the canonical
	// closed state set. Unknown statuses map to the empty state, which the
	// state machine treats as no transition.
	MapStatus(venueStatus string) schema.State
}
