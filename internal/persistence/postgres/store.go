// Package postgres persists order tracking state so a restarted engine can
// resume reconciliation of its in-flight orders.
package postgres

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftline/driftline/internal/order"
)

// TrackingStateStore stores serialized in-flight order snapshots keyed by
// venue and client order id.
type TrackingStateStore struct {
	pool *pgxpool.Pool
}

// NewTrackingStateStore constructs a store backed by the provided pool.
func NewTrackingStateStore(pool *pgxpool.Pool) *TrackingStateStore {
	return &TrackingStateStore{pool: pool}
}

const (
	trackingUpsertSQL = `
INSERT INTO tracking_states (venue, client_order_id, state, snapshot, updated_at)
VALUES (@venue, @client_order_id, @state, @snapshot::jsonb, NOW())
ON CONFLICT (venue, client_order_id) DO UPDATE SET
    state = EXCLUDED.state,
    snapshot = EXCLUDED.snapshot,
    updated_at = NOW();
`

	trackingSelectSQL = `
SELECT snapshot
FROM tracking_states
WHERE venue = @venue;
`

	trackingDeleteSQL = `
DELETE FROM tracking_states
WHERE venue = @venue AND client_order_id = @client_order_id;
`
)

// Upsert writes or replaces the snapshot for one order.
func (s *TrackingStateStore) Upsert(ctx context.Context, venue string, ts order.TrackingState) error {
	snapshot, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("marshal tracking state %s: %w", ts.ClientOrderID, err)
	}
	_, err = s.pool.Exec(ctx, trackingUpsertSQL, pgx.NamedArgs{
		"venue":           venue,
		"client_order_id": ts.ClientOrderID,
		"state":           string(ts.State),
		"snapshot":        snapshot,
	})
	if err != nil {
		return fmt.Errorf("upsert tracking state %s: %w", ts.ClientOrderID, err)
	}
	return nil
}

// UpsertAll writes every snapshot in states within one transaction.
func (s *TrackingStateStore) UpsertAll(ctx context.Context, venue string, states map[string]order.TrackingState) error {
	if len(states) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tracking state batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, ts := range states {
		snapshot, err := json.Marshal(ts)
		if err != nil {
			return fmt.Errorf("marshal tracking state %s: %w", ts.ClientOrderID, err)
		}
		if _, err := tx.Exec(ctx, trackingUpsertSQL, pgx.NamedArgs{
			"venue":           venue,
			"client_order_id": ts.ClientOrderID,
			"state":           string(ts.State),
			"snapshot":        snapshot,
		}); err != nil {
			return fmt.Errorf("upsert tracking state %s: %w", ts.ClientOrderID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tracking state batch: %w", err)
	}
	return nil
}

// Load returns every stored snapshot for the venue, keyed by client order id.
func (s *TrackingStateStore) Load(ctx context.Context, venue string) (map[string]order.TrackingState, error) {
	rows, err := s.pool.Query(ctx, trackingSelectSQL, pgx.NamedArgs{"venue": venue})
	if err != nil {
		return nil, fmt.Errorf("load tracking states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]order.TrackingState)
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("scan tracking state: %w", err)
		}
		var ts order.TrackingState
		if err := json.Unmarshal(snapshot, &ts); err != nil {
			return nil, fmt.Errorf("unmarshal tracking state: %w", err)
		}
		out[ts.ClientOrderID] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracking states: %w", err)
	}
	return out, nil
}

// Delete removes one order's snapshot. Deleting an absent row is a no-op.
func (s *TrackingStateStore) Delete(ctx context.Context, venue, clientOrderID string) error {
	_, err := s.pool.Exec(ctx, trackingDeleteSQL, pgx.NamedArgs{
		"venue":           venue,
		"client_order_id": clientOrderID,
	})
	if err != nil {
		return fmt.Errorf("delete tracking state %s: %w", clientOrderID, err)
	}
	return nil
}
