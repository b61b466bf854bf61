package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGItemStore persists routed items so queue ownership survives a restart.
// One row per dispute, upserted on every engine mutation.
type PGItemStore struct {
	pool *pgxpool.Pool
}

func NewPGItemStore(pool *pgxpool.Pool) *PGItemStore {
	return &PGItemStore{pool: pool}
}

func (s *PGItemStore) Save(ctx context.Context, item Item) error {
	const upsertSQL = `
INSERT INTO routed_items (dispute_id, queue, state, reason, assigned_at, acknowledged_at, actioned_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (dispute_id) DO UPDATE
SET queue = EXCLUDED.queue,
    state = EXCLUDED.state,
    reason = EXCLUDED.reason,
    assigned_at = EXCLUDED.assigned_at,
    acknowledged_at = EXCLUDED.acknowledged_at,
    actioned_at = EXCLUDED.actioned_at
`
	if _, err := s.pool.Exec(ctx, upsertSQL,
		item.DisputeID, string(item.Queue), string(item.State), item.Reason,
		item.AssignedAt, item.AcknowledgedAt, item.ActionedAt,
	); err != nil {
		return fmt.Errorf("routing: save item: %w", err)
	}
	return nil
}

func (s *PGItemStore) Load(ctx context.Context, disputeID string) (Item, error) {
	const query = `
SELECT dispute_id, queue, state, reason, assigned_at, acknowledged_at, actioned_at
FROM routed_items
WHERE dispute_id = $1
`
	var (
		item  Item
		queue string
		state string
	)
	err := s.pool.QueryRow(ctx, query, disputeID).Scan(
		&item.DisputeID, &queue, &state, &item.Reason,
		&item.AssignedAt, &item.AcknowledgedAt, &item.ActionedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrItemNotFound
		}
		return Item{}, fmt.Errorf("routing: load item: %w", err)
	}
	item.Queue = Queue(queue)
	item.State = ItemState(state)
	return item, nil
}

// LoadAll restores every routed item, used to rebuild engine state on boot.
func (s *PGItemStore) LoadAll(ctx context.Context) ([]Item, error) {
	const query = `
SELECT dispute_id, queue, state, reason, assigned_at, acknowledged_at, actioned_at
FROM routed_items
ORDER BY assigned_at
`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("routing: load items: %w", err)
	}
	defer rows.Close()

	out := make([]Item, 0, 16)
	for rows.Next() {
		var (
			item  Item
			queue string
			state string
		)
		if err := rows.Scan(&item.DisputeID, &queue, &state, &item.Reason,
			&item.AssignedAt, &item.AcknowledgedAt, &item.ActionedAt); err != nil {
			return nil, fmt.Errorf("routing: scan item: %w", err)
		}
		item.Queue = Queue(queue)
		item.State = ItemState(state)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("routing: iterate items: %w", err)
	}
	return out, nil
}
