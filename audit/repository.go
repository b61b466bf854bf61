package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLog persists audit entries in the append-only audit_events table,
// PK (dispute_id, seq). The per-dispute sequence is assigned inside the
// insert so concurrent appends for one dispute serialize on the row range
// without an advisory lock.
type PGLog struct {
	pool *pgxpool.Pool
}

func NewPGLog(pool *pgxpool.Pool) *PGLog {
	return &PGLog{pool: pool}
}

func (l *PGLog) Append(ctx context.Context, e Entry) (Entry, error) {
	const insertSQL = `
INSERT INTO audit_events (dispute_id, seq, actor, action, detail, occurred_at)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5
FROM audit_events
WHERE dispute_id = $1
RETURNING seq
`
	if err := l.pool.QueryRow(ctx, insertSQL,
		e.DisputeID, e.Actor, e.Action, e.Detail, e.OccurredAt,
	).Scan(&e.Seq); err != nil {
		return Entry{}, fmt.Errorf("audit: append: %w", err)
	}
	return e, nil
}

func (l *PGLog) List(ctx context.Context, disputeID string, afterSeq int64, limit int) ([]Entry, error) {
	query := `
SELECT dispute_id, seq, actor, action, detail, occurred_at
FROM audit_events
WHERE dispute_id = $1 AND seq > $2
ORDER BY seq
`
	args := []any{disputeID, afterSeq}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 16)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.DisputeID, &e.Seq, &e.Actor, &e.Action, &e.Detail, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate: %w", err)
	}
	return out, nil
}
