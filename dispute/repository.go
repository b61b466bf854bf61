package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/deadline"
)

// ErrDuplicateRequest signals an idempotency key was already reserved.
var ErrDuplicateRequest = errors.New("dispute: duplicate request")

// PGStore persists disputes in PostgreSQL. Deadlines ride along as a jsonb
// column because they are derived data recomputed by the calculator; evidence
// rows are append-only.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Create(ctx context.Context, d Dispute) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	deadlines, err := json.Marshal(d.Deadlines)
	if err != nil {
		return fmt.Errorf("dispute: marshal deadlines: %w", err)
	}

	const insertSQL = `
INSERT INTO disputes (id, charge_reference, status, reason, amount_minor, currency,
                      instrument_class, account_age_days, cross_border, pos_origin,
                      billing_cycle_days, deadlines, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`
	if _, err := tx.Exec(ctx, insertSQL,
		d.ID, d.ChargeReference, string(d.Status), string(d.Reason), d.AmountMinor, d.Currency,
		string(d.Instrument), d.AccountAgeDays, d.CrossBorder, d.PointOfSaleOrigin,
		d.BillingCycleDays, deadlines, d.CreatedAt, d.UpdatedAt,
	); err != nil {
		return fmt.Errorf("dispute: insert: %w", err)
	}

	if err := upsertEvidence(ctx, tx, d); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit create: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Dispute, error) {
	const query = `
SELECT id, charge_reference, status, reason, amount_minor, currency,
       instrument_class, account_age_days, cross_border, pos_origin,
       billing_cycle_days, deadlines, created_at, updated_at
FROM disputes
WHERE id = $1
`
	var (
		d            Dispute
		status       string
		reason       string
		instrument   string
		deadlineJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.ChargeReference, &status, &reason, &d.AmountMinor, &d.Currency,
		&instrument, &d.AccountAgeDays, &d.CrossBorder, &d.PointOfSaleOrigin,
		&d.BillingCycleDays, &deadlineJSON, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	d.Status = Status(status)
	d.Reason = Reason(reason)
	d.Instrument = deadline.Instrument(instrument)
	if len(deadlineJSON) > 0 {
		if err := json.Unmarshal(deadlineJSON, &d.Deadlines); err != nil {
			return Dispute{}, fmt.Errorf("dispute: unmarshal deadlines: %w", err)
		}
	}

	const evidenceSQL = `
SELECT id, kind, payload, submitted_at, forwarded
FROM evidence
WHERE dispute_id = $1
ORDER BY submitted_at, id
`
	rows, err := s.pool.Query(ctx, evidenceSQL, id)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: list evidence: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e Evidence
		if err := rows.Scan(&e.ID, &e.Kind, &e.Payload, &e.SubmittedAt, &e.Forwarded); err != nil {
			return Dispute{}, fmt.Errorf("dispute: scan evidence: %w", err)
		}
		d.Evidence = append(d.Evidence, e)
	}
	if err := rows.Err(); err != nil {
		return Dispute{}, fmt.Errorf("dispute: iterate evidence: %w", err)
	}
	return d, nil
}

func (s *PGStore) Update(ctx context.Context, d Dispute) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	if err := tx.QueryRow(ctx, `SELECT status FROM disputes WHERE id = $1 FOR UPDATE`, d.ID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("dispute: lock row: %w", err)
	}

	deadlines, err := json.Marshal(d.Deadlines)
	if err != nil {
		return fmt.Errorf("dispute: marshal deadlines: %w", err)
	}

	const updateSQL = `
UPDATE disputes
SET status = $2, deadlines = $3, updated_at = $4
WHERE id = $1
`
	if _, err := tx.Exec(ctx, updateSQL, d.ID, string(d.Status), deadlines, d.UpdatedAt); err != nil {
		return fmt.Errorf("dispute: update: %w", err)
	}

	if err := upsertEvidence(ctx, tx, d); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit update: %w", err)
	}
	return nil
}

// ReserveIdempotencyKey claims the key inside the caller's retry window.
// A second reservation maps the unique violation to ErrDuplicateRequest.
func (s *PGStore) ReserveIdempotencyKey(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("dispute: empty idempotency key")
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("dispute: reserve idempotency key: %w", err)
	}
	return nil
}

func upsertEvidence(ctx context.Context, tx pgx.Tx, d Dispute) error {
	const insertSQL = `
INSERT INTO evidence (id, dispute_id, kind, payload, submitted_at, forwarded)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET forwarded = EXCLUDED.forwarded
`
	for _, e := range d.Evidence {
		if _, err := tx.Exec(ctx, insertSQL, e.ID, d.ID, e.Kind, e.Payload, e.SubmittedAt, e.Forwarded); err != nil {
			return fmt.Errorf("dispute: insert evidence: %w", err)
		}
	}
	return nil
}
