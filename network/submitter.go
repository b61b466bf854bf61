// Package network records evidence packages handed to the card network. The
// network's decision comes back asynchronously through the service's outcome
// handler; this side only guarantees the submission itself is durable.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/dispute"
)

// ErrNotFound signals no submission exists for the dispute.
var ErrNotFound = errors.New("network: submission not found")

// Submission is one durable hand-off to the card network.
type Submission struct {
	DisputeID     string
	EvidenceCount int
	Payload       []byte
	SubmittedAt   time.Time
}

// Submitter implements dispute.Submitter backed by PostgreSQL. A re-submission
// for the same dispute replaces the previous package; the network keys on the
// dispute, not the delivery attempt.
type Submitter struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewSubmitter wires a pgxpool-backed submitter.
func NewSubmitter(pool *pgxpool.Pool) *Submitter {
	return &Submitter{pool: pool, now: time.Now}
}

func (s *Submitter) WithClock(now func() time.Time) *Submitter {
	s.now = now
	return s
}

// SubmitEvidencePackage stores the package for asynchronous delivery.
func (s *Submitter) SubmitEvidencePackage(ctx context.Context, pkg dispute.EvidencePackage) error {
	payload, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("network: marshal package: %w", err)
	}

	const upsertSQL = `
INSERT INTO network_submissions (dispute_id, evidence_count, payload, submitted_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (dispute_id) DO UPDATE
SET evidence_count = EXCLUDED.evidence_count,
    payload = EXCLUDED.payload,
    submitted_at = EXCLUDED.submitted_at
`
	if _, err := s.pool.Exec(ctx, upsertSQL,
		pkg.DisputeID, len(pkg.Evidence), payload, s.now(),
	); err != nil {
		return fmt.Errorf("network: store submission: %w", err)
	}
	return nil
}

// GetSubmission fetches the recorded package for a dispute.
func (s *Submitter) GetSubmission(ctx context.Context, disputeID string) (Submission, error) {
	const query = `
SELECT dispute_id, evidence_count, payload, submitted_at
FROM network_submissions
WHERE dispute_id = $1
`
	var sub Submission
	err := s.pool.QueryRow(ctx, query, disputeID).Scan(
		&sub.DisputeID, &sub.EvidenceCount, &sub.Payload, &sub.SubmittedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Submission{}, ErrNotFound
		}
		return Submission{}, fmt.Errorf("network: get submission: %w", err)
	}
	return sub, nil
}
