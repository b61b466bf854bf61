package dispute

import (
	"time"

	"disputeflow/deadline"
)

// Status is the lifecycle position of a dispute. Transitions only move along
// the edges the machine defines; resolved and closed_refunded are terminal.
type Status string

const (
	StatusFiled               Status = "filed"
	StatusAwaitingEvidence    Status = "awaiting_evidence"
	StatusUnderReview         Status = "under_review"
	StatusEscalatedSpecialist Status = "escalated_specialist"
	StatusEscalatedManager    Status = "escalated_manager"
	StatusApproved            Status = "approved"
	StatusDenied              Status = "denied"
	StatusResolved            Status = "resolved"
	StatusClosedRefunded      Status = "closed_refunded"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusClosedRefunded
}

// Reason is the closed enumeration of dispute causes.
type Reason string

const (
	ReasonUnauthorized          Reason = "unauthorized"
	ReasonDuplicate             Reason = "duplicate"
	ReasonGoodsNotReceived      Reason = "goods_not_received"
	ReasonNotAsDescribed        Reason = "not_as_described"
	ReasonCreditNotProcessed    Reason = "credit_not_processed"
	ReasonSubscriptionCancelled Reason = "subscription_cancelled"
)

func validReason(r Reason) bool {
	switch r {
	case ReasonUnauthorized, ReasonDuplicate, ReasonGoodsNotReceived,
		ReasonNotAsDescribed, ReasonCreditNotProcessed, ReasonSubscriptionCancelled:
		return true
	default:
		return false
	}
}

// Evidence bounds. Exceeding them rejects the submission without touching status.
const (
	MaxEvidenceItems       = 25
	MaxEvidencePayloadSize = 64 * 1024
	MaxEvidenceTotalSize   = 256 * 1024
)

// Evidence is one accepted item. Payload has already passed the guardrail.
type Evidence struct {
	ID          string
	Kind        string
	Payload     string
	SubmittedAt time.Time
	Forwarded   bool
}

// Dispute is the aggregate root. It is mutated only through Service.Submit;
// its audit trail lives in the shared audit log keyed by ID.
type Dispute struct {
	ID                string
	ChargeReference   string
	Status            Status
	Reason            Reason
	AmountMinor       int64
	Currency          string
	Instrument        deadline.Instrument
	AccountAgeDays    int
	CrossBorder       bool
	PointOfSaleOrigin bool
	BillingCycleDays  int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Evidence          []Evidence
	Deadlines         []deadline.Deadline
}

// Clone deep-copies the dispute so a failed transition can be discarded
// without leaving partial mutations visible.
func (d Dispute) Clone() Dispute {
	out := d
	out.Evidence = append([]Evidence(nil), d.Evidence...)
	out.Deadlines = append([]deadline.Deadline(nil), d.Deadlines...)
	return out
}

// Snapshot projects the attributes the deadline calculator reads.
func (d Dispute) Snapshot() deadline.Snapshot {
	return deadline.Snapshot{
		FiledAt:                d.CreatedAt,
		Instrument:             d.Instrument,
		AccountAgeDays:         d.AccountAgeDays,
		CrossBorder:            d.CrossBorder,
		PointOfSaleOrigin:      d.PointOfSaleOrigin,
		BillingCycleDays:       d.BillingCycleDays,
		InvestigationConcluded: d.Status == StatusApproved || d.Status == StatusDenied || d.Status.Terminal(),
	}
}

func (d Dispute) evidenceTotalSize() int {
	total := 0
	for _, e := range d.Evidence {
		total += len(e.Payload)
	}
	return total
}

// EvidencePackage is emitted to the network-submission collaborator when a
// dispute enters under_review.
type EvidencePackage struct {
	DisputeID       string
	Evidence        []Evidence
	DeadlineSummary []deadline.Deadline
}

// NetworkOutcomeKind is the asynchronous result of a network submission.
type NetworkOutcomeKind string

const (
	NetworkAccepted NetworkOutcomeKind = "accepted"
	NetworkRejected NetworkOutcomeKind = "rejected"
	NetworkTimeout  NetworkOutcomeKind = "timeout"
)

// NetworkOutcome is consumed by the service to drive the approved/denied edge.
type NetworkOutcome struct {
	DisputeID string
	Outcome   NetworkOutcomeKind
}
