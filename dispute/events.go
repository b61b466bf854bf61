package dispute

// EventKind names the transitions callers can request. The set is closed:
// anything else fails validation against the current status.
type EventKind string

const (
	// EventOpenEvidenceWindow moves a filed or specialist-held dispute into
	// awaiting_evidence and starts the investigation clock.
	EventOpenEvidenceWindow EventKind = "open_evidence_window"
	// EventSubmitEvidence appends one evidence item (guardrail-checked).
	EventSubmitEvidence EventKind = "submit_evidence"
	// EventBeginReview moves the dispute into under_review and emits the
	// evidence package to the network collaborator.
	EventBeginReview EventKind = "begin_review"
	// EventEscalateSpecialist hands the case to the specialist queue.
	EventEscalateSpecialist EventKind = "escalate_specialist"
	// EventEscalateManager hands the case to manager review.
	EventEscalateManager EventKind = "escalate_manager"
	// EventRecordDecision settles the review as approved or denied.
	EventRecordDecision EventKind = "record_decision"
	// EventResolve closes an approved or denied dispute.
	EventResolve EventKind = "resolve"
	// EventRefundAndClose is the unilateral-credit shortcut out of filed.
	EventRefundAndClose EventKind = "refund_and_close"
)

// Event is one transition request. Token is the caller-supplied idempotency
// token: replaying the same token against the same dispute in the same status
// returns the previously computed result without re-applying side effects.
type Event struct {
	Kind  EventKind
	Token string
	Actor string

	// Approved selects the decision edge for EventRecordDecision.
	Approved bool

	// EvidenceKind/EvidencePayload carry the item for EventSubmitEvidence.
	// EvidenceID is assigned by the service when left empty.
	EvidenceID      string
	EvidenceKind    string
	EvidencePayload string

	// Confidence is the automated-decision score supplied by the caller.
	// A positive score rides the Outcome into routing; zero or negative
	// means not scored and routing asks the classification collaborator.
	Confidence float64
}
