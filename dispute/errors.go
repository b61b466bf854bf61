package dispute

import (
	"errors"
	"fmt"

	"disputeflow/guardrail"
)

var (
	// ErrInvalidTransition signals the event is not valid for the current status.
	ErrInvalidTransition = errors.New("dispute: invalid transition")
	// ErrComplianceViolation signals the guardrail rejected a payload.
	ErrComplianceViolation = errors.New("dispute: compliance violation")
	// ErrDisputeClosed signals an event arrived for a terminal dispute.
	ErrDisputeClosed = errors.New("dispute: closed")
	// ErrEvidenceLimit signals the evidence count or size bound was exceeded.
	ErrEvidenceLimit = errors.New("dispute: evidence limit exceeded")
	// ErrNotFound is returned when no dispute exists for the identifier.
	ErrNotFound = errors.New("dispute: not found")
	// ErrDownstreamUnavailable signals a collaborator could not be reached.
	ErrDownstreamUnavailable = errors.New("dispute: downstream unavailable")
)

// InvalidTransitionError reports the rejected event together with the events
// that are valid from the current status, so callers can recover without
// guessing.
type InvalidTransitionError struct {
	Status Status
	Kind   EventKind
	Valid  []EventKind
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("dispute: event %s not valid in status %s (valid: %v)", e.Kind, e.Status, e.Valid)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// ComplianceViolationError carries the guardrail's actionable category and the
// redacted form of the payload. The original text is never attached.
type ComplianceViolationError struct {
	Matches  []guardrail.PatternKind
	Redacted string
}

func (e *ComplianceViolationError) Error() string {
	return fmt.Sprintf("dispute: compliance violation (%v)", e.Matches)
}

func (e *ComplianceViolationError) Unwrap() error { return ErrComplianceViolation }
