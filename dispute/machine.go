package dispute

import (
	"fmt"
	"time"

	"disputeflow/deadline"
	"disputeflow/guardrail"
)

// transitions maps (current status, event kind) to the next status. A
// self-loop (awaiting_evidence + submit_evidence) appends evidence without
// moving the dispute. The single modeled cycle in the graph is the routed-item
// reopen edge, which lives in the routing engine, not here.
var transitions = map[Status]map[EventKind]Status{
	StatusFiled: {
		EventOpenEvidenceWindow: StatusAwaitingEvidence,
		EventRefundAndClose:     StatusClosedRefunded,
		EventEscalateSpecialist: StatusEscalatedSpecialist,
	},
	StatusAwaitingEvidence: {
		EventSubmitEvidence:     StatusAwaitingEvidence,
		EventBeginReview:        StatusUnderReview,
		EventEscalateSpecialist: StatusEscalatedSpecialist,
	},
	StatusEscalatedSpecialist: {
		EventOpenEvidenceWindow: StatusAwaitingEvidence,
		EventBeginReview:        StatusUnderReview,
	},
	StatusUnderReview: {
		EventRecordDecision:  StatusApproved, // or denied, by Event.Approved
		EventEscalateManager: StatusEscalatedManager,
	},
	StatusEscalatedManager: {
		EventRecordDecision: StatusApproved,
		EventBeginReview:    StatusUnderReview, // manager sends the case back
	},
	StatusApproved: {
		EventResolve: StatusResolved,
	},
	StatusDenied: {
		EventResolve: StatusResolved,
	},
}

// ValidEvents returns the event kinds accepted in the given status, in a
// stable order.
func ValidEvents(s Status) []EventKind {
	edges := transitions[s]
	order := []EventKind{
		EventOpenEvidenceWindow, EventSubmitEvidence, EventBeginReview,
		EventEscalateSpecialist, EventEscalateManager, EventRecordDecision,
		EventResolve, EventRefundAndClose,
	}
	out := make([]EventKind, 0, len(edges))
	for _, k := range order {
		if _, ok := edges[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Outcome describes what a successful Apply did, for the service to audit,
// route, and emit on.
type Outcome struct {
	Previous                     Status
	EnteredReview                bool
	EvidenceAdded                bool
	DeadlinesAdded               []deadline.Deadline
	RequiresManualClassification bool

	// Confidence carries the caller-supplied score through to routing;
	// ConfidenceSupplied distinguishes a real score from the zero value.
	Confidence         float64
	ConfidenceSupplied bool
}

// Machine validates and applies transitions. It holds only the holiday
// calendar used for deadline computation and is safe for concurrent use.
type Machine struct {
	calendar *deadline.Calendar
}

func NewMachine(cal *deadline.Calendar) *Machine {
	if cal == nil {
		cal = deadline.NewCalendar(nil)
	}
	return &Machine{calendar: cal}
}

// Apply validates ev against d's current status and returns the transitioned
// dispute. It operates on a deep copy: on any error the input dispute is the
// caller's unchanged source of truth. Apply performs no I/O; the service
// owns persistence, audit, routing, and idempotency replay.
func (m *Machine) Apply(d Dispute, ev Event, asOf time.Time) (Dispute, Outcome, error) {
	if d.Status.Terminal() {
		return d, Outcome{}, ErrDisputeClosed
	}

	edges := transitions[d.Status]
	target, ok := edges[ev.Kind]
	if !ok {
		return d, Outcome{}, &InvalidTransitionError{Status: d.Status, Kind: ev.Kind, Valid: ValidEvents(d.Status)}
	}
	if ev.Kind == EventRecordDecision && !ev.Approved {
		target = StatusDenied
	}

	next := d.Clone()
	out := Outcome{Previous: d.Status}
	if ev.Confidence > 0 {
		out.Confidence = ev.Confidence
		out.ConfidenceSupplied = true
	}

	if ev.Kind == EventSubmitEvidence {
		if err := appendEvidence(&next, ev, asOf); err != nil {
			return d, Outcome{}, err
		}
		out.EvidenceAdded = true
	}

	// Entering awaiting_evidence or under_review starts a regulatory clock;
	// the transition is not complete until the deadlines are attached.
	entersClock := target != d.Status && (target == StatusAwaitingEvidence || target == StatusUnderReview)
	if entersClock {
		res := deadline.Compute(next.Snapshot(), asOf, m.calendar)
		out.RequiresManualClassification = res.RequiresManualClassification
		out.DeadlinesAdded = mergeDeadlines(&next, res.Deadlines)
	}

	next.Status = target
	next.UpdatedAt = asOf
	out.EnteredReview = target == StatusUnderReview && d.Status != StatusUnderReview
	return next, out, nil
}

func appendEvidence(d *Dispute, ev Event, asOf time.Time) error {
	if len(d.Evidence) >= MaxEvidenceItems {
		return fmt.Errorf("%w: %d items", ErrEvidenceLimit, len(d.Evidence))
	}
	if len(ev.EvidencePayload) > MaxEvidencePayloadSize {
		return fmt.Errorf("%w: payload %d bytes", ErrEvidenceLimit, len(ev.EvidencePayload))
	}
	if d.evidenceTotalSize()+len(ev.EvidencePayload) > MaxEvidenceTotalSize {
		return fmt.Errorf("%w: total size", ErrEvidenceLimit)
	}

	res := guardrail.Scan(ev.EvidencePayload)
	if !res.Clean {
		return &ComplianceViolationError{Matches: res.Matches, Redacted: res.Redacted}
	}

	d.Evidence = append(d.Evidence, Evidence{
		ID:          ev.EvidenceID,
		Kind:        ev.EvidenceKind,
		Payload:     ev.EvidencePayload,
		SubmittedAt: asOf,
	})
	return nil
}

// mergeDeadlines appends computed deadlines that are not already present
// (same label and regulation), so re-entering a clock-bearing status does not
// duplicate entries. It returns what was actually added.
func mergeDeadlines(d *Dispute, computed []deadline.Deadline) []deadline.Deadline {
	var added []deadline.Deadline
	for _, c := range computed {
		exists := false
		for _, have := range d.Deadlines {
			if have.Label == c.Label && have.Regulation == c.Regulation {
				exists = true
				break
			}
		}
		if !exists {
			d.Deadlines = append(d.Deadlines, c)
			added = append(added, c)
		}
	}
	return added
}
