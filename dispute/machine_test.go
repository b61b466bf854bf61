package dispute

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"disputeflow/deadline"
)

var machineNow = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC) // Monday

func filedDispute() Dispute {
	return Dispute{
		ID:             "d1",
		Status:         StatusFiled,
		Reason:         ReasonGoodsNotReceived,
		AmountMinor:    5_000,
		Currency:       "USD",
		Instrument:     deadline.InstrumentDebit,
		AccountAgeDays: 400,
		CreatedAt:      machineNow,
		UpdatedAt:      machineNow,
	}
}

func TestApplyOpenEvidenceWindowAttachesDeadlines(t *testing.T) {
	m := NewMachine(nil)
	d := filedDispute()

	next, out, err := m.Apply(d, Event{Kind: EventOpenEvidenceWindow, Actor: "operator"}, machineNow)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Status != StatusAwaitingEvidence {
		t.Fatalf("expected awaiting_evidence, got %s", next.Status)
	}
	if out.Previous != StatusFiled {
		t.Errorf("outcome previous %s, want filed", out.Previous)
	}
	if len(next.Deadlines) != 2 {
		t.Fatalf("expected 2 deadlines attached, got %d", len(next.Deadlines))
	}
	if next.Deadlines[1].Label != deadline.LabelInvestigation {
		t.Errorf("expected standard investigation deadline, got %s", next.Deadlines[1].Label)
	}
	if want := machineNow.AddDate(0, 0, 45); !next.Deadlines[1].DueAt.Equal(want) {
		t.Errorf("investigation due %v, want filed+45d", next.Deadlines[1].DueAt)
	}
}

func TestApplyCarriesCallerConfidence(t *testing.T) {
	m := NewMachine(nil)

	_, out, err := m.Apply(filedDispute(), Event{Kind: EventOpenEvidenceWindow, Confidence: 0.87}, machineNow)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !out.ConfidenceSupplied || out.Confidence != 0.87 {
		t.Fatalf("caller score lost: %+v", out)
	}

	_, out, err = m.Apply(filedDispute(), Event{Kind: EventOpenEvidenceWindow}, machineNow)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.ConfidenceSupplied {
		t.Fatalf("unscored event must not claim a confidence")
	}
}

func TestApplyRefundShortcut(t *testing.T) {
	m := NewMachine(nil)
	next, _, err := m.Apply(filedDispute(), Event{Kind: EventRefundAndClose}, machineNow)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Status != StatusClosedRefunded {
		t.Fatalf("expected closed_refunded, got %s", next.Status)
	}
	if !next.Status.Terminal() {
		t.Errorf("closed_refunded must be terminal")
	}
}

func TestApplyInvalidTransitionLeavesDisputeUnchanged(t *testing.T) {
	m := NewMachine(nil)
	d := filedDispute()
	before := d.Clone()

	_, _, err := m.Apply(d, Event{Kind: EventResolve}, machineNow)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if !reflect.DeepEqual(d, before) {
		t.Fatalf("dispute mutated by failed transition")
	}

	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %T", err)
	}
	if len(ite.Valid) == 0 {
		t.Errorf("error must list the currently valid events")
	}
	for _, k := range ite.Valid {
		if k == EventResolve {
			t.Errorf("resolve must not be valid from filed")
		}
	}
}

func TestApplyTerminalGuard(t *testing.T) {
	m := NewMachine(nil)
	d := filedDispute()
	d.Status = StatusResolved

	_, _, err := m.Apply(d, Event{Kind: EventOpenEvidenceWindow}, machineNow)
	if !errors.Is(err, ErrDisputeClosed) {
		t.Fatalf("expected ErrDisputeClosed, got %v", err)
	}
}

func TestApplyFullLifecycle(t *testing.T) {
	m := NewMachine(nil)
	d := filedDispute()

	steps := []struct {
		ev   Event
		want Status
	}{
		{Event{Kind: EventOpenEvidenceWindow}, StatusAwaitingEvidence},
		{Event{Kind: EventSubmitEvidence, EvidenceID: "e1", EvidenceKind: "receipt", EvidencePayload: "order 4821 never arrived"}, StatusAwaitingEvidence},
		{Event{Kind: EventBeginReview, Confidence: 0.9}, StatusUnderReview},
		{Event{Kind: EventRecordDecision, Approved: true}, StatusApproved},
		{Event{Kind: EventResolve}, StatusResolved},
	}
	for i, step := range steps {
		next, _, err := m.Apply(d, step.ev, machineNow.Add(time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatalf("step %d (%s): %v", i, step.ev.Kind, err)
		}
		if next.Status != step.want {
			t.Fatalf("step %d: status %s, want %s", i, next.Status, step.want)
		}
		d = next
	}
	if len(d.Evidence) != 1 {
		t.Errorf("expected 1 evidence item, got %d", len(d.Evidence))
	}
}

func TestApplyDeniedDecision(t *testing.T) {
	m := NewMachine(nil)
	d := filedDispute()
	d.Status = StatusUnderReview

	next, _, err := m.Apply(d, Event{Kind: EventRecordDecision, Approved: false}, machineNow)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Status != StatusDenied {
		t.Fatalf("expected denied, got %s", next.Status)
	}
}

func TestApplyManagerReturnsCaseToReview(t *testing.T) {
	m := NewMachine(nil)
	d := filedDispute()
	d.Status = StatusEscalatedManager

	next, _, err := m.Apply(d, Event{Kind: EventBeginReview}, machineNow)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Status != StatusUnderReview {
		t.Fatalf("expected under_review, got %s", next.Status)
	}
}

func TestApplyComplianceViolationAbortsEvidence(t *testing.T) {
	m := NewMachine(nil)
	d := filedDispute()
	d.Status = StatusAwaitingEvidence
	before := d.Clone()

	ev := Event{
		Kind:            EventSubmitEvidence,
		EvidenceID:      "e1",
		EvidenceKind:    "note",
		EvidencePayload: "card 4539578763621486 exp 11/25",
	}
	_, _, err := m.Apply(d, ev, machineNow)
	if !errors.Is(err, ErrComplianceViolation) {
		t.Fatalf("expected ErrComplianceViolation, got %v", err)
	}
	if !reflect.DeepEqual(d, before) {
		t.Fatalf("evidence mutated by rejected submission")
	}

	var cv *ComplianceViolationError
	if !errors.As(err, &cv) {
		t.Fatalf("expected ComplianceViolationError, got %T", err)
	}
	if strings.Contains(cv.Redacted, "4539578763621486") {
		t.Errorf("violation carries unredacted payload")
	}
}

func TestApplyEvidenceCountBound(t *testing.T) {
	m := NewMachine(nil)
	d := filedDispute()
	d.Status = StatusAwaitingEvidence
	for i := 0; i < MaxEvidenceItems; i++ {
		d.Evidence = append(d.Evidence, Evidence{ID: "e", Kind: "doc", Payload: "x"})
	}

	_, _, err := m.Apply(d, Event{Kind: EventSubmitEvidence, EvidencePayload: "one more"}, machineNow)
	if !errors.Is(err, ErrEvidenceLimit) {
		t.Fatalf("expected ErrEvidenceLimit, got %v", err)
	}
	if d.Status != StatusAwaitingEvidence {
		t.Errorf("status must not change on bound rejection")
	}
}

func TestApplyEvidencePayloadBound(t *testing.T) {
	m := NewMachine(nil)
	d := filedDispute()
	d.Status = StatusAwaitingEvidence

	_, _, err := m.Apply(d, Event{
		Kind:            EventSubmitEvidence,
		EvidencePayload: strings.Repeat("a", MaxEvidencePayloadSize+1),
	}, machineNow)
	if !errors.Is(err, ErrEvidenceLimit) {
		t.Fatalf("expected ErrEvidenceLimit, got %v", err)
	}
}

func TestApplyUnrecognizedInstrumentFlagsManualClassification(t *testing.T) {
	m := NewMachine(nil)
	d := filedDispute()
	d.Instrument = deadline.Instrument("store_credit")

	next, out, err := m.Apply(d, Event{Kind: EventOpenEvidenceWindow}, machineNow)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !out.RequiresManualClassification {
		t.Fatalf("expected manual-classification flag")
	}
	if len(next.Deadlines) != 0 {
		t.Errorf("unrecognized instrument must yield no deadlines")
	}
}

func TestApplyReentryDoesNotDuplicateDeadlines(t *testing.T) {
	m := NewMachine(nil)
	d := filedDispute()

	next, _, err := m.Apply(d, Event{Kind: EventOpenEvidenceWindow}, machineNow)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	next, _, err = m.Apply(next, Event{Kind: EventEscalateSpecialist}, machineNow)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	next, out, err := m.Apply(next, Event{Kind: EventOpenEvidenceWindow}, machineNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("reopen window: %v", err)
	}
	if len(out.DeadlinesAdded) != 0 {
		t.Errorf("re-entry added %d duplicate deadlines", len(out.DeadlinesAdded))
	}
	if len(next.Deadlines) != 2 {
		t.Errorf("expected 2 deadlines total, got %d", len(next.Deadlines))
	}
}
