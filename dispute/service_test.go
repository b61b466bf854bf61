package dispute

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"disputeflow/audit"
)

type fakeRouter struct {
	calls []Outcome
	err   error
}

func (f *fakeRouter) RouteTransition(ctx context.Context, d Dispute, out Outcome) error {
	f.calls = append(f.calls, out)
	return f.err
}

type fakeSubmitter struct {
	packages []EvidencePackage
	err      error
}

func (f *fakeSubmitter) SubmitEvidencePackage(ctx context.Context, pkg EvidencePackage) error {
	if f.err != nil {
		return f.err
	}
	f.packages = append(f.packages, pkg)
	return nil
}

type fakeAlerter struct {
	violations []string
}

func (f *fakeAlerter) RaiseGuardrailViolation(ctx context.Context, disputeID, detail string, occurredAt time.Time) {
	f.violations = append(f.violations, disputeID)
}

func newTestService(log *audit.MemoryLog) *Service {
	n := 0
	svc := NewService(NewMemoryStore(), log, NewMachine(nil))
	svc.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	})
	svc.WithClock(func() time.Time {
		return time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	})
	return svc
}

func createParams() CreateParams {
	return CreateParams{
		ChargeReference: "txn-991",
		Reason:          ReasonGoodsNotReceived,
		AmountMinor:     5_000,
		Currency:        "USD",
		Instrument:      "debit",
		AccountAgeDays:  400,
		Narrative:       "package never arrived",
		Actor:           "operator",
	}
}

func TestCreateDispute(t *testing.T) {
	log := audit.NewMemoryLog()
	svc := newTestService(log)

	d, err := svc.CreateDispute(context.Background(), createParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Status != StatusFiled {
		t.Fatalf("expected filed, got %s", d.Status)
	}
	if len(d.Evidence) != 1 || d.Evidence[0].Kind != "narrative" {
		t.Fatalf("narrative not stored as evidence: %+v", d.Evidence)
	}
	if log.Count(d.ID) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", log.Count(d.ID))
	}
}

func TestCreateDisputeValidation(t *testing.T) {
	svc := newTestService(audit.NewMemoryLog())
	ctx := context.Background()

	bad := createParams()
	bad.AmountMinor = 0
	if _, err := svc.CreateDispute(ctx, bad); err == nil {
		t.Errorf("zero amount must be rejected")
	}

	bad = createParams()
	bad.Currency = "DOLLARS"
	if _, err := svc.CreateDispute(ctx, bad); err == nil {
		t.Errorf("bad currency must be rejected")
	}

	bad = createParams()
	bad.Reason = Reason("vibes")
	if _, err := svc.CreateDispute(ctx, bad); err == nil {
		t.Errorf("unknown reason must be rejected")
	}
}

func TestCreateDisputeGuardrailRejection(t *testing.T) {
	log := audit.NewMemoryLog()
	alerter := &fakeAlerter{}
	svc := newTestService(log).WithAlerter(alerter)

	params := createParams()
	params.Narrative = "my card 4539578763621486 was charged twice"
	_, err := svc.CreateDispute(context.Background(), params)
	if !errors.Is(err, ErrComplianceViolation) {
		t.Fatalf("expected ErrComplianceViolation, got %v", err)
	}
	if len(alerter.violations) != 1 {
		t.Fatalf("expected guardrail violation signal, got %d", len(alerter.violations))
	}
	entries, _ := log.List(context.Background(), alerter.violations[0], 0, 0)
	if len(entries) != 1 || entries[0].Action != audit.ActionGuardrailRejection {
		t.Fatalf("expected one guardrail audit entry, got %+v", entries)
	}
	if strings.Contains(entries[0].Detail, "4539578763621486") {
		t.Errorf("audit detail leaked the card number")
	}
}

func TestCreateDisputeNarrativeOverPayloadBound(t *testing.T) {
	svc := newTestService(audit.NewMemoryLog())

	params := createParams()
	params.Narrative = strings.Repeat("x", MaxEvidencePayloadSize+1)
	_, err := svc.CreateDispute(context.Background(), params)
	if !errors.Is(err, ErrEvidenceLimit) {
		t.Fatalf("expected ErrEvidenceLimit for oversized narrative, got %v", err)
	}
}

func TestSubmitIdempotentReplay(t *testing.T) {
	log := audit.NewMemoryLog()
	svc := newTestService(log)
	ctx := context.Background()

	d, err := svc.CreateDispute(ctx, createParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	auditBefore := log.Count(d.ID)

	ev := Event{Kind: EventOpenEvidenceWindow, Token: "tok-1", Actor: "operator"}
	first, err := svc.Submit(ctx, d.ID, ev)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := svc.Submit(ctx, d.ID, ev)
	if err != nil {
		t.Fatalf("replay submit: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replay returned a different result")
	}
	if got := log.Count(d.ID) - auditBefore; got != 1 {
		t.Fatalf("expected exactly 1 new audit entry, got %d", got)
	}
	if len(second.Deadlines) != 2 {
		t.Fatalf("replay must not duplicate deadlines, got %d", len(second.Deadlines))
	}
}

func TestSubmitEvidenceRejectionKeepsState(t *testing.T) {
	log := audit.NewMemoryLog()
	svc := newTestService(log)
	ctx := context.Background()

	d, _ := svc.CreateDispute(ctx, createParams())
	if _, err := svc.Submit(ctx, d.ID, Event{Kind: EventOpenEvidenceWindow, Actor: "operator"}); err != nil {
		t.Fatalf("open window: %v", err)
	}
	loaded, _ := svc.Get(ctx, d.ID)
	evidenceBefore := len(loaded.Evidence)
	auditBefore := log.Count(d.ID)

	_, err := svc.Submit(ctx, d.ID, Event{
		Kind:            EventSubmitEvidence,
		Actor:           "operator",
		EvidenceKind:    "note",
		EvidencePayload: "card 4539578763621486 exp 11/25",
	})
	if !errors.Is(err, ErrComplianceViolation) {
		t.Fatalf("expected ErrComplianceViolation, got %v", err)
	}

	after, _ := svc.Get(ctx, d.ID)
	if len(after.Evidence) != evidenceBefore {
		t.Fatalf("evidence length changed on rejection")
	}
	if after.Status != StatusAwaitingEvidence {
		t.Fatalf("status changed on rejection: %s", after.Status)
	}
	if got := log.Count(d.ID) - auditBefore; got != 1 {
		t.Fatalf("expected 1 rejection audit entry, got %d", got)
	}
	entries, _ := log.List(ctx, d.ID, int64(auditBefore), 0)
	if entries[0].Action != audit.ActionGuardrailRejection {
		t.Fatalf("expected guardrail rejection entry, got %s", entries[0].Action)
	}
	if strings.Contains(entries[0].Detail, "4539578763621486") {
		t.Errorf("audit detail leaked the payload")
	}
}

func TestSubmitTerminalEventAuditedAndIgnored(t *testing.T) {
	log := audit.NewMemoryLog()
	svc := newTestService(log)
	ctx := context.Background()

	d, _ := svc.CreateDispute(ctx, createParams())
	if _, err := svc.Submit(ctx, d.ID, Event{Kind: EventRefundAndClose, Actor: "operator"}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	before, _ := svc.Get(ctx, d.ID)

	_, err := svc.Submit(ctx, d.ID, Event{Kind: EventOpenEvidenceWindow, Actor: "operator"})
	if !errors.Is(err, ErrDisputeClosed) {
		t.Fatalf("expected ErrDisputeClosed, got %v", err)
	}
	after, _ := svc.Get(ctx, d.ID)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("terminal dispute mutated")
	}
	entries, _ := log.List(ctx, d.ID, 0, 0)
	last := entries[len(entries)-1]
	if last.Action != audit.ActionEventIgnored {
		t.Fatalf("terminal event not audited, last action %s", last.Action)
	}
}

func TestSubmitEmitsEvidencePackageOnReview(t *testing.T) {
	log := audit.NewMemoryLog()
	submitter := &fakeSubmitter{}
	svc := newTestService(log).WithSubmitter(submitter)
	ctx := context.Background()

	d, _ := svc.CreateDispute(ctx, createParams())
	svc.Submit(ctx, d.ID, Event{Kind: EventOpenEvidenceWindow, Actor: "operator"})
	next, err := svc.Submit(ctx, d.ID, Event{Kind: EventBeginReview, Actor: "operator", Confidence: 0.9})
	if err != nil {
		t.Fatalf("begin review: %v", err)
	}

	if len(submitter.packages) != 1 {
		t.Fatalf("expected 1 evidence package, got %d", len(submitter.packages))
	}
	pkg := submitter.packages[0]
	if pkg.DisputeID != d.ID || len(pkg.DeadlineSummary) == 0 {
		t.Fatalf("package incomplete: %+v", pkg)
	}
	for _, e := range next.Evidence {
		if !e.Forwarded {
			t.Errorf("evidence %s not marked forwarded", e.ID)
		}
	}
}

func TestSubmitSubmitterFailureDoesNotAbortTransition(t *testing.T) {
	log := audit.NewMemoryLog()
	submitter := &fakeSubmitter{err: errors.New("network down")}
	svc := newTestService(log).WithSubmitter(submitter)
	ctx := context.Background()

	d, _ := svc.CreateDispute(ctx, createParams())
	svc.Submit(ctx, d.ID, Event{Kind: EventOpenEvidenceWindow, Actor: "operator"})
	next, err := svc.Submit(ctx, d.ID, Event{Kind: EventBeginReview, Actor: "operator"})
	if err != nil {
		t.Fatalf("transition must survive submitter failure: %v", err)
	}
	if next.Status != StatusUnderReview {
		t.Fatalf("expected under_review, got %s", next.Status)
	}
	for _, e := range next.Evidence {
		if e.Forwarded {
			t.Errorf("evidence wrongly marked forwarded after failure")
		}
	}
}

func TestSubmitRoutesAfterTransition(t *testing.T) {
	router := &fakeRouter{}
	svc := newTestService(audit.NewMemoryLog()).WithRouter(router)
	ctx := context.Background()

	d, _ := svc.CreateDispute(ctx, createParams())
	if _, err := svc.Submit(ctx, d.ID, Event{Kind: EventOpenEvidenceWindow, Actor: "operator"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(router.calls) != 1 {
		t.Fatalf("router called %d times, want 1", len(router.calls))
	}
}

func TestSubmitRoutingFailureDegrades(t *testing.T) {
	log := audit.NewMemoryLog()
	router := &fakeRouter{err: errors.New("routing store down")}
	svc := newTestService(log).WithRouter(router)
	ctx := context.Background()

	d, _ := svc.CreateDispute(ctx, createParams())
	next, err := svc.Submit(ctx, d.ID, Event{Kind: EventOpenEvidenceWindow, Actor: "operator"})
	if err != nil {
		t.Fatalf("transition must survive routing failure: %v", err)
	}
	if next.Status != StatusAwaitingEvidence {
		t.Fatalf("expected awaiting_evidence, got %s", next.Status)
	}
	entries, _ := log.List(ctx, d.ID, 0, 0)
	found := false
	for _, e := range entries {
		if e.Action == audit.ActionRoutingDegraded {
			found = true
		}
	}
	if !found {
		t.Fatalf("routing degradation not audited")
	}
}

func TestHandleNetworkOutcomeAccepted(t *testing.T) {
	svc := newTestService(audit.NewMemoryLog())
	ctx := context.Background()

	d, _ := svc.CreateDispute(ctx, createParams())
	svc.Submit(ctx, d.ID, Event{Kind: EventOpenEvidenceWindow, Actor: "operator"})
	svc.Submit(ctx, d.ID, Event{Kind: EventBeginReview, Actor: "operator"})

	next, err := svc.HandleNetworkOutcome(ctx, NetworkOutcome{DisputeID: d.ID, Outcome: NetworkAccepted})
	if err != nil {
		t.Fatalf("network outcome: %v", err)
	}
	if next.Status != StatusApproved {
		t.Fatalf("expected approved, got %s", next.Status)
	}
}

func TestHandleNetworkOutcomeTimeoutEscalates(t *testing.T) {
	log := audit.NewMemoryLog()
	svc := newTestService(log)
	ctx := context.Background()

	d, _ := svc.CreateDispute(ctx, createParams())
	svc.Submit(ctx, d.ID, Event{Kind: EventOpenEvidenceWindow, Actor: "operator"})
	svc.Submit(ctx, d.ID, Event{Kind: EventBeginReview, Actor: "operator"})

	next, err := svc.HandleNetworkOutcome(ctx, NetworkOutcome{DisputeID: d.ID, Outcome: NetworkTimeout})
	if err != nil {
		t.Fatalf("timeout outcome: %v", err)
	}
	if next.Status != StatusEscalatedManager {
		t.Fatalf("expected escalated_manager, got %s", next.Status)
	}
	entries, _ := log.List(ctx, d.ID, 0, 0)
	found := false
	for _, e := range entries {
		if strings.Contains(e.Detail, "downstream unavailable") {
			found = true
		}
	}
	if !found {
		t.Fatalf("downstream unavailability not audited")
	}
}

func TestSubmitUnknownDispute(t *testing.T) {
	svc := newTestService(audit.NewMemoryLog())
	_, err := svc.Submit(context.Background(), "ghost", Event{Kind: EventOpenEvidenceWindow})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// reservingStore adds durable idempotency claims on top of MemoryStore, the
// way PGStore backs them with the idempotency table.
type reservingStore struct {
	*MemoryStore
	reserved map[string]bool
}

func newReservingStore() *reservingStore {
	return &reservingStore{MemoryStore: NewMemoryStore(), reserved: make(map[string]bool)}
}

func (r *reservingStore) ReserveIdempotencyKey(_ context.Context, key string) error {
	if r.reserved[key] {
		return ErrDuplicateRequest
	}
	r.reserved[key] = true
	return nil
}

func TestSubmitReplayCaughtByStoreAfterRestart(t *testing.T) {
	store := newReservingStore()
	log := audit.NewMemoryLog()
	svc := NewService(store, log, NewMachine(nil))
	ctx := context.Background()

	d, err := svc.CreateDispute(ctx, createParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Submit(ctx, d.ID, Event{Kind: EventOpenEvidenceWindow, Actor: "operator"}); err != nil {
		t.Fatalf("open window: %v", err)
	}

	ev := Event{
		Kind:            EventSubmitEvidence,
		Token:           "tok-7",
		Actor:           "operator",
		EvidenceKind:    "receipt",
		EvidencePayload: "merchant receipt scan",
	}
	first, err := svc.Submit(ctx, d.ID, ev)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if len(store.reserved) == 0 {
		t.Fatalf("token was not claimed in the store")
	}
	auditBefore := log.Count(d.ID)

	// A fresh service over the same store models a restart (or a sibling
	// replica): the in-process replay cache is gone, the claim is not.
	restarted := NewService(store, log, NewMachine(nil))
	replayed, err := restarted.Submit(ctx, d.ID, ev)
	if err != nil {
		t.Fatalf("replay after restart: %v", err)
	}
	if len(replayed.Evidence) != len(first.Evidence) {
		t.Fatalf("replay duplicated evidence: %d vs %d", len(replayed.Evidence), len(first.Evidence))
	}
	if got := log.Count(d.ID) - auditBefore; got != 0 {
		t.Fatalf("replay appended %d audit entries, want 0", got)
	}
}

func TestSubmitSettlementEvictsReplayCache(t *testing.T) {
	svc := newTestService(audit.NewMemoryLog())
	ctx := context.Background()

	d, _ := svc.CreateDispute(ctx, createParams())
	// Cache a rejected request first, so both result flavors are evicted.
	if _, err := svc.Submit(ctx, d.ID, Event{Kind: EventResolve, Token: "tok-a", Actor: "operator"}); err == nil {
		t.Fatalf("resolve from filed must fail")
	}
	if _, err := svc.Submit(ctx, d.ID, Event{Kind: EventRefundAndClose, Token: "tok-b", Actor: "operator"}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	svc.idemMu.Lock()
	defer svc.idemMu.Unlock()
	for k := range svc.idem {
		if strings.HasPrefix(k, d.ID+"|") {
			t.Fatalf("replay cache still holds %q after settlement", k)
		}
	}
}
