package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"disputeflow/audit"
	"disputeflow/deadline"
	"disputeflow/guardrail"
)

// Router observes successful transitions and decides queue ownership. The
// routing engine implements it; failures degrade routing, never the
// transition itself.
type Router interface {
	RouteTransition(ctx context.Context, d Dispute, out Outcome) error
}

// Submitter forwards evidence packages to the card-network collaborator.
type Submitter interface {
	SubmitEvidencePackage(ctx context.Context, pkg EvidencePackage) error
}

// Alerter receives guardrail-violation signals for the external notifier.
type Alerter interface {
	RaiseGuardrailViolation(ctx context.Context, disputeID, detail string, occurredAt time.Time)
}

type applyResult struct {
	dispute Dispute
	err     error
}

// Service owns the transition pipeline: per-id serialization, idempotent
// replay, the state machine, audit, routing, and network emission.
type Service struct {
	store     Store
	log       audit.Log
	machine   *Machine
	router    Router
	submitter Submitter
	alerter   Alerter

	idGenerator func() string
	now         func() time.Time

	locks sync.Map // dispute id -> *sync.Mutex

	idemMu sync.Mutex
	idem   map[string]applyResult
}

func NewService(store Store, log audit.Log, machine *Machine) *Service {
	if machine == nil {
		machine = NewMachine(nil)
	}
	return &Service{
		store:       store,
		log:         log,
		machine:     machine,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		idem:        make(map[string]applyResult),
	}
}

func (s *Service) WithRouter(r Router) *Service { s.router = r; return s }

func (s *Service) WithSubmitter(sub Submitter) *Service { s.submitter = sub; return s }

func (s *Service) WithAlerter(a Alerter) *Service { s.alerter = a; return s }

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateParams is the intake request, already stripped of conversational
// context by the excluded front-end.
type CreateParams struct {
	ChargeReference   string
	Reason            Reason
	AmountMinor       int64
	Currency          string
	Instrument        string
	AccountAgeDays    int
	CrossBorder       bool
	PointOfSaleOrigin bool
	BillingCycleDays  int
	Narrative         string
	Actor             string
}

// CreateDispute files a new dispute. The narrative passes the guardrail
// before anything is stored; a rejection returns ComplianceViolationError
// and records only the redacted detail.
func (s *Service) CreateDispute(ctx context.Context, params CreateParams) (Dispute, error) {
	if params.AmountMinor <= 0 {
		return Dispute{}, fmt.Errorf("dispute: amount must be positive")
	}
	if len(params.Currency) != 3 {
		return Dispute{}, fmt.Errorf("dispute: invalid currency %q", params.Currency)
	}
	if !validReason(params.Reason) {
		return Dispute{}, fmt.Errorf("dispute: invalid reason %q", params.Reason)
	}
	if params.ChargeReference == "" {
		return Dispute{}, fmt.Errorf("dispute: missing charge reference")
	}
	// The narrative becomes the first evidence item, so the same payload
	// bound applies at intake as on every later submission.
	if len(params.Narrative) > MaxEvidencePayloadSize {
		return Dispute{}, fmt.Errorf("%w: narrative %d bytes", ErrEvidenceLimit, len(params.Narrative))
	}

	now := s.now()
	id := s.idGenerator()

	if res := guardrail.Scan(params.Narrative); !res.Clean {
		detail := fmt.Sprintf("intake narrative rejected (%v): %s", res.Matches, res.Redacted)
		if _, err := s.log.Append(ctx, audit.Entry{
			DisputeID:  id,
			Actor:      params.Actor,
			Action:     audit.ActionGuardrailRejection,
			Detail:     detail,
			OccurredAt: now,
		}); err != nil {
			return Dispute{}, err
		}
		if s.alerter != nil {
			s.alerter.RaiseGuardrailViolation(ctx, id, detail, now)
		}
		return Dispute{}, &ComplianceViolationError{Matches: res.Matches, Redacted: res.Redacted}
	}

	d := Dispute{
		ID:                id,
		ChargeReference:   params.ChargeReference,
		Status:            StatusFiled,
		Reason:            params.Reason,
		AmountMinor:       params.AmountMinor,
		Currency:          params.Currency,
		Instrument:        instrumentFromString(params.Instrument),
		AccountAgeDays:    params.AccountAgeDays,
		CrossBorder:       params.CrossBorder,
		PointOfSaleOrigin: params.PointOfSaleOrigin,
		BillingCycleDays:  params.BillingCycleDays,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if params.Narrative != "" {
		d.Evidence = append(d.Evidence, Evidence{
			ID:          s.idGenerator(),
			Kind:        "narrative",
			Payload:     params.Narrative,
			SubmittedAt: now,
		})
	}

	if err := s.store.Create(ctx, d); err != nil {
		return Dispute{}, fmt.Errorf("dispute: create: %w", err)
	}
	if err := s.appendAudit(ctx, d.ID, params.Actor, audit.ActionDisputeCreated,
		fmt.Sprintf("reason=%s amount=%d %s instrument=%s", d.Reason, d.AmountMinor, d.Currency, d.Instrument), now); err != nil {
		return Dispute{}, err
	}
	return d, nil
}

// Get returns the dispute for read-only use.
func (s *Service) Get(ctx context.Context, id string) (Dispute, error) {
	return s.store.Get(ctx, id)
}

// Submit applies one event to the dispute. Concurrent submissions for the
// same id serialize on a per-id mutex; different ids proceed in parallel.
func (s *Service) Submit(ctx context.Context, disputeID string, ev Event) (Dispute, error) {
	mu := s.lockFor(disputeID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return Dispute{}, err
	}

	idemKey := ""
	if ev.Token != "" {
		idemKey = fmt.Sprintf("%s|%s|%s", disputeID, d.Status, ev.Token)
		s.idemMu.Lock()
		prior, seen := s.idem[idemKey]
		s.idemMu.Unlock()
		if seen {
			return prior.dispute, prior.err
		}
		// A store that persists claims catches replays this process never
		// saw: after a restart, or on another replica. The claimed request
		// already ran, so the stored dispute is the replay's answer.
		if r, ok := s.store.(IdempotencyReserver); ok {
			if err := r.ReserveIdempotencyKey(ctx, idemKey); err != nil {
				if errors.Is(err, ErrDuplicateRequest) {
					return d, nil
				}
				return Dispute{}, fmt.Errorf("dispute: reserve idempotency key: %w", err)
			}
		}
	}

	if ev.Kind == EventSubmitEvidence && ev.EvidenceID == "" {
		ev.EvidenceID = s.idGenerator()
	}

	now := s.now()
	next, out, applyErr := s.machine.Apply(d, ev, now)
	if applyErr != nil {
		if err := s.auditFailure(ctx, d, ev, applyErr, now); err != nil {
			return Dispute{}, err
		}
		s.remember(idemKey, applyResult{dispute: d, err: applyErr})
		return d, applyErr
	}

	if out.EnteredReview && s.submitter != nil {
		s.forwardEvidence(ctx, &next, now)
	}

	if err := s.store.Update(ctx, next); err != nil {
		return Dispute{}, fmt.Errorf("dispute: update: %w", err)
	}

	action := audit.ActionStatusChanged
	detail := fmt.Sprintf("%s -> %s", out.Previous, next.Status)
	if out.EvidenceAdded && next.Status == out.Previous {
		action = audit.ActionEvidenceAccepted
		detail = fmt.Sprintf("evidence %s accepted (%d items)", ev.EvidenceKind, len(next.Evidence))
	}
	if len(out.DeadlinesAdded) > 0 {
		detail += fmt.Sprintf("; %d deadline(s) attached", len(out.DeadlinesAdded))
	}
	if err := s.appendAudit(ctx, next.ID, ev.Actor, action, detail, now); err != nil {
		return Dispute{}, err
	}

	if s.router != nil {
		if err := s.router.RouteTransition(ctx, next, out); err != nil {
			// Routing degradation never fails the transition; the dispute
			// is more important to keep moving than to route optimally.
			if aerr := s.appendAudit(ctx, next.ID, "system", audit.ActionRoutingDegraded, err.Error(), now); aerr != nil {
				return Dispute{}, aerr
			}
		}
	}

	if next.Status.Terminal() {
		// Lookups key on the current status, so nothing cached for this
		// dispute can be read again once it settles.
		s.forgetDispute(next.ID)
	} else {
		s.remember(idemKey, applyResult{dispute: next})
	}
	return next, nil
}

// HandleNetworkOutcome consumes the asynchronous network-submission result
// and drives the approved/denied edge. A timeout escalates to manager review
// instead of settling the dispute.
func (s *Service) HandleNetworkOutcome(ctx context.Context, outcome NetworkOutcome) (Dispute, error) {
	token := fmt.Sprintf("network|%s|%s", outcome.DisputeID, outcome.Outcome)
	switch outcome.Outcome {
	case NetworkAccepted, NetworkRejected:
		return s.Submit(ctx, outcome.DisputeID, Event{
			Kind:     EventRecordDecision,
			Token:    token,
			Actor:    "network",
			Approved: outcome.Outcome == NetworkAccepted,
		})
	case NetworkTimeout:
		now := s.now()
		if err := s.appendAudit(ctx, outcome.DisputeID, "network", audit.ActionRoutingDegraded,
			"network submission timed out: downstream unavailable", now); err != nil {
			return Dispute{}, err
		}
		return s.Submit(ctx, outcome.DisputeID, Event{
			Kind:  EventEscalateManager,
			Token: token,
			Actor: "network",
		})
	default:
		return Dispute{}, fmt.Errorf("dispute: unknown network outcome %q", outcome.Outcome)
	}
}

func (s *Service) lockFor(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) remember(key string, res applyResult) {
	if key == "" {
		return
	}
	s.idemMu.Lock()
	s.idem[key] = res
	s.idemMu.Unlock()
}

// forgetDispute drops every cached replay result for a settled dispute so the
// map does not grow with the lifetime of the process.
func (s *Service) forgetDispute(id string) {
	prefix := id + "|"
	s.idemMu.Lock()
	for k := range s.idem {
		if strings.HasPrefix(k, prefix) {
			delete(s.idem, k)
		}
	}
	s.idemMu.Unlock()
}

// forwardEvidence emits the evidence package and marks forwarded items. A
// delivery failure is audited and retried by the collaborator side; it does
// not abort the transition.
func (s *Service) forwardEvidence(ctx context.Context, d *Dispute, now time.Time) {
	pkg := EvidencePackage{
		DisputeID:       d.ID,
		Evidence:        append([]Evidence(nil), d.Evidence...),
		DeadlineSummary: append([]deadline.Deadline(nil), d.Deadlines...),
	}
	if err := s.submitter.SubmitEvidencePackage(ctx, pkg); err != nil {
		_ = s.appendAudit(ctx, d.ID, "system", audit.ActionRoutingDegraded,
			fmt.Sprintf("evidence package not delivered: %v", err), now)
		return
	}
	for i := range d.Evidence {
		d.Evidence[i].Forwarded = true
	}
}

func (s *Service) auditFailure(ctx context.Context, d Dispute, ev Event, applyErr error, now time.Time) error {
	var (
		action = audit.ActionEventIgnored
		detail string
	)
	switch {
	case errors.Is(applyErr, ErrDisputeClosed):
		detail = fmt.Sprintf("event %s ignored: dispute is terminal (%s)", ev.Kind, d.Status)
	case errors.Is(applyErr, ErrComplianceViolation):
		action = audit.ActionGuardrailRejection
		var cv *ComplianceViolationError
		if errors.As(applyErr, &cv) {
			detail = fmt.Sprintf("evidence rejected (%v): %s", cv.Matches, cv.Redacted)
		} else {
			detail = "evidence rejected by guardrail"
		}
	case errors.Is(applyErr, ErrInvalidTransition):
		detail = fmt.Sprintf("event %s rejected in status %s", ev.Kind, d.Status)
	case errors.Is(applyErr, ErrEvidenceLimit):
		detail = fmt.Sprintf("evidence rejected: %v", applyErr)
	default:
		detail = applyErr.Error()
	}
	return s.appendAudit(ctx, d.ID, ev.Actor, action, detail, now)
}

// appendAudit writes one entry, scanning the detail outbound so sensitive
// data introduced downstream never reaches the log.
func (s *Service) appendAudit(ctx context.Context, disputeID, actor, action, detail string, now time.Time) error {
	if res := guardrail.Scan(detail); !res.Clean {
		detail = res.Redacted
	}
	if actor == "" {
		actor = "system"
	}
	_, err := s.log.Append(ctx, audit.Entry{
		DisputeID:  disputeID,
		Actor:      actor,
		Action:     action,
		Detail:     detail,
		OccurredAt: now,
	})
	if err != nil {
		return fmt.Errorf("dispute: append audit: %w", err)
	}
	return nil
}

func instrumentFromString(s string) deadline.Instrument {
	return deadline.Instrument(s)
}
