package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"disputeflow/dispute"
	"disputeflow/routing"
)

// domainError reports whether err is an expected domain rejection rather than
// an infrastructure failure. Actors race each other on purpose, so invalid
// transitions and guardrail rejections are business as usual.
func domainError(err error) bool {
	return errors.Is(err, dispute.ErrInvalidTransition) ||
		errors.Is(err, dispute.ErrDisputeClosed) ||
		errors.Is(err, dispute.ErrComplianceViolation) ||
		errors.Is(err, dispute.ErrEvidenceLimit) ||
		errors.Is(err, dispute.ErrNotFound) ||
		errors.Is(err, routing.ErrItemNotFound) ||
		errors.Is(err, routing.ErrItemState)
}

// Filer creates fresh disputes and sends their ids to out for the other
// actors to fight over.
func Filer(ctx context.Context, svc *dispute.Service, out chan<- string, stop <-chan struct{}) error {
	reasons := []dispute.Reason{
		dispute.ReasonUnauthorized,
		dispute.ReasonGoodsNotReceived,
		dispute.ReasonDuplicate,
		dispute.ReasonCreditNotProcessed,
	}
	instruments := []string{"debit", "credit", "prepaid"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		d, err := svc.CreateDispute(ctx, dispute.CreateParams{
			ChargeReference: fmt.Sprintf("txn-%d", rand.Int63()),
			Reason:          reasons[rand.Intn(len(reasons))],
			AmountMinor:     int64(1_000 + rand.Intn(200_000)),
			Currency:        "USD",
			Instrument:      instruments[rand.Intn(len(instruments))],
			AccountAgeDays:  rand.Intn(800),
			Narrative:       "charge does not match my records",
			Actor:           "stress-filer",
		})
		if err == nil {
			select {
			case out <- d.ID:
			default:
			}
		} else if !domainError(err) {
			return fmt.Errorf("filer create: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Transitioner fires random lifecycle events at one dispute. Most attempts
// are rejected by the state machine; that is the point.
func Transitioner(ctx context.Context, svc *dispute.Service, disputeID string, stop <-chan struct{}) error {
	kinds := []dispute.EventKind{
		dispute.EventOpenEvidenceWindow,
		dispute.EventBeginReview,
		dispute.EventEscalateSpecialist,
		dispute.EventEscalateManager,
		dispute.EventRecordDecision,
		dispute.EventResolve,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		ev := dispute.Event{
			Kind:       kinds[rand.Intn(len(kinds))],
			Actor:      "stress-transitioner",
			Approved:   rand.Intn(2) == 0,
			Confidence: rand.Float64(),
		}
		if _, err := svc.Submit(ctx, disputeID, ev); err != nil && !domainError(err) {
			return fmt.Errorf("transitioner submit: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// EvidenceSubmitter uploads evidence, occasionally tainted with card data to
// exercise the guardrail under load.
func EvidenceSubmitter(ctx context.Context, svc *dispute.Service, disputeID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		payload := fmt.Sprintf("courier confirmation %d", rand.Int63())
		if rand.Intn(5) == 0 {
			// Luhn-valid test PAN; must never survive the guardrail.
			payload = "cardholder pan 4539578763621486 attached"
		}
		ev := dispute.Event{
			Kind:            dispute.EventSubmitEvidence,
			Actor:           "stress-evidence",
			EvidenceKind:    "document",
			EvidencePayload: payload,
		}
		if _, err := svc.Submit(ctx, disputeID, ev); err != nil && !domainError(err) {
			return fmt.Errorf("evidence submit: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Replayer submits the same tokened event repeatedly; replays must be
// absorbed by the idempotency layer, never double-applied.
func Replayer(ctx context.Context, svc *dispute.Service, disputeID string, stop <-chan struct{}) error {
	token := fmt.Sprintf("replay-%s", disputeID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		ev := dispute.Event{
			Kind:  dispute.EventOpenEvidenceWindow,
			Token: token,
			Actor: "stress-replayer",
		}
		if _, err := svc.Submit(ctx, disputeID, ev); err != nil && !domainError(err) {
			return fmt.Errorf("replayer submit: %w", err)
		}
		time.Sleep(time.Duration(25+rand.Intn(35)) * time.Millisecond)
	}
}

// NetworkResponder plays the card network, settling cases that reached
// review and sometimes timing out instead.
func NetworkResponder(ctx context.Context, svc *dispute.Service, disputeID string, stop <-chan struct{}) error {
	outcomes := []dispute.NetworkOutcomeKind{dispute.NetworkAccepted, dispute.NetworkRejected, dispute.NetworkTimeout}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		out := dispute.NetworkOutcome{
			DisputeID: disputeID,
			Outcome:   outcomes[rand.Intn(len(outcomes))],
		}
		if _, err := svc.HandleNetworkOutcome(ctx, out); err != nil && !domainError(err) {
			return fmt.Errorf("network outcome: %w", err)
		}
		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

// Roamer picks up freshly filed disputes from in and nudges each one forward
// once, so the fixed actor sets are not the only traffic.
func Roamer(ctx context.Context, svc *dispute.Service, in <-chan string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case id := <-in:
			ev := dispute.Event{Kind: dispute.EventOpenEvidenceWindow, Actor: "stress-roamer"}
			if rand.Intn(4) == 0 {
				ev.Kind = dispute.EventRefundAndClose
			}
			if _, err := svc.Submit(ctx, id, ev); err != nil && !domainError(err) {
				return fmt.Errorf("roamer submit: %w", err)
			}
		}
	}
}

// QueueWorker drains routed items: acknowledge, action, occasionally reopen.
func QueueWorker(ctx context.Context, engine *routing.Engine, disputeID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var err error
		switch rand.Intn(3) {
		case 0:
			err = engine.Acknowledge(ctx, disputeID)
		case 1:
			err = engine.Action(ctx, disputeID)
		default:
			err = engine.Reopen(ctx, disputeID, "")
		}
		if err != nil && !domainError(err) {
			return fmt.Errorf("queue worker: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}
