// Package routing decides which queue owns the next action on a dispute and
// tracks acknowledgment SLAs and regulatory deadlines for routed cases.
package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"disputeflow/audit"
	"disputeflow/deadline"
	"disputeflow/dispute"
)

// Engine observes state-machine transitions and owns the three queues. All
// mutation happens through RouteTransition, Acknowledge, Action, Reopen, and
// Tick.
type Engine struct {
	cfg        Config
	classifier Classifier
	notifier   Notifier
	log        audit.Log
	store      ItemStore
	now        func() time.Time

	mu        sync.Mutex
	items     map[string]*Item
	deadlines map[string][]deadline.Deadline
	raised    map[string]struct{}

	inflight sync.WaitGroup
}

func NewEngine(cfg Config, classifier Classifier, notifier Notifier, log audit.Log) *Engine {
	return &Engine{
		cfg:        cfg.withDefaults(),
		classifier: classifier,
		notifier:   notifier,
		log:        log,
		now:        time.Now,
		items:      make(map[string]*Item),
		deadlines:  make(map[string][]deadline.Deadline),
		raised:     make(map[string]struct{}),
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithItemStore enables write-through persistence of routed items.
func (e *Engine) WithItemStore(store ItemStore) *Engine {
	e.store = store
	return e
}

// Restore rebuilds the in-memory queues from the item store, typically at boot.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	items, err := e.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, item := range items {
		copied := item
		e.items[item.DisputeID] = &copied
	}
	return nil
}

// persist writes the item through to the store; a store failure must not
// break queue bookkeeping, so it is audited and swallowed.
func (e *Engine) persist(ctx context.Context, item Item) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(ctx, item); err != nil {
		_ = e.auditEntry(ctx, item.DisputeID, audit.ActionRoutingDegraded,
			fmt.Sprintf("routed item not persisted: %v", err), e.now())
	}
}

// RouteTransition implements dispute.Router. It re-evaluates queue ownership
// after each transition, registers the dispute's deadlines for missed-deadline
// tracking, and clears everything once the dispute settles.
func (e *Engine) RouteTransition(ctx context.Context, d dispute.Dispute, out dispute.Outcome) error {
	now := e.now()

	if d.Status.Terminal() || d.Status == dispute.StatusApproved || d.Status == dispute.StatusDenied {
		e.mu.Lock()
		var cleared *Item
		if item, ok := e.items[d.ID]; ok {
			item.Queue = QueueNone
			item.State = ItemNone
			copied := *item
			cleared = &copied
		}
		delete(e.deadlines, d.ID)
		e.clearRaisedLocked(d.ID)
		e.mu.Unlock()
		if cleared != nil {
			e.persist(ctx, *cleared)
		}
		return e.auditDecision(ctx, d.ID, QueueNone, "dispute settled", now)
	}

	queue, reason, degraded := e.decide(ctx, d, out)

	e.mu.Lock()
	item, ok := e.items[d.ID]
	if !ok {
		item = &Item{DisputeID: d.ID}
		e.items[d.ID] = item
	}
	item.Queue = queue
	item.State = ItemQueued
	item.Reason = reason
	item.AssignedAt = now
	item.AcknowledgedAt = nil
	item.ActionedAt = nil
	e.deadlines[d.ID] = append([]deadline.Deadline(nil), d.Deadlines...)
	e.clearRaisedLocked(d.ID)
	snapshot := *item
	e.mu.Unlock()
	e.persist(ctx, snapshot)

	if degraded != nil {
		if err := e.auditEntry(ctx, d.ID, audit.ActionRoutingDegraded,
			fmt.Sprintf("classification unavailable, conservative routing: %v", degraded), now); err != nil {
			return err
		}
	}
	return e.auditDecision(ctx, d.ID, queue, reason, now)
}

// decide applies the routing rules in order; first match wins. A classifier
// failure is reported as the degraded error and routes to manager.
func (e *Engine) decide(ctx context.Context, d dispute.Dispute, out dispute.Outcome) (Queue, string, error) {
	// Escalation statuses carry their queue with them.
	switch d.Status {
	case dispute.StatusEscalatedSpecialist:
		return QueueSpecialist, "escalated to specialist", nil
	case dispute.StatusEscalatedManager:
		return QueueManager, "escalated to manager", nil
	}

	// Rule 1 needs no scoring call.
	if out.RequiresManualClassification {
		return QueueSpecialist, "requires manual classification", nil
	}
	if d.Instrument == deadline.InstrumentCredit && !e.cfg.automatable(d.Reason) {
		return QueueSpecialist, fmt.Sprintf("credit instrument with reason %s", d.Reason), nil
	}

	// A score supplied with the transition stands in for the collaborator.
	var (
		cls      Classification
		degraded error
	)
	if out.ConfidenceSupplied {
		cls = Classification{Confidence: out.Confidence}
	} else {
		cls, degraded = e.classify(ctx, d)
	}
	if degraded != nil {
		return QueueManager, "classification collaborator unavailable", degraded
	}
	if cls.RequiresManualClassification {
		return QueueSpecialist, "requires manual classification", nil
	}
	if cls.Confidence < e.cfg.ConfidenceThreshold {
		return QueueManager, fmt.Sprintf("confidence %.2f below threshold", cls.Confidence), nil
	}
	if d.AmountMinor > e.cfg.HighValueMinor {
		return QueueManager, "high-value dispute", nil
	}
	return QueueAuto, "straight-through", nil
}

func (e *Engine) classify(ctx context.Context, d dispute.Dispute) (Classification, error) {
	if e.classifier == nil {
		return Classification{}, dispute.ErrDownstreamUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ClassifierTimeout)
	defer cancel()
	cls, err := e.classifier.Score(ctx, d)
	if err != nil {
		return Classification{}, fmt.Errorf("%w: %v", dispute.ErrDownstreamUnavailable, err)
	}
	return cls, nil
}

// Acknowledge marks a queued item as picked up by its queue's operator.
func (e *Engine) Acknowledge(ctx context.Context, disputeID string) error {
	now := e.now()
	e.mu.Lock()
	item, ok := e.items[disputeID]
	if !ok || item.State == ItemNone {
		e.mu.Unlock()
		return ErrItemNotFound
	}
	if item.State != ItemQueued {
		e.mu.Unlock()
		return fmt.Errorf("%w: acknowledge in %s", ErrItemState, item.State)
	}
	item.State = ItemAcknowledged
	item.AcknowledgedAt = &now
	q := item.Queue
	snapshot := *item
	e.clearRaisedLocked(disputeID)
	e.mu.Unlock()
	e.persist(ctx, snapshot)
	return e.auditEntry(ctx, disputeID, audit.ActionRoutingDecision,
		fmt.Sprintf("item acknowledged on %s queue", q), now)
}

// Action marks an acknowledged item as worked.
func (e *Engine) Action(ctx context.Context, disputeID string) error {
	now := e.now()
	e.mu.Lock()
	item, ok := e.items[disputeID]
	if !ok || item.State == ItemNone {
		e.mu.Unlock()
		return ErrItemNotFound
	}
	if item.State != ItemAcknowledged {
		e.mu.Unlock()
		return fmt.Errorf("%w: action in %s", ErrItemState, item.State)
	}
	item.State = ItemActioned
	item.ActionedAt = &now
	q := item.Queue
	snapshot := *item
	e.mu.Unlock()
	e.persist(ctx, snapshot)
	return e.auditEntry(ctx, disputeID, audit.ActionRoutingDecision,
		fmt.Sprintf("item actioned on %s queue", q), now)
}

// Reopen is the single permitted backward move: an actioned item returns to
// queued, optionally on a different queue (manager sending a case back to
// specialist).
func (e *Engine) Reopen(ctx context.Context, disputeID string, target Queue) error {
	now := e.now()
	e.mu.Lock()
	item, ok := e.items[disputeID]
	if !ok || item.State == ItemNone {
		e.mu.Unlock()
		return ErrItemNotFound
	}
	if item.State != ItemActioned {
		e.mu.Unlock()
		return fmt.Errorf("%w: reopen in %s", ErrItemState, item.State)
	}
	if target != "" {
		item.Queue = target
	}
	item.State = ItemQueued
	item.AssignedAt = now
	item.AcknowledgedAt = nil
	item.ActionedAt = nil
	q := item.Queue
	snapshot := *item
	e.clearRaisedLocked(disputeID)
	e.mu.Unlock()
	e.persist(ctx, snapshot)
	return e.auditEntry(ctx, disputeID, audit.ActionRoutingDecision,
		fmt.Sprintf("item reopened on %s queue", q), now)
}

// Item returns a copy of the routed item for a dispute.
func (e *Engine) Item(disputeID string) (Item, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	item, ok := e.items[disputeID]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

// QueueDepth reports how many items are queued (not yet acknowledged) on q.
func (e *Engine) QueueDepth(q Queue) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queueDepthLocked(q)
}

func (e *Engine) queueDepthLocked(q Queue) int {
	n := 0
	for _, item := range e.items {
		if item.Queue == q && item.State == ItemQueued {
			n++
		}
	}
	return n
}

// Tick scans outstanding items and registered deadlines as of now. Each
// breach condition is raised once per (item, signal-kind) until the item
// changes state; a delivery that exhausts its retries clears the mark so the
// next tick re-attempts instead of silently dropping the breach.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	var signals []pendingSignal

	e.mu.Lock()
	for id, item := range e.items {
		if item.State != ItemQueued || item.AssignedAt.IsZero() {
			continue
		}
		window := e.cfg.ackWindow(item.Queue)
		if now.After(item.AssignedAt.Add(window)) {
			key := raisedKey(id, SignalSlaBreach, "")
			if _, done := e.raised[key]; !done {
				e.raised[key] = struct{}{}
				signals = append(signals, pendingSignal{
					key: key,
					sig: Signal{
						DisputeID:  id,
						Kind:       SignalSlaBreach,
						Detail:     fmt.Sprintf("%s queue acknowledgment window (%s) exceeded", item.Queue, window),
						OccurredAt: now,
					},
				})
			}
		}
	}

	for _, q := range []Queue{QueueAuto, QueueSpecialist, QueueManager} {
		depth := e.queueDepthLocked(q)
		key := raisedKey(string(q), SignalQueueBacklog, "")
		if depth > e.cfg.BacklogThreshold {
			if _, done := e.raised[key]; !done {
				e.raised[key] = struct{}{}
				signals = append(signals, pendingSignal{
					key: key,
					sig: Signal{
						Kind:       SignalQueueBacklog,
						Detail:     fmt.Sprintf("%s queue depth %d exceeds threshold %d", q, depth, e.cfg.BacklogThreshold),
						OccurredAt: now,
					},
				})
			}
		} else {
			delete(e.raised, key)
		}
	}

	for id, dls := range e.deadlines {
		for _, dl := range dls {
			if dl.Satisfied || !now.After(dl.DueAt) {
				continue
			}
			key := raisedKey(id, SignalDeadlineMissed, dl.Label)
			if _, done := e.raised[key]; done {
				continue
			}
			e.raised[key] = struct{}{}
			signals = append(signals, pendingSignal{
				key: key,
				sig: Signal{
					DisputeID:  id,
					Kind:       SignalDeadlineMissed,
					Detail:     fmt.Sprintf("%s (%s) deadline missed, was due %s", dl.Label, dl.Regulation, dl.DueAt.Format(time.RFC3339)),
					OccurredAt: now,
				},
			})
		}
	}
	e.mu.Unlock()

	for _, ps := range signals {
		if ps.sig.DisputeID != "" {
			_ = e.auditEntry(ctx, ps.sig.DisputeID, audit.ActionSignalRaised,
				fmt.Sprintf("%s: %s", ps.sig.Kind, ps.sig.Detail), now)
		}
		e.dispatch(ps)
	}
}

// RaiseGuardrailViolation implements dispute.Alerter. Each violation is a
// distinct occurrence, so no dedup applies.
func (e *Engine) RaiseGuardrailViolation(_ context.Context, disputeID, detail string, occurredAt time.Time) {
	e.dispatch(pendingSignal{sig: Signal{
		DisputeID:  disputeID,
		Kind:       SignalGuardrailViolation,
		Detail:     detail,
		OccurredAt: occurredAt,
	}})
}

// Flush waits for in-flight signal deliveries; used on shutdown and in tests.
func (e *Engine) Flush() {
	e.inflight.Wait()
}

type pendingSignal struct {
	key string
	sig Signal
}

// dispatch delivers one signal without blocking the caller. Retries are
// bounded; on exhaustion the raised mark (if any) is cleared so the condition
// is re-raised on the next tick.
func (e *Engine) dispatch(ps pendingSignal) {
	if e.notifier == nil {
		return
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.NotifyTimeout)
		defer cancel()

		op := func() error { return e.notifier.Notify(ctx, ps.sig) }
		policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.cfg.NotifyRetries)
		if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
			if ps.key != "" {
				e.mu.Lock()
				delete(e.raised, ps.key)
				e.mu.Unlock()
			}
		}
	}()
}

func (e *Engine) clearRaisedLocked(disputeID string) {
	for key := range e.raised {
		if len(key) > len(disputeID) && key[:len(disputeID)+1] == disputeID+"|" {
			delete(e.raised, key)
		}
	}
}

func raisedKey(scope string, kind SignalKind, extra string) string {
	return fmt.Sprintf("%s|%s|%s", scope, kind, extra)
}

func (e *Engine) auditDecision(ctx context.Context, disputeID string, q Queue, reason string, now time.Time) error {
	return e.auditEntry(ctx, disputeID, audit.ActionRoutingDecision,
		fmt.Sprintf("queue=%s reason=%s", q, reason), now)
}

func (e *Engine) auditEntry(ctx context.Context, disputeID, action, detail string, now time.Time) error {
	if e.log == nil {
		return nil
	}
	if _, err := e.log.Append(ctx, audit.Entry{
		DisputeID:  disputeID,
		Actor:      "routing",
		Action:     action,
		Detail:     detail,
		OccurredAt: now,
	}); err != nil {
		return fmt.Errorf("routing: append audit: %w", err)
	}
	return nil
}
