package routing

import (
	"context"
	"errors"
	"time"

	"disputeflow/dispute"
)

// Queue identifies who owns the next action on a routed case.
type Queue string

const (
	QueueNone       Queue = "none"
	QueueAuto       Queue = "auto"
	QueueSpecialist Queue = "specialist"
	QueueManager    Queue = "manager"
)

// ItemState is the lifecycle of one routed item. The only backward move is
// actioned -> queued through an explicit Reopen.
type ItemState string

const (
	ItemNone         ItemState = "none"
	ItemQueued       ItemState = "queued"
	ItemAcknowledged ItemState = "acknowledged"
	ItemActioned     ItemState = "actioned"
)

// Item is the engine's record of queue ownership for one dispute. Queues are
// owned collections inside the engine; nothing outside mutates membership.
type Item struct {
	DisputeID      string
	Queue          Queue
	State          ItemState
	Reason         string
	AssignedAt     time.Time
	AcknowledgedAt *time.Time
	ActionedAt     *time.Time
}

// SignalKind names the alert conditions delivered to the external notifier.
type SignalKind string

const (
	SignalSlaBreach          SignalKind = "sla_breach"
	SignalQueueBacklog       SignalKind = "queue_backlog"
	SignalDeadlineMissed     SignalKind = "deadline_missed"
	SignalGuardrailViolation SignalKind = "guardrail_violation"
)

// Signal is one alert for the notifier collaborator.
type Signal struct {
	DisputeID  string
	Kind       SignalKind
	Detail     string
	OccurredAt time.Time
}

// Notifier delivers signals externally. Delivery is fire-and-forget with
// bounded retries; a failed delivery is re-attempted on the next tick.
type Notifier interface {
	Notify(ctx context.Context, sig Signal) error
}

// Classification is the scoring collaborator's verdict on a dispute.
type Classification struct {
	Confidence                   float64
	RequiresManualClassification bool
}

// Classifier is the external fraud/evidence scoring collaborator. When it is
// unreachable the engine defaults to the most conservative routing.
type Classifier interface {
	Score(ctx context.Context, d dispute.Dispute) (Classification, error)
}

// ItemStore persists routed items across restarts. The engine treats it as
// write-through state: the in-memory map stays authoritative.
type ItemStore interface {
	Save(ctx context.Context, item Item) error
	LoadAll(ctx context.Context) ([]Item, error)
}

var (
	// ErrItemNotFound is returned for operations on an unrouted dispute.
	ErrItemNotFound = errors.New("routing: item not found")
	// ErrItemState is returned when an item operation is not valid for the
	// item's current state.
	ErrItemState = errors.New("routing: invalid item state")
)

// Config carries the engine's thresholds and windows. Zero values fall back
// to the defaults below.
type Config struct {
	ConfidenceThreshold float64
	HighValueMinor      int64
	AutomatableReasons  []dispute.Reason
	SpecialistAckWindow time.Duration
	ManagerAckWindow    time.Duration
	AutoAckWindow       time.Duration
	BacklogThreshold    int
	ClassifierTimeout   time.Duration
	NotifyRetries       uint64
	NotifyTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.75
	}
	if c.HighValueMinor == 0 {
		c.HighValueMinor = 100_000
	}
	if c.AutomatableReasons == nil {
		c.AutomatableReasons = []dispute.Reason{
			dispute.ReasonDuplicate,
			dispute.ReasonCreditNotProcessed,
			dispute.ReasonSubscriptionCancelled,
		}
	}
	if c.SpecialistAckWindow == 0 {
		c.SpecialistAckWindow = 4 * time.Hour
	}
	if c.ManagerAckWindow == 0 {
		c.ManagerAckWindow = 2 * time.Hour
	}
	if c.AutoAckWindow == 0 {
		c.AutoAckWindow = 24 * time.Hour
	}
	if c.BacklogThreshold == 0 {
		c.BacklogThreshold = 25
	}
	if c.ClassifierTimeout == 0 {
		c.ClassifierTimeout = 2 * time.Second
	}
	if c.NotifyRetries == 0 {
		c.NotifyRetries = 3
	}
	if c.NotifyTimeout == 0 {
		c.NotifyTimeout = 5 * time.Second
	}
	return c
}

func (c Config) automatable(r dispute.Reason) bool {
	for _, a := range c.AutomatableReasons {
		if a == r {
			return true
		}
	}
	return false
}

func (c Config) ackWindow(q Queue) time.Duration {
	switch q {
	case QueueSpecialist:
		return c.SpecialistAckWindow
	case QueueManager:
		return c.ManagerAckWindow
	default:
		return c.AutoAckWindow
	}
}
