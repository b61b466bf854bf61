// Package audit is the append-only record of every transition, routing
// decision, and guardrail rejection. Entries are keyed by dispute id with a
// per-dispute monotonically increasing sequence, so causally dependent events
// for one dispute are never reordered even under concurrent appends.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Well-known action names recorded by the core.
const (
	ActionDisputeCreated     = "DISPUTE_CREATED"
	ActionStatusChanged      = "STATUS_CHANGED"
	ActionEvidenceAccepted   = "EVIDENCE_ACCEPTED"
	ActionGuardrailRejection = "GUARDRAIL_REJECTION"
	ActionRoutingDecision    = "ROUTING_DECISION"
	ActionRoutingDegraded    = "ROUTING_DEGRADED"
	ActionSignalRaised       = "SIGNAL_RAISED"
	ActionEventIgnored       = "EVENT_IGNORED"
)

// Entry is one immutable audit record.
type Entry struct {
	DisputeID  string
	Seq        int64
	Actor      string
	Action     string
	Detail     string
	OccurredAt time.Time
}

// Log is the append-only sink. Append assigns the entry's sequence number;
// List returns entries for one dispute in sequence order.
type Log interface {
	Append(ctx context.Context, e Entry) (Entry, error)
	List(ctx context.Context, disputeID string, afterSeq int64, limit int) ([]Entry, error)
}

// MemoryLog is the in-process Log used by the service and tests.
type MemoryLog struct {
	mu      sync.Mutex
	entries map[string][]Entry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: make(map[string][]Entry)}
}

func (l *MemoryLog) Append(_ context.Context, e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := int64(len(l.entries[e.DisputeID])) + 1
	e.Seq = seq
	l.entries[e.DisputeID] = append(l.entries[e.DisputeID], e)
	return e, nil
}

func (l *MemoryLog) List(_ context.Context, disputeID string, afterSeq int64, limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := l.entries[disputeID]
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of entries recorded for the dispute.
func (l *MemoryLog) Count(disputeID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries[disputeID])
}
