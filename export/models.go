package export

import "time"

// Scope limits what a feed consumer may read.
type Scope string

const (
	// ScopeAudit grants read access to the full audit feed.
	ScopeAudit Scope = "audit"
	// ScopeSummary grants read access to dispute snapshots only.
	ScopeSummary Scope = "summary"
)

// Consumer is a registered downstream system pulling the audit feed, e.g. a
// regulatory reporting pipeline or the bank's case-management UI.
type Consumer struct {
	ID        string
	Name      string
	KeyHash   string
	Scope     Scope
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RegisterRequest contains consumer registration data supplied by operators.
type RegisterRequest struct {
	Name   string `json:"name"`
	APIKey string `json:"api_key"`
	Scope  Scope  `json:"scope"`
}

// FeedPage is one page of the audit feed for a dispute. NextSeq is the cursor
// for the following page; callers pass it back as afterSeq.
type FeedPage struct {
	DisputeID string
	Entries   []FeedEntry
	NextSeq   int64
}

// FeedEntry is the externally visible projection of one audit record.
type FeedEntry struct {
	Seq        int64     `json:"seq"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurred_at"`
}
