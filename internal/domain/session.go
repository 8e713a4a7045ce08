package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	SessionOpen      SessionState = "open"
	SessionCommitted SessionState = "committed"
	SessionAbandoned SessionState = "abandoned"
)

// SessionItem is one line of a session's cart. Writers always read the
// full ordered slice, mutate it in memory, and write the whole slice
// back; there is no partial per-item persistence path.
type SessionItem struct {
	LineID     string                 `json:"line_id"`
	SKU        string                 `json:"sku"`
	Qty        decimal.Decimal        `json:"qty"`
	UnitPriceQ *int64                 `json:"unit_price_q,omitempty"`
	LineTotalQ *int64                 `json:"line_total_q,omitempty"`
	Name       string                 `json:"name,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// Pricing holds the computed aggregates a modifier stamps onto a
// session after the op/modifier pipeline runs.
type Pricing struct {
	TotalQ     int64 `json:"total_q"`
	ItemsCount int   `json:"items_count"`
}

// PricingTraceEntry is one append-only audit record of a pricing
// decision (e.g. "looked up SKU via PricingBackend", "used caller price").
type PricingTraceEntry struct {
	At     time.Time              `json:"at"`
	Note   string                 `json:"note"`
	Detail map[string]interface{} `json:"detail,omitempty"`
}

// CheckRecord is a computed annotation left on a session by an
// asynchronous worker. Rev pins the record to the session revision it
// was computed against so stale write-backs can be detected.
type CheckRecord struct {
	Rev    int64                  `json:"rev"`
	At     time.Time              `json:"at"`
	Result map[string]interface{} `json:"result"`
}

// Action is a named recipe of modify ops attached to an Issue. Resolving
// an issue means applying exactly one of its actions. Rev pins the
// action to the session revision it was computed against; an action
// whose Rev no longer matches the session is stale.
type Action struct {
	ID  string      `json:"id"`
	Kind string     `json:"kind"`
	Rev int64       `json:"rev"`
	Ops []ModifyOp  `json:"ops"`
}

// Issue is a condition surfaced on a session by a check, with zero or
// more remediation actions. A blocking issue prevents commit.
type Issue struct {
	ID       string                 `json:"id"`
	Source   string                 `json:"source"`
	Code     string                 `json:"code"`
	Blocking bool                   `json:"blocking"`
	Message  string                 `json:"message,omitempty"`
	Actions  []Action               `json:"actions,omitempty"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// SessionData is the structured bag on a session: two kernel-managed
// subkeys (Checks, Issues) plus a free-form caller bag restricted to a
// whitelist of top-level keys enforced by the modify engine's set_data op.
type SessionData struct {
	Checks map[string]CheckRecord `json:"checks"`
	Issues []Issue                `json:"issues"`
	Caller map[string]interface{} `json:"-"`
}

// NewSessionData returns a zero-value SessionData with initialized
// (non-nil) maps/slices, matching the post-modify invalidation
// invariant: empty checks, empty issues.
func NewSessionData() SessionData {
	return SessionData{
		Checks: map[string]CheckRecord{},
		Issues: []Issue{},
		Caller: map[string]interface{}{},
	}
}

// Invalidate clears computed checks and issues, as required after every
// successful modify or resolve call.
func (d *SessionData) Invalidate() {
	d.Checks = map[string]CheckRecord{}
	d.Issues = []Issue{}
}

// Session is a mutable order-in-progress scoped to a channel.
type Session struct {
	ID            string          `json:"id" db:"id"`
	SessionKey    string          `json:"session_key" db:"session_key"`
	ChannelID     string          `json:"channel_id" db:"channel_id"`
	ChannelCode   string          `json:"channel_code" db:"channel_code"`
	HandleType    string          `json:"handle_type,omitempty" db:"handle_type"`
	HandleRef     string          `json:"handle_ref,omitempty" db:"handle_ref"`
	State         SessionState    `json:"state" db:"state"`
	PricingPolicy PricingPolicy   `json:"pricing_policy" db:"pricing_policy"`
	EditPolicy    EditPolicy      `json:"edit_policy" db:"edit_policy"`
	Rev           int64           `json:"rev" db:"rev"`
	Items         []SessionItem   `json:"items" db:"-"`
	Pricing       Pricing         `json:"pricing" db:"-"`
	PricingTrace  []PricingTraceEntry `json:"pricing_trace" db:"-"`
	Data          SessionData     `json:"data" db:"-"`
	OpenedAt      time.Time       `json:"opened_at" db:"opened_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	CommittedAt   *time.Time      `json:"committed_at,omitempty" db:"committed_at"`
	CommitToken   string          `json:"commit_token,omitempty" db:"commit_token"`
}

// ItemByLineID returns the index of the item with the given line id, or
// -1 if not present.
func (s *Session) ItemByLineID(lineID string) int {
	for i := range s.Items {
		if s.Items[i].LineID == lineID {
			return i
		}
	}
	return -1
}

// IssueByID returns a pointer to the issue with the given id, or nil.
func (s *Session) IssueByID(issueID string) *Issue {
	for i := range s.Data.Issues {
		if s.Data.Issues[i].ID == issueID {
			return &s.Data.Issues[i]
		}
	}
	return nil
}
