package domain

import "time"

// TargetKind is what a Ref points at.
type TargetKind string

const (
	TargetSession TargetKind = "SESSION"
	TargetOrder   TargetKind = "ORDER"
	TargetBoth    TargetKind = "BOTH"
)

// Accepts reports whether a ref type declaring TargetKind t may be
// attached to a concrete target of kind other.
func (t TargetKind) Accepts(other TargetKind) bool {
	if t == TargetBoth {
		return true
	}
	return t == other
}

// RefScope is a small key/value bag narrowing a ref's uniqueness and
// lookup space (e.g. {"store": "SP01"}).
type RefScope map[string]string

// RefTypeDef is declared at process start, one per distinct kind of
// external locator (table ticket number, marketplace order id, ...).
type RefTypeDef struct {
	Slug                  string     `json:"slug"`
	Label                 string     `json:"label"`
	TargetKind            TargetKind `json:"target_kind"`
	ScopeKeys             []string   `json:"scope_keys"`
	UniqueWhileActive     bool       `json:"unique_while_active"`
	ExpiresOnSessionClose bool       `json:"expires_on_session_close"`
	CopyToOrder           bool       `json:"copy_to_order"`
}

// Ref is a scoped locator attached to a session or order.
type Ref struct {
	ID         string    `json:"id" db:"id"`
	RefType    string    `json:"ref_type" db:"ref_type"`
	TargetKind TargetKind `json:"target_kind" db:"target_kind"`
	TargetID   string    `json:"target_id" db:"target_id"`
	Value      string    `json:"value" db:"value"`
	Scope      RefScope  `json:"scope" db:"-"`
	IsActive   bool      `json:"is_active" db:"is_active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// RefSequence is a counter row keyed by (sequence_name, scope_hash),
// allocated under FOR UPDATE to hand out sequential ref values.
type RefSequence struct {
	ID           string `json:"id" db:"id"`
	SequenceName string `json:"sequence_name" db:"sequence_name"`
	ScopeHash    string `json:"scope_hash" db:"scope_hash"`
	CurrentValue int64  `json:"current_value" db:"current_value"`
}
