package domain

import "time"

// DirectiveStatus tracks a queue item through the worker loop.
type DirectiveStatus string

const (
	DirectiveQueued  DirectiveStatus = "queued"
	DirectiveRunning DirectiveStatus = "running"
	DirectiveDone    DirectiveStatus = "done"
	DirectiveFailed  DirectiveStatus = "failed"
)

// Directive is a durable at-least-once work item. Workers poll rows
// where Status=queued and Topic is one they handle and AvailableAt has
// passed, ordered by (available_at, id).
type Directive struct {
	ID          string                 `json:"id" db:"id"`
	Topic       string                 `json:"topic" db:"topic"`
	Status      DirectiveStatus        `json:"status" db:"status"`
	Payload     map[string]interface{} `json:"payload" db:"-"`
	Attempts    int                    `json:"attempts" db:"attempts"`
	AvailableAt time.Time              `json:"available_at" db:"available_at"`
	LastError   string                 `json:"last_error,omitempty" db:"last_error"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at" db:"updated_at"`
}
