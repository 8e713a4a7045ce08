package domain

import "time"

// IdempotencyStatus tracks a commit's idempotency lock row.
type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyDone       IdempotencyStatus = "done"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyKey is a uniqueness record keyed by (scope, key) guarding a
// single logical operation — in this kernel, always a commit.
type IdempotencyKey struct {
	ID           string                 `json:"id" db:"id"`
	Scope        string                 `json:"scope" db:"scope"`
	Key          string                 `json:"key" db:"key"`
	Status       IdempotencyStatus      `json:"status" db:"status"`
	ResponseCode int                    `json:"response_code,omitempty" db:"response_code"`
	ResponseBody map[string]interface{} `json:"response_body,omitempty" db:"-"`
	ExpiresAt    time.Time              `json:"expires_at" db:"expires_at"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at" db:"updated_at"`
}

// IdempotencyLockTTL bounds the blast radius of a crashed commit: a
// lock row older than this is treated as orphaned and reclaimed.
const IdempotencyLockTTL = 24 * time.Hour
