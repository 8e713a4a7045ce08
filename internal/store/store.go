// Package store declares the persistence contract every write engine
// programs against. Every engine's write path is "begin a transaction,
// take a row lock on the target entity, mutate, commit" — WithTx is the
// single seam that captures that shape regardless of backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/omniman/kernel/internal/domain"
)

// ErrNotFound is returned by lookup methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// Tx is the set of row-level operations available inside one
// transaction. Every Get*ForUpdate method takes a row lock that is held
// until the transaction commits or rolls back.
type Tx interface {
	GetChannelByCode(ctx context.Context, code string) (*domain.Channel, error)

	GetSessionForUpdate(ctx context.Context, channelID, sessionKey string) (*domain.Session, error)
	GetOpenSessionForHandle(ctx context.Context, channelID, handleType, handleRef string) (*domain.Session, error)
	CreateSession(ctx context.Context, s *domain.Session) error
	SaveSession(ctx context.Context, s *domain.Session) error

	GetOrderBySessionKey(ctx context.Context, sessionKey string) (*domain.Order, error)
	GetOrderByRefForUpdate(ctx context.Context, ref string) (*domain.Order, error)
	CreateOrder(ctx context.Context, o *domain.Order) error
	SaveOrder(ctx context.Context, o *domain.Order) error
	CreateOrderItems(ctx context.Context, items []domain.OrderItem) error
	CreateOrderEvent(ctx context.Context, ev *domain.OrderEvent) error

	EnqueueDirective(ctx context.Context, d *domain.Directive) error
	SaveDirective(ctx context.Context, d *domain.Directive) error
	ClaimQueuedDirectives(ctx context.Context, topics []string, limit int, now time.Time) ([]domain.Directive, error)

	GetIdempotencyKeyForUpdate(ctx context.Context, scope, key string) (*domain.IdempotencyKey, error)
	CreateIdempotencyKey(ctx context.Context, k *domain.IdempotencyKey) error
	SaveIdempotencyKey(ctx context.Context, k *domain.IdempotencyKey) error

	GetRefsForUpdate(ctx context.Context, refType, value string, scope domain.RefScope) ([]domain.Ref, error)
	GetActiveRefsForTarget(ctx context.Context, targetKind domain.TargetKind, targetID string) ([]domain.Ref, error)
	CreateRef(ctx context.Context, r *domain.Ref) error
	SaveRef(ctx context.Context, r *domain.Ref) error
	ResolveActiveRef(ctx context.Context, refType, value string, scope domain.RefScope) (*domain.Ref, error)

	GetRefSequenceForUpdate(ctx context.Context, sequenceName, scopeHash string) (*domain.RefSequence, error)
	UpsertRefSequence(ctx context.Context, s *domain.RefSequence) error
}

// IdempotencyCleanup selects which idempotency rows a sweep removes:
// done/failed rows created before DoneFailedBefore, rows whose
// expires_at precedes ExpiredAsOf, and — when InProgressBefore is
// non-nil — orphan in_progress rows created before it. DryRun counts
// without deleting.
type IdempotencyCleanup struct {
	DoneFailedBefore time.Time
	ExpiredAsOf      time.Time
	InProgressBefore *time.Time
	DryRun           bool
}

// Store is the top-level handle a process wires up at startup. WithTx
// runs fn inside a single transaction, committing on nil error and
// rolling back otherwise.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// CleanupIdempotencyKeys deletes (or, under DryRun, counts) the rows
	// selected by sel, returning how many were affected.
	CleanupIdempotencyKeys(ctx context.Context, sel IdempotencyCleanup) (int64, error)

	// Read-only convenience paths that don't need row locks; used by the
	// HTTP surface's list/get endpoints.
	ListChannels(ctx context.Context) ([]domain.Channel, error)
	GetChannelByCode(ctx context.Context, code string) (*domain.Channel, error)
	GetSessionByKey(ctx context.Context, sessionKey string) (*domain.Session, error)
	ListSessions(ctx context.Context, channelCode string) ([]domain.Session, error)
	GetOrderByRef(ctx context.Context, ref string) (*domain.Order, error)
	ListOrders(ctx context.Context) ([]domain.Order, error)
	ListDirectives(ctx context.Context) ([]domain.Directive, error)

	Close() error
}
