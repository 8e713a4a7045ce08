// Package memory is an in-process, map-backed Store used by engine unit
// tests so the modify/commit/resolve state machine can be exercised
// without a database. It simulates transactional rollback by
// snapshotting state before each WithTx call and restoring it if fn
// returns an error — there are no partial-write semantics to test here,
// only the engines' own transaction boundaries.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/store"
)

// Store is a thread-safe, in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	channels    map[string]domain.Channel // by code
	sessions    map[string]domain.Session // by session_key
	orders      map[string]domain.Order   // by ref
	directives  map[string]domain.Directive
	idempotency map[string]domain.IdempotencyKey // scope|key
	refs        map[string]domain.Ref
	sequences   map[string]domain.RefSequence // sequence_name|scope_hash
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		channels:    map[string]domain.Channel{},
		sessions:    map[string]domain.Session{},
		orders:      map[string]domain.Order{},
		directives:  map[string]domain.Directive{},
		idempotency: map[string]domain.IdempotencyKey{},
		refs:        map[string]domain.Ref{},
		sequences:   map[string]domain.RefSequence{},
	}
}

// SeedChannel registers a channel for tests, bypassing transactions.
func (s *Store) SeedChannel(c domain.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.channels[c.Code] = c
}

type snapshot struct {
	channels    map[string]domain.Channel
	sessions    map[string]domain.Session
	orders      map[string]domain.Order
	directives  map[string]domain.Directive
	idempotency map[string]domain.IdempotencyKey
	refs        map[string]domain.Ref
	sequences   map[string]domain.RefSequence
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) snapshotLocked() snapshot {
	return snapshot{
		channels:    cloneMap(s.channels),
		sessions:    cloneMap(s.sessions),
		orders:      cloneMap(s.orders),
		directives:  cloneMap(s.directives),
		idempotency: cloneMap(s.idempotency),
		refs:        cloneMap(s.refs),
		sequences:   cloneMap(s.sequences),
	}
}

func (s *Store) restoreLocked(snap snapshot) {
	s.channels = snap.channels
	s.sessions = snap.sessions
	s.orders = snap.orders
	s.directives = snap.directives
	s.idempotency = snap.idempotency
	s.refs = snap.refs
	s.sequences = snap.sequences
}

// WithTx runs fn against the live store under the store's single mutex,
// restoring a pre-call snapshot if fn returns an error.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshotLocked()
	tx := &txImpl{s: s}
	if err := fn(ctx, tx); err != nil {
		s.restoreLocked(snap)
		return err
	}
	return nil
}

func (s *Store) Close() error { return nil }

func (s *Store) CleanupIdempotencyKeys(ctx context.Context, sel store.IdempotencyCleanup) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, k := range s.idempotency {
		swept := false
		switch k.Status {
		case domain.IdempotencyDone, domain.IdempotencyFailed:
			swept = k.CreatedAt.Before(sel.DoneFailedBefore)
		case domain.IdempotencyInProgress:
			swept = sel.InProgressBefore != nil && k.CreatedAt.Before(*sel.InProgressBefore)
		}
		if !swept && k.ExpiresAt.Before(sel.ExpiredAsOf) {
			swept = true
		}
		if swept {
			n++
			if !sel.DryRun {
				delete(s.idempotency, key)
			}
		}
	}
	return n, nil
}

func (s *Store) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayOrder < out[j].DisplayOrder })
	return out, nil
}

func (s *Store) GetChannelByCode(ctx context.Context, code string) (*domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) GetSessionByKey(ctx context.Context, sessionKey string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sess, nil
}

func (s *Store) ListSessions(ctx context.Context, channelCode string) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var channelID string
	if channelCode != "" {
		c, ok := s.channels[channelCode]
		if !ok {
			return nil, nil
		}
		channelID = c.ID
	}
	out := make([]domain.Session, 0)
	for _, sess := range s.sessions {
		if channelCode != "" && sess.ChannelID != channelID {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *Store) GetOrderByRef(ctx context.Context, ref string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[ref]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (s *Store) ListOrders(ctx context.Context) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListDirectives(ctx context.Context) ([]domain.Directive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Directive, 0, len(s.directives))
	for _, d := range s.directives {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// txImpl implements store.Tx directly against the parent Store's maps.
// The parent's mutex is already held for the whole WithTx call, which is
// what a real FOR UPDATE transaction provides for the rows it touches.
type txImpl struct {
	s *Store
}

func (t *txImpl) GetChannelByCode(ctx context.Context, code string) (*domain.Channel, error) {
	c, ok := t.s.channels[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (t *txImpl) GetSessionForUpdate(ctx context.Context, channelID, sessionKey string) (*domain.Session, error) {
	sess, ok := t.s.sessions[sessionKey]
	if !ok || sess.ChannelID != channelID {
		return nil, store.ErrNotFound
	}
	return &sess, nil
}

func (t *txImpl) GetOpenSessionForHandle(ctx context.Context, channelID, handleType, handleRef string) (*domain.Session, error) {
	for _, sess := range t.s.sessions {
		if sess.ChannelID == channelID && sess.HandleType == handleType && sess.HandleRef == handleRef && sess.State == domain.SessionOpen {
			s := sess
			return &s, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *txImpl) CreateSession(ctx context.Context, s *domain.Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	t.s.sessions[s.SessionKey] = *s
	return nil
}

func (t *txImpl) SaveSession(ctx context.Context, s *domain.Session) error {
	t.s.sessions[s.SessionKey] = *s
	return nil
}

func (t *txImpl) GetOrderBySessionKey(ctx context.Context, sessionKey string) (*domain.Order, error) {
	for _, o := range t.s.orders {
		if o.SessionKey == sessionKey {
			out := o
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *txImpl) GetOrderByRefForUpdate(ctx context.Context, ref string) (*domain.Order, error) {
	o, ok := t.s.orders[ref]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (t *txImpl) CreateOrder(ctx context.Context, o *domain.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	t.s.orders[o.Ref] = *o
	return nil
}

func (t *txImpl) SaveOrder(ctx context.Context, o *domain.Order) error {
	t.s.orders[o.Ref] = *o
	return nil
}

func (t *txImpl) CreateOrderItems(ctx context.Context, items []domain.OrderItem) error {
	// OrderItems are carried on the Order's in-memory Snapshot for this
	// test double; a real store persists them as independent rows (see
	// store/postgres). Nothing to do here beyond id assignment.
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.NewString()
		}
	}
	return nil
}

func (t *txImpl) CreateOrderEvent(ctx context.Context, ev *domain.OrderEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return nil
}

func (t *txImpl) EnqueueDirective(ctx context.Context, d *domain.Directive) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = domain.DirectiveQueued
	}
	t.s.directives[d.ID] = *d
	return nil
}

func (t *txImpl) SaveDirective(ctx context.Context, d *domain.Directive) error {
	t.s.directives[d.ID] = *d
	return nil
}

func (t *txImpl) ClaimQueuedDirectives(ctx context.Context, topics []string, limit int, now time.Time) ([]domain.Directive, error) {
	allow := map[string]bool{}
	for _, tp := range topics {
		allow[tp] = true
	}
	var candidates []domain.Directive
	for _, d := range t.s.directives {
		if d.Status != domain.DirectiveQueued {
			continue
		}
		if len(allow) > 0 && !allow[d.Topic] {
			continue
		}
		if d.AvailableAt.After(now) {
			continue
		}
		candidates = append(candidates, d)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].AvailableAt.Equal(candidates[j].AvailableAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].AvailableAt.Before(candidates[j].AvailableAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for _, d := range candidates {
		d.Status = domain.DirectiveRunning
		d.Attempts++
		t.s.directives[d.ID] = d
	}
	return candidates, nil
}

func idemKey(scope, key string) string { return scope + "|" + key }

func (t *txImpl) GetIdempotencyKeyForUpdate(ctx context.Context, scope, key string) (*domain.IdempotencyKey, error) {
	k, ok := t.s.idempotency[idemKey(scope, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &k, nil
}

func (t *txImpl) CreateIdempotencyKey(ctx context.Context, k *domain.IdempotencyKey) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	t.s.idempotency[idemKey(k.Scope, k.Key)] = *k
	return nil
}

func (t *txImpl) SaveIdempotencyKey(ctx context.Context, k *domain.IdempotencyKey) error {
	t.s.idempotency[idemKey(k.Scope, k.Key)] = *k
	return nil
}

func refScopeMatches(r domain.Ref, scope domain.RefScope) bool {
	if len(r.Scope) != len(scope) {
		return false
	}
	for k, v := range scope {
		if r.Scope[k] != v {
			return false
		}
	}
	return true
}

func (t *txImpl) GetRefsForUpdate(ctx context.Context, refType, value string, scope domain.RefScope) ([]domain.Ref, error) {
	var out []domain.Ref
	for _, r := range t.s.refs {
		if r.RefType == refType && r.Value == value && refScopeMatches(r, scope) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *txImpl) GetActiveRefsForTarget(ctx context.Context, targetKind domain.TargetKind, targetID string) ([]domain.Ref, error) {
	var out []domain.Ref
	for _, r := range t.s.refs {
		if r.TargetID == targetID && r.IsActive && (r.TargetKind == targetKind || targetKind == domain.TargetBoth) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *txImpl) CreateRef(ctx context.Context, r *domain.Ref) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	t.s.refs[r.ID] = *r
	return nil
}

func (t *txImpl) SaveRef(ctx context.Context, r *domain.Ref) error {
	t.s.refs[r.ID] = *r
	return nil
}

func (t *txImpl) ResolveActiveRef(ctx context.Context, refType, value string, scope domain.RefScope) (*domain.Ref, error) {
	for _, r := range t.s.refs {
		if r.RefType == refType && r.Value == value && r.IsActive && refScopeMatches(r, scope) {
			out := r
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func seqKey(name, scopeHash string) string { return name + "|" + scopeHash }

func (t *txImpl) GetRefSequenceForUpdate(ctx context.Context, sequenceName, scopeHash string) (*domain.RefSequence, error) {
	s, ok := t.s.sequences[seqKey(sequenceName, scopeHash)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

func (t *txImpl) UpsertRefSequence(ctx context.Context, s *domain.RefSequence) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	t.s.sequences[seqKey(s.SequenceName, s.ScopeHash)] = *s
	return nil
}
