// Package refsvc implements the refs subsystem: externally
// visible locators — a table's ticket number, a marketplace order id —
// attached to a session or order, with scoped uniqueness and optional
// sequence allocation for minting new values. Ref types are declared at
// process start and held in a read-mostly registry, mirroring the
// read-after-setup discipline of internal/registry.
package refsvc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/omnierr"
	"github.com/omniman/kernel/internal/store"
)

// TypeRegistry holds the ref type definitions declared at process start.
// Like internal/registry, it is populated once and read-mostly
// thereafter; Register takes the write lock and Lookup the read lock.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]domain.RefTypeDef
}

// NewTypeRegistry returns an empty TypeRegistry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: map[string]domain.RefTypeDef{}}
}

// Register adds a ref type definition, failing on a duplicate slug.
func (r *TypeRegistry) Register(def domain.RefTypeDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[def.Slug]; exists {
		return fmt.Errorf("refsvc: duplicate ref type %q", def.Slug)
	}
	r.types[def.Slug] = def
	return nil
}

// Lookup returns the ref type definition for slug.
func (r *TypeRegistry) Lookup(slug string) (domain.RefTypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[slug]
	return def, ok
}

// Clock lets tests pin "now"; production wiring passes time.Now.
type Clock func() time.Time

// Service wires the ref type registry to persistence for attach/resolve/
// deactivate/sequence operations, and implements engine.RefsCarryoverHook
// so the commit engine can invoke it without depending on this package's
// concrete types.
type Service struct {
	Store *TypeRegistry
	DB    store.Store
	Now   Clock
}

// New wires a Service with sane defaults.
func New(db store.Store, types *TypeRegistry) *Service {
	return &Service{Store: types, DB: db, Now: time.Now}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// normalizeValue strips surrounding whitespace and uppercases, per
// attach_ref step 4.
func normalizeValue(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

// restrictScope keeps only the keys the ref type declares.
func restrictScope(scope domain.RefScope, scopeKeys []string) domain.RefScope {
	out := make(domain.RefScope, len(scopeKeys))
	for _, k := range scopeKeys {
		if v, ok := scope[k]; ok {
			out[k] = v
		}
	}
	return out
}

func validateScope(scope domain.RefScope, scopeKeys []string) error {
	for _, k := range scopeKeys {
		if _, ok := scope[k]; !ok {
			return omnierr.Ref("RefScopeInvalid", "scope is missing a required key").WithContext("missing_key", k)
		}
	}
	return nil
}

// AttachRef looks up the ref type,
// validates the target kind and scope, normalizes the value, and
// creates (or returns, idempotently) the ref under a row lock.
func (s *Service) AttachRef(ctx context.Context, targetKind domain.TargetKind, targetID, refTypeSlug, value string, scope domain.RefScope) (*domain.Ref, error) {
	def, ok := s.Store.Lookup(refTypeSlug)
	if !ok {
		return nil, omnierr.Ref("RefTypeNotFound", "unknown ref type").WithContext("ref_type", refTypeSlug)
	}
	if !def.TargetKind.Accepts(targetKind) {
		return nil, omnierr.Ref("RefScopeInvalid", "ref type does not accept this target kind").
			WithContext("ref_type", refTypeSlug).WithContext("target_kind", string(targetKind))
	}
	if err := validateScope(scope, def.ScopeKeys); err != nil {
		return nil, err
	}
	normalized := normalizeValue(value)
	restricted := restrictScope(scope, def.ScopeKeys)

	var result *domain.Ref
	err := s.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		existing, lookupErr := tx.GetRefsForUpdate(ctx, refTypeSlug, normalized, restricted)
		if lookupErr != nil {
			return lookupErr
		}
		if def.UniqueWhileActive {
			for i := range existing {
				if !existing[i].IsActive {
					continue
				}
				if existing[i].TargetKind == targetKind && existing[i].TargetID == targetID {
					result = &existing[i]
					return nil
				}
				return omnierr.Ref("RefConflict", "ref is already attached to a different target").
					WithContext("ref_type", refTypeSlug).WithContext("value", normalized)
			}
		}
		r := &domain.Ref{
			RefType:    refTypeSlug,
			TargetKind: targetKind,
			TargetID:   targetID,
			Value:      normalized,
			Scope:      restricted,
			IsActive:   true,
			CreatedAt:  s.now(),
		}
		if err := tx.CreateRef(ctx, r); err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ResolveRef implements resolve_ref: active rows only, value normalized.
func (s *Service) ResolveRef(ctx context.Context, refTypeSlug, value string, scope domain.RefScope) (domain.TargetKind, string, error) {
	def, ok := s.Store.Lookup(refTypeSlug)
	if !ok {
		return "", "", omnierr.Ref("RefTypeNotFound", "unknown ref type").WithContext("ref_type", refTypeSlug)
	}
	restricted := restrictScope(scope, def.ScopeKeys)
	var result *domain.Ref
	err := s.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := tx.ResolveActiveRef(ctx, refTypeSlug, normalizeValue(value), restricted)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return result.TargetKind, result.TargetID, nil
}

// DeactivateRefs implements deactivate_refs: flips is_active=false on
// every active ref for the target, optionally restricted to a set of
// ref type slugs.
func (s *Service) DeactivateRefs(ctx context.Context, targetKind domain.TargetKind, targetID string, refTypeSlugs ...string) error {
	allow := map[string]bool{}
	for _, slug := range refTypeSlugs {
		allow[slug] = true
	}
	return s.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		refs, err := tx.GetActiveRefsForTarget(ctx, targetKind, targetID)
		if err != nil {
			return err
		}
		for i := range refs {
			if len(allow) > 0 && !allow[refs[i].RefType] {
				continue
			}
			refs[i].IsActive = false
			if err := tx.SaveRef(ctx, &refs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// scopeHash derives a stable key for a RefSequence row from a sequence
// name's scope bag: sorted key=value pairs, sha256-hashed so arbitrary
// scope shapes collapse to a fixed-width storage key.
func scopeHash(scope domain.RefScope) string {
	keys := make([]string, 0, len(scope))
	for k := range scope {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(scope[k])
		sb.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// NextSequenceValue atomically increments the counter for
// (sequenceName, scope) under a row lock and returns it zero-padded to
// width digits.
func (s *Service) NextSequenceValue(ctx context.Context, sequenceName string, scope domain.RefScope, width int) (string, error) {
	hash := scopeHash(scope)
	var value int64
	err := s.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		seq, err := tx.GetRefSequenceForUpdate(ctx, sequenceName, hash)
		if err != nil {
			seq = &domain.RefSequence{SequenceName: sequenceName, ScopeHash: hash, CurrentValue: 0}
		}
		seq.CurrentValue++
		value = seq.CurrentValue
		return tx.UpsertRefSequence(ctx, seq)
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", width, value), nil
}

// OnSessionCommitted is the carryover hook the commit engine invokes
// synchronously once the order row exists: for
// every active ref on the session, copy it to the order when its type
// declares copy_to_order, and deactivate the session ref when its type
// declares expires_on_session_close.
func (s *Service) OnSessionCommitted(ctx context.Context, tx store.Tx, sessionID, orderID string) error {
	refs, err := tx.GetActiveRefsForTarget(ctx, domain.TargetSession, sessionID)
	if err != nil {
		return err
	}
	for _, r := range refs {
		def, ok := s.Store.Lookup(r.RefType)
		if !ok {
			continue
		}
		if def.CopyToOrder {
			copyRef := &domain.Ref{
				RefType:    r.RefType,
				TargetKind: domain.TargetOrder,
				TargetID:   orderID,
				Value:      r.Value,
				Scope:      r.Scope,
				IsActive:   true,
				CreatedAt:  s.now(),
			}
			if err := tx.CreateRef(ctx, copyRef); err != nil {
				return err
			}
		}
		if def.ExpiresOnSessionClose {
			r.IsActive = false
			if err := tx.SaveRef(ctx, &r); err != nil {
				return err
			}
		}
	}
	return nil
}
