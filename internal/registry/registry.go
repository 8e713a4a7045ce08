// Package registry implements the kernel's process-wide extension
// tables: validators, modifiers, directive handlers, and issue
// resolvers. It is populated once at process start and treated as
// read-mostly thereafter — registration has no unregister path in
// normal operation, and reads take only the shared read lock.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/store"
)

// Stage is when a Validator runs.
type Stage string

const (
	StageDraft  Stage = "draft"
	StageCommit Stage = "commit"
)

// Validator inspects a channel/session pair and fails with a typed
// validation error if the session is unacceptable at its stage.
type Validator interface {
	Code() string
	Stage() Stage
	Validate(ctx context.Context, channel *domain.Channel, session *domain.Session) error
}

// Modifier mutates a session in place during modify, in ascending
// Order(); it may rewrite prices, compute line totals, or stamp
// aggregates.
type Modifier interface {
	Code() string
	Order() int
	Apply(ctx context.Context, channel *domain.Channel, session *domain.Session) error
}

// DirectiveHandler processes directives of one topic.
type DirectiveHandler interface {
	Topic() string
	Handle(ctx context.Context, directive *domain.Directive) error
}

// IssueResolver applies a named remediation action from a named issue,
// keyed by the issue's Source. The resolve engine dispatches with the
// session row already locked; tx is the engine's own transaction, so
// everything the resolver writes commits or rolls back with the
// resolve call itself.
type IssueResolver interface {
	Source() string
	Resolve(ctx context.Context, tx store.Tx, channel *domain.Channel, session *domain.Session, issue *domain.Issue, actionID string) (*domain.Session, error)
}

// Registry holds the four disjoint extension tables. The zero value is
// usable; construct with New for clarity at call sites.
type Registry struct {
	mu sync.RWMutex

	validators        map[string]Validator
	modifiers         map[string]Modifier
	directiveHandlers map[string]DirectiveHandler
	issueResolvers    map[string]IssueResolver
}

// New returns an empty Registry ready for registration at process start.
func New() *Registry {
	return &Registry{
		validators:        map[string]Validator{},
		modifiers:         map[string]Modifier{},
		directiveHandlers: map[string]DirectiveHandler{},
		issueResolvers:    map[string]IssueResolver{},
	}
}

// RegisterValidator adds v, failing on a duplicate code.
func (r *Registry) RegisterValidator(v Validator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.validators[v.Code()]; exists {
		return fmt.Errorf("registry: duplicate validator code %q", v.Code())
	}
	r.validators[v.Code()] = v
	return nil
}

// RegisterModifier adds m, failing on a duplicate code.
func (r *Registry) RegisterModifier(m Modifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modifiers[m.Code()]; exists {
		return fmt.Errorf("registry: duplicate modifier code %q", m.Code())
	}
	r.modifiers[m.Code()] = m
	return nil
}

// RegisterDirectiveHandler adds h, failing if a handler for its topic
// is already registered (one handler per topic).
func (r *Registry) RegisterDirectiveHandler(h DirectiveHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.directiveHandlers[h.Topic()]; exists {
		return fmt.Errorf("registry: duplicate directive handler for topic %q", h.Topic())
	}
	r.directiveHandlers[h.Topic()] = h
	return nil
}

// RegisterIssueResolver adds r2, failing on a duplicate source.
func (r *Registry) RegisterIssueResolver(r2 IssueResolver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.issueResolvers[r2.Source()]; exists {
		return fmt.Errorf("registry: duplicate issue resolver for source %q", r2.Source())
	}
	r.issueResolvers[r2.Source()] = r2
	return nil
}

// ValidatorsForStage returns every validator registered at the given
// stage; order is not significant (all must pass).
func (r *Registry) ValidatorsForStage(stage Stage) []Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Validator
	for _, v := range r.validators {
		if v.Stage() == stage {
			out = append(out, v)
		}
	}
	return out
}

// Modifiers returns every registered modifier sorted ascending by
// Order(), the sequence the modify engine must run them in.
func (r *Registry) Modifiers() []Modifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Modifier, 0, len(r.modifiers))
	for _, m := range r.modifiers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order() < out[j].Order() })
	return out
}

// DirectiveHandler looks up the handler for topic, returning ok=false
// if none is registered — the worker loop's caller treats this as a
// benign "warn and skip."
func (r *Registry) DirectiveHandler(topic string) (DirectiveHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.directiveHandlers[topic]
	return h, ok
}

// RegisteredTopics returns every topic with a registered directive
// handler, used by the worker loop to build its poll filter when the
// caller doesn't pin an explicit topic list.
func (r *Registry) RegisteredTopics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.directiveHandlers))
	for topic := range r.directiveHandlers {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// IssueResolver looks up the resolver for an issue's source.
func (r *Registry) IssueResolver(source string) (IssueResolver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.issueResolvers[source]
	return res, ok
}
