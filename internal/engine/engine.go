// Package engine implements the four write paths that fan in from the
// HTTP surface: modify, check write-back, commit, and resolve. Modify,
// write-back and resolve each open one store.Tx, take a row lock on the
// session, mutate it in memory, and write the result back. Commit does
// the same in its own store.Tx, between two further transactions that
// claim and then finalize the idempotency key.
package engine

import (
	"time"

	"github.com/omniman/kernel/internal/ids"
	"github.com/omniman/kernel/internal/logging"
	"github.com/omniman/kernel/internal/registry"
	"github.com/omniman/kernel/internal/store"
)

// reservedDataKeys may never be written by set_data: they're the
// kernel-managed subkeys or top-level session fields.
var reservedDataKeys = map[string]bool{
	"checks": true, "issues": true, "items": true, "pricing": true,
	"pricing_trace": true, "state": true, "status": true, "rev": true,
	"session_key": true, "channel": true,
}

// Clock lets tests pin "now"; production wiring passes time.Now.
type Clock func() time.Time

// Engine bundles the dependencies shared by all four write paths.
type Engine struct {
	Store    store.Store
	Registry *registry.Registry
	Log      *logging.Logger
	Now      Clock

	// AllowedDataKeys is the caller-controlled whitelist for set_data's
	// root segment, beyond the kernel-reserved keys above.
	AllowedDataKeys map[string]bool

	// OnDirectiveEnqueued, when set, fires once per topic after a
	// transaction that enqueued directives commits. The server wires it
	// to a pub/sub wake signal so workers pick up new work before their
	// next poll tick; it must never block.
	OnDirectiveEnqueued func(topic string)
}

func (e *Engine) notifyEnqueued(topics []string) {
	if e.OnDirectiveEnqueued == nil {
		return
	}
	for _, topic := range topics {
		e.OnDirectiveEnqueued(topic)
	}
}

// New wires an Engine with sane defaults (real clock, the process-wide
// logger if none is supplied).
func New(st store.Store, reg *registry.Registry, log *logging.Logger, allowedDataKeys []string) *Engine {
	if log == nil {
		log = logging.Default()
	}
	allowed := make(map[string]bool, len(allowedDataKeys))
	for _, k := range allowedDataKeys {
		allowed[k] = true
	}
	return &Engine{
		Store:           st,
		Registry:        reg,
		Log:             log,
		Now:             time.Now,
		AllowedDataKeys: allowed,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// newLineID/newIssueID/newActionID are thin seams over internal/ids so
// engine tests can be read without chasing into the ids package.
var newLineID = ids.NewLineID
var newIssueID = ids.NewIssueID
var newActionID = ids.NewActionID
var newOrderRef = ids.NewOrderRef
var newIdempotencyKey = ids.NewIdempotencyKey
var newSessionKey = ids.NewSessionKey
