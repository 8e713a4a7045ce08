// Package directives implements the durable work queue's consumer
// side: a worker loop that claims queued Directive rows, dispatches
// them to a registered handler, and records the failed status when a
// handler errors or panics (a successful handler sets its own final
// status). Workers
// are unordered across topics and must be idempotent and rev-gated; the
// queue guarantees at-least-once delivery only.
package directives

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/logging"
	"github.com/omniman/kernel/internal/registry"
	"github.com/omniman/kernel/internal/store"
)

// Clock lets tests pin "now"; production wiring passes time.Now.
type Clock func() time.Time

// DefaultBatchSize bounds how many directives a single poll claims.
const DefaultBatchSize = 20

// Worker polls the queue and dispatches claimed directives to the
// handler registered for their topic. Both a long-lived polling loop
// and a one-shot batch invocation use the same ProcessBatch call, so
// both behave identically.
type Worker struct {
	Store    store.Store
	Registry *registry.Registry
	Log      *logging.Logger
	Now      Clock
}

// New wires a Worker with sane defaults.
func New(st store.Store, reg *registry.Registry, log *logging.Logger) *Worker {
	if log == nil {
		log = logging.Default()
	}
	return &Worker{Store: st, Registry: reg, Log: log, Now: time.Now}
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// ProcessBatch claims up to limit queued directives restricted to
// topics (all registered topics if empty) and dispatches each to its
// handler. A handler error or panic is recorded on the directive (status
// failed, last_error set) and is not returned; what is returned is a
// hashicorp/go-multierror of every failure to persist that failed status,
// so one such failure does not stop the rest of the batch. A directive whose topic has
// no registered handler is left in "running" — intentional, so a
// late-bound handler can pick it up on a future pass.
func (w *Worker) ProcessBatch(ctx context.Context, topics []string, limit int) (int, error) {
	if len(topics) == 0 {
		topics = w.Registry.RegisteredTopics()
	}
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	var claimed []domain.Directive
	err := w.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ds, err := tx.ClaimQueuedDirectives(ctx, topics, limit, w.now())
		if err != nil {
			return err
		}
		claimed = ds
		return nil
	})
	if err != nil {
		return 0, err
	}

	var result *multierror.Error
	processed := 0
	for i := range claimed {
		d := claimed[i]
		if err := w.dispatch(ctx, &d); err != nil {
			result = multierror.Append(result, err)
		}
		processed++
	}
	if result != nil {
		return processed, result.ErrorOrNil()
	}
	return processed, nil
}

// dispatch looks up the handler for d's topic and invokes it, recovering
// from a panic the same way any unexpected handler error is handled:
// mark the directive failed with last_error set, never crash the
// worker loop.
func (w *Worker) dispatch(ctx context.Context, d *domain.Directive) (err error) {
	handler, ok := w.Registry.DirectiveHandler(d.Topic)
	if !ok {
		w.Log.WithField("topic", d.Topic).Warn("no directive handler registered; leaving directive running")
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			w.Log.WithFields(map[string]interface{}{"topic": d.Topic, "directive_id": d.ID, "panic": r}).Error("directive handler panicked")
			err = w.markFailed(ctx, d, "handler panicked")
		}
	}()

	handleErr := handler.Handle(ctx, d)
	w.Log.LogDirective(ctx, d.Topic, d.ID, d.Attempts, handleErr)
	if handleErr != nil {
		return w.markFailed(ctx, d, handleErr.Error())
	}
	return nil
}

func (w *Worker) markFailed(ctx context.Context, d *domain.Directive, lastError string) error {
	return w.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		d.Status = domain.DirectiveFailed
		d.LastError = lastError
		d.UpdatedAt = w.now()
		return tx.SaveDirective(ctx, d)
	})
}

// Run polls in a loop at interval until ctx is cancelled, making the
// worker a long-lived process; a one-shot caller uses ProcessBatch
// directly instead.
func (w *Worker) Run(ctx context.Context, topics []string, limit int, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.ProcessBatch(ctx, topics, limit); err != nil {
				w.Log.WithError(err).Warn("directive batch completed with errors")
			}
		}
	}
}
