package directives

import (
	"context"
	"testing"
	"time"

	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/registry"
	"github.com/omniman/kernel/internal/store"
	"github.com/omniman/kernel/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	topic   string
	calls   int
	err     error
	panics  bool
}

func (h *fakeHandler) Topic() string { return h.topic }

func (h *fakeHandler) Handle(ctx context.Context, d *domain.Directive) error {
	h.calls++
	if h.panics {
		panic("boom")
	}
	return h.err
}

func enqueue(t *testing.T, st *memory.Store, d domain.Directive) domain.Directive {
	t.Helper()
	var out domain.Directive
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.EnqueueDirective(ctx, &d); err != nil {
			return err
		}
		out = d
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestProcessBatch_HandlerSuccess_HandlerOwnsFinalStatus(t *testing.T) {
	st := memory.New()
	reg := registry.New()
	handler := &fakeHandler{topic: "noop.ok"}
	require.NoError(t, reg.RegisterDirectiveHandler(handler))
	d := enqueue(t, st, domain.Directive{Topic: "noop.ok", AvailableAt: time.Now().Add(-time.Minute)})

	w := New(st, reg, nil)
	n, err := w.ProcessBatch(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, handler.calls)

	// The fake handler never persists a terminal status itself, so
	// ProcessBatch must leave it exactly where claiming left it — it only
	// marks failed on a handler error, never marks done on its own.
	ds, err := st.ListDirectives(context.Background())
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, domain.DirectiveRunning, ds[0].Status)
	_ = d
}

func TestProcessBatch_HandlerError_MarksFailed(t *testing.T) {
	st := memory.New()
	reg := registry.New()
	handler := &fakeHandler{topic: "noop.fail", err: assertError("handler blew up")}
	require.NoError(t, reg.RegisterDirectiveHandler(handler))
	enqueue(t, st, domain.Directive{Topic: "noop.fail", AvailableAt: time.Now().Add(-time.Minute)})

	w := New(st, reg, nil)
	n, err := w.ProcessBatch(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ds, err := st.ListDirectives(context.Background())
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, domain.DirectiveFailed, ds[0].Status)
	assert.Equal(t, "handler blew up", ds[0].LastError)
}

func TestProcessBatch_HandlerPanic_RecoveredAndMarkedFailed(t *testing.T) {
	st := memory.New()
	reg := registry.New()
	handler := &fakeHandler{topic: "noop.panic", panics: true}
	require.NoError(t, reg.RegisterDirectiveHandler(handler))
	enqueue(t, st, domain.Directive{Topic: "noop.panic", AvailableAt: time.Now().Add(-time.Minute)})

	w := New(st, reg, nil)
	n, err := w.ProcessBatch(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ds, err := st.ListDirectives(context.Background())
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, domain.DirectiveFailed, ds[0].Status)
	assert.Equal(t, "handler panicked", ds[0].LastError)
}

func TestProcessBatch_NoHandlerRegistered_LeftRunning(t *testing.T) {
	st := memory.New()
	reg := registry.New()
	enqueue(t, st, domain.Directive{Topic: "unknown.topic", AvailableAt: time.Now().Add(-time.Minute)})

	w := New(st, reg, nil)
	n, err := w.ProcessBatch(context.Background(), []string{"unknown.topic"}, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ds, err := st.ListDirectives(context.Background())
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, domain.DirectiveRunning, ds[0].Status)
}

func TestProcessBatch_RespectsTopicFilter(t *testing.T) {
	st := memory.New()
	reg := registry.New()
	a := &fakeHandler{topic: "topic.a"}
	b := &fakeHandler{topic: "topic.b"}
	require.NoError(t, reg.RegisterDirectiveHandler(a))
	require.NoError(t, reg.RegisterDirectiveHandler(b))
	enqueue(t, st, domain.Directive{Topic: "topic.a", AvailableAt: time.Now().Add(-time.Minute)})
	enqueue(t, st, domain.Directive{Topic: "topic.b", AvailableAt: time.Now().Add(-time.Minute)})

	w := New(st, reg, nil)
	n, err := w.ProcessBatch(context.Background(), []string{"topic.a"}, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 0, b.calls)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	st := memory.New()
	reg := registry.New()
	w := New(st, reg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx, nil, 10, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

type assertErrorType string

func (e assertErrorType) Error() string { return string(e) }

func assertError(msg string) error { return assertErrorType(msg) }
