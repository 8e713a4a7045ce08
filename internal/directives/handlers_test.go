package directives

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/omniman/kernel/internal/backends"
	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/engine"
	"github.com/omniman/kernel/internal/registry"
	"github.com/omniman/kernel/internal/store"
	"github.com/omniman/kernel/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time { return time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC) }

func nullLogEntry() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func seedTestChannel(t *testing.T, st *memory.Store, code string) domain.Channel {
	t.Helper()
	c := domain.Channel{ID: code + "-id", Code: code, PricingPolicy: domain.PricingExternal, EditPolicy: domain.EditOpen}
	st.SeedChannel(c)
	return c
}

func seedSessionWithItems(t *testing.T, st *memory.Store, channel domain.Channel, sessionKey string, items []domain.SessionItem) *domain.Session {
	t.Helper()
	var out domain.Session
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		sess := &domain.Session{
			SessionKey:  sessionKey,
			ChannelID:   channel.ID,
			ChannelCode: channel.Code,
			State:       domain.SessionOpen,
			Items:       items,
			Data:        domain.NewSessionData(),
			OpenedAt:    fixedClock(),
			UpdatedAt:   fixedClock(),
		}
		if err := tx.CreateSession(ctx, sess); err != nil {
			return err
		}
		out = *sess
		return nil
	})
	require.NoError(t, err)
	return &out
}

func enqueueDirective(t *testing.T, st *memory.Store, topic string, payload map[string]interface{}) *domain.Directive {
	t.Helper()
	var out domain.Directive
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		d := &domain.Directive{Topic: topic, Payload: payload, AvailableAt: fixedClock().Add(-time.Minute)}
		if err := tx.EnqueueDirective(ctx, d); err != nil {
			return err
		}
		out = *d
		return nil
	})
	require.NoError(t, err)
	return &out
}

func newTestEngine(st *memory.Store) *engine.Engine {
	return engine.New(st, registry.New(), nil, nil)
}

func TestStockHoldHandler_CreatesHoldsWhenAvailable(t *testing.T) {
	st := memory.New()
	channel := seedTestChannel(t, st, "pos")
	qty, _ := decimal.NewFromString("2")
	sess := seedSessionWithItems(t, st, channel, "SESS-1", []domain.SessionItem{
		{LineID: "L-1", SKU: "COFFEE", Qty: qty},
	})
	d := enqueueDirective(t, st, "stock.hold", map[string]interface{}{
		"session_key": sess.SessionKey, "channel_code": channel.Code, "rev": sess.Rev,
	})

	stock := backends.NewMockStock(map[string]string{"COFFEE": "10"})
	h := &StockHoldHandler{Engine: newTestEngine(st), Stock: stock, Store: st, Log: nullLogEntry(), Now: fixedClock}

	require.NoError(t, h.Handle(context.Background(), d))

	got, err := st.GetSessionByKey(context.Background(), "SESS-1")
	require.NoError(t, err)
	rec, ok := got.Data.Checks["stock"]
	require.True(t, ok)
	holds, _ := rec.Result["holds"].([]map[string]interface{})
	require.Len(t, holds, 1)
	assert.Equal(t, "COFFEE", holds[0]["sku"])
	assert.Empty(t, got.Data.Issues)

	ds, err := st.ListDirectives(context.Background())
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, domain.DirectiveDone, ds[0].Status)
}

func TestStockHoldHandler_InsufficientStock_CreatesBlockingIssue(t *testing.T) {
	st := memory.New()
	channel := seedTestChannel(t, st, "pos")
	qty, _ := decimal.NewFromString("5")
	sess := seedSessionWithItems(t, st, channel, "SESS-2", []domain.SessionItem{
		{LineID: "L-1", SKU: "COFFEE", Qty: qty},
	})
	d := enqueueDirective(t, st, "stock.hold", map[string]interface{}{
		"session_key": sess.SessionKey, "channel_code": channel.Code, "rev": sess.Rev,
	})

	stock := backends.NewMockStock(map[string]string{"COFFEE": "2"})
	h := &StockHoldHandler{Engine: newTestEngine(st), Stock: stock, Store: st, Log: nullLogEntry(), Now: fixedClock}

	require.NoError(t, h.Handle(context.Background(), d))

	got, err := st.GetSessionByKey(context.Background(), "SESS-2")
	require.NoError(t, err)
	require.Len(t, got.Data.Issues, 1)
	issue := got.Data.Issues[0]
	assert.Equal(t, "stock", issue.Source)
	assert.True(t, issue.Blocking)
	require.Len(t, issue.Actions, 2)
	assert.Equal(t, "remove_line", issue.Actions[0].Kind)
	assert.Equal(t, "set_qty", issue.Actions[1].Kind)

	ds, err := st.ListDirectives(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DirectiveDone, ds[0].Status)
}

func TestStockHoldHandler_StaleDirective_MarksFailed(t *testing.T) {
	st := memory.New()
	channel := seedTestChannel(t, st, "pos")
	qty, _ := decimal.NewFromString("1")
	sess := seedSessionWithItems(t, st, channel, "SESS-3", []domain.SessionItem{
		{LineID: "L-1", SKU: "COFFEE", Qty: qty},
	})
	d := enqueueDirective(t, st, "stock.hold", map[string]interface{}{
		"session_key": sess.SessionKey, "channel_code": channel.Code, "rev": sess.Rev + 1,
	})

	stock := backends.NewMockStock(map[string]string{"COFFEE": "10"})
	h := &StockHoldHandler{Engine: newTestEngine(st), Stock: stock, Store: st, Log: nullLogEntry(), Now: fixedClock}

	require.NoError(t, h.Handle(context.Background(), d))

	ds, err := st.ListDirectives(context.Background())
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, domain.DirectiveFailed, ds[0].Status)
	assert.Equal(t, "stale directive", ds[0].LastError)
}

func TestStockHoldHandler_SessionNotOpen_MarksDoneWithoutTouchingStock(t *testing.T) {
	st := memory.New()
	channel := seedTestChannel(t, st, "pos")
	sess := seedSessionWithItems(t, st, channel, "SESS-4", nil)
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		s, err := tx.GetSessionForUpdate(ctx, channel.ID, "SESS-4")
		if err != nil {
			return err
		}
		s.State = domain.SessionCommitted
		return tx.SaveSession(ctx, s)
	})
	require.NoError(t, err)

	d := enqueueDirective(t, st, "stock.hold", map[string]interface{}{
		"session_key": sess.SessionKey, "channel_code": channel.Code, "rev": sess.Rev,
	})
	stock := backends.NewMockStock(nil)
	h := &StockHoldHandler{Engine: newTestEngine(st), Stock: stock, Store: st, Log: nullLogEntry(), Now: fixedClock}

	require.NoError(t, h.Handle(context.Background(), d))

	ds, err := st.ListDirectives(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DirectiveDone, ds[0].Status)
}

func TestStockCommitHandler_FulfillsHoldsFromPayload(t *testing.T) {
	st := memory.New()
	stock := backends.NewMockStock(map[string]string{"COFFEE": "10"})
	hold, err := stock.CreateHold(context.Background(), "COFFEE", "2", fixedClock().Add(time.Hour), "SESS-5")
	require.NoError(t, err)

	d := enqueueDirective(t, st, "stock.commit", map[string]interface{}{
		"order_ref":   "ORD-1",
		"session_key": "SESS-5",
		"holds": []interface{}{
			map[string]interface{}{"hold_id": hold.ID, "sku": "COFFEE"},
		},
	})

	h := &StockCommitHandler{Stock: stock, Store: st, Log: nullLogEntry(), Now: fixedClock}
	require.NoError(t, h.Handle(context.Background(), d))

	ds, err := st.ListDirectives(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DirectiveDone, ds[0].Status)
}

func TestPaymentCaptureHandler_AlreadyCaptured_MarksDoneWithoutRecapturing(t *testing.T) {
	st := memory.New()
	payment := backends.NewMockPayment()
	intentID, err := payment.CreateIntent(context.Background(), 1000, "USD", "ORD-2", nil)
	require.NoError(t, err)
	require.NoError(t, payment.Capture(context.Background(), intentID, nil, "ORD-2"))

	d := enqueueDirective(t, st, "payment.capture", map[string]interface{}{
		"intent_id": intentID, "order_ref": "ORD-2",
	})
	h := &PaymentCaptureHandler{Payment: payment, Store: st, Log: nullLogEntry(), Now: fixedClock}
	require.NoError(t, h.Handle(context.Background(), d))

	ds, err := st.ListDirectives(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DirectiveDone, ds[0].Status)
}

func TestPaymentCaptureHandler_CapturesAndEmitsEvent(t *testing.T) {
	st := memory.New()
	payment := backends.NewMockPayment()
	intentID, err := payment.CreateIntent(context.Background(), 1000, "USD", "ORD-3", nil)
	require.NoError(t, err)

	err = st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateOrder(ctx, &domain.Order{Ref: "ORD-3", Status: domain.StatusNew, CreatedAt: fixedClock()})
	})
	require.NoError(t, err)

	d := enqueueDirective(t, st, "payment.capture", map[string]interface{}{
		"intent_id": intentID, "order_ref": "ORD-3",
	})
	h := &PaymentCaptureHandler{Payment: payment, Store: st, Log: nullLogEntry(), Now: fixedClock}
	require.NoError(t, h.Handle(context.Background(), d))

	status, err := payment.GetStatus(context.Background(), intentID)
	require.NoError(t, err)
	assert.Equal(t, backends.IntentCaptured, status)

	ds, err := st.ListDirectives(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DirectiveDone, ds[0].Status)
}

func TestPaymentRefundHandler_RefundsAndEmitsEvent(t *testing.T) {
	st := memory.New()
	payment := backends.NewMockPayment()
	intentID, err := payment.CreateIntent(context.Background(), 1000, "USD", "ORD-4", nil)
	require.NoError(t, err)
	require.NoError(t, payment.Capture(context.Background(), intentID, nil, "ORD-4"))

	err = st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateOrder(ctx, &domain.Order{Ref: "ORD-4", Status: domain.StatusCompleted, CreatedAt: fixedClock()})
	})
	require.NoError(t, err)

	d := enqueueDirective(t, st, "payment.refund", map[string]interface{}{
		"intent_id": intentID, "order_ref": "ORD-4", "reason": "customer request",
	})
	h := &PaymentRefundHandler{Payment: payment, Store: st, Log: nullLogEntry(), Now: fixedClock}
	require.NoError(t, h.Handle(context.Background(), d))

	status, err := payment.GetStatus(context.Background(), intentID)
	require.NoError(t, err)
	assert.Equal(t, backends.IntentRefunded, status)

	ds, err := st.ListDirectives(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DirectiveDone, ds[0].Status)
}

func TestPaymentRefundHandler_MissingIntentID_MarksFailed(t *testing.T) {
	st := memory.New()
	payment := backends.NewMockPayment()
	d := enqueueDirective(t, st, "payment.refund", map[string]interface{}{"order_ref": "ORD-5"})
	h := &PaymentRefundHandler{Payment: payment, Store: st, Log: nullLogEntry(), Now: fixedClock}
	require.NoError(t, h.Handle(context.Background(), d))

	ds, err := st.ListDirectives(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DirectiveFailed, ds[0].Status)
	assert.Equal(t, "no intent_id in payload", ds[0].LastError)
}
