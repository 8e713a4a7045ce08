package engine

import (
	"context"
	"testing"
	"time"

	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/omnierr"
	"github.com/omniman/kernel/internal/registry"
	"github.com/omniman/kernel/internal/store"
	"github.com/omniman/kernel/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	st := memory.New()
	reg := registry.New()
	eng := New(st, reg, nil, nil)
	fixedNow := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return fixedNow }
	return eng, st
}

func seedChannel(t *testing.T, st *memory.Store, c domain.Channel) domain.Channel {
	t.Helper()
	if c.ID == "" {
		c.ID = c.Code + "-id"
	}
	st.SeedChannel(c)
	return c
}

func seedOpenSession(t *testing.T, st *memory.Store, channel domain.Channel, sessionKey string) {
	t.Helper()
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateSession(ctx, &domain.Session{
			SessionKey:    sessionKey,
			ChannelID:     channel.ID,
			ChannelCode:   channel.Code,
			State:         domain.SessionOpen,
			PricingPolicy: channel.PricingPolicy,
			EditPolicy:    channel.EditPolicy,
			Data:          domain.NewSessionData(),
			OpenedAt:      time.Now(),
			UpdatedAt:     time.Now(),
		})
	})
	require.NoError(t, err)
}

func TestModifySessionAddLineExternalPricingHappyPath(t *testing.T) {
	eng, st := newTestEngine(t)
	channel := seedChannel(t, st, domain.Channel{
		Code: "pos", Name: "Point of Sale", PricingPolicy: domain.PricingExternal, EditPolicy: domain.EditOpen,
	})
	seedOpenSession(t, st, channel, "SESS-TEST1")

	priceQ := int64(500)
	sess, err := eng.ModifySession(context.Background(), "pos", "SESS-TEST1", []domain.ModifyOp{
		{Op: domain.OpAddLine, SKU: "COFFEE", Qty: "2", UnitPriceQ: &priceQ},
	})
	require.NoError(t, err)
	require.Len(t, sess.Items, 1)
	assert.Equal(t, "COFFEE", sess.Items[0].SKU)
	assert.Equal(t, int64(1), sess.Rev)
	assert.Empty(t, sess.Data.Issues)
	assert.Empty(t, sess.Data.Checks)
}

func TestModifySessionRejectsMissingUnitPriceOnExternalChannel(t *testing.T) {
	eng, st := newTestEngine(t)
	channel := seedChannel(t, st, domain.Channel{
		Code: "pos", Name: "Point of Sale", PricingPolicy: domain.PricingExternal, EditPolicy: domain.EditOpen,
	})
	seedOpenSession(t, st, channel, "SESS-TEST2")

	_, err := eng.ModifySession(context.Background(), "pos", "SESS-TEST2", []domain.ModifyOp{
		{Op: domain.OpAddLine, SKU: "COFFEE", Qty: "1"},
	})
	require.Error(t, err)
	e, ok := omnierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "missing_unit_price_q", e.Code)
}

func TestModifySessionRejectsEditsOnLockedChannel(t *testing.T) {
	eng, st := newTestEngine(t)
	channel := seedChannel(t, st, domain.Channel{
		Code: "ifood", Name: "iFood", PricingPolicy: domain.PricingExternal, EditPolicy: domain.EditLocked,
	})
	seedOpenSession(t, st, channel, "SESS-LOCK1")

	priceQ := int64(100)
	_, err := eng.ModifySession(context.Background(), "ifood", "SESS-LOCK1", []domain.ModifyOp{
		{Op: domain.OpAddLine, SKU: "X", Qty: "1", UnitPriceQ: &priceQ},
	})
	require.Error(t, err)
	e, ok := omnierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "locked", e.Code)
	assert.Contains(t, e.Message, "iFood")
}

func TestModifySessionUnknownLineIDFails(t *testing.T) {
	eng, st := newTestEngine(t)
	channel := seedChannel(t, st, domain.Channel{Code: "shop", PricingPolicy: domain.PricingInternal, EditPolicy: domain.EditOpen})
	seedOpenSession(t, st, channel, "SESS-UNK")

	_, err := eng.ModifySession(context.Background(), "shop", "SESS-UNK", []domain.ModifyOp{
		{Op: domain.OpSetQty, LineID: "L-doesnotexist", Qty: "5"},
	})
	require.Error(t, err)
	e, ok := omnierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "unknown_line_id", e.Code)
}

func TestModifySessionRevIncrementsMonotonically(t *testing.T) {
	eng, st := newTestEngine(t)
	channel := seedChannel(t, st, domain.Channel{Code: "shop", PricingPolicy: domain.PricingInternal, EditPolicy: domain.EditOpen})
	seedOpenSession(t, st, channel, "SESS-REV")

	sess, err := eng.ModifySession(context.Background(), "shop", "SESS-REV", []domain.ModifyOp{
		{Op: domain.OpAddLine, SKU: "A", Qty: "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.Rev)

	sess, err = eng.ModifySession(context.Background(), "shop", "SESS-REV", []domain.ModifyOp{
		{Op: domain.OpAddLine, SKU: "B", Qty: "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), sess.Rev)
}

func TestModifySessionMergeLinesRequiresSameSKU(t *testing.T) {
	eng, st := newTestEngine(t)
	channel := seedChannel(t, st, domain.Channel{Code: "shop", PricingPolicy: domain.PricingInternal, EditPolicy: domain.EditOpen})
	seedOpenSession(t, st, channel, "SESS-MERGE")

	sess, err := eng.ModifySession(context.Background(), "shop", "SESS-MERGE", []domain.ModifyOp{
		{Op: domain.OpAddLine, SKU: "A", Qty: "1"},
		{Op: domain.OpAddLine, SKU: "B", Qty: "1"},
	})
	require.NoError(t, err)
	require.Len(t, sess.Items, 2)

	_, err = eng.ModifySession(context.Background(), "shop", "SESS-MERGE", []domain.ModifyOp{
		{Op: domain.OpMergeLines, FromLineID: sess.Items[0].LineID, IntoLineID: sess.Items[1].LineID},
	})
	require.Error(t, err)
	e, ok := omnierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "sku_mismatch", e.Code)
}

func TestApplyCheckResultRejectsStaleRev(t *testing.T) {
	eng, st := newTestEngine(t)
	channel := seedChannel(t, st, domain.Channel{Code: "shop", PricingPolicy: domain.PricingInternal, EditPolicy: domain.EditOpen})
	seedOpenSession(t, st, channel, "SESS-STALE")

	sess, err := eng.ModifySession(context.Background(), "shop", "SESS-STALE", []domain.ModifyOp{
		{Op: domain.OpAddLine, SKU: "A", Qty: "1"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), sess.Rev)

	_, err = eng.ModifySession(context.Background(), "shop", "SESS-STALE", []domain.ModifyOp{
		{Op: domain.OpAddLine, SKU: "B", Qty: "1"},
	})
	require.NoError(t, err)

	applied, err := eng.ApplyCheckResult(context.Background(), "shop", "SESS-STALE", 1, "stock", map[string]interface{}{"ok": true}, nil)
	require.NoError(t, err)
	assert.False(t, applied, "write-back against stale rev must be rejected")

	got, err := st.GetSessionByKey(context.Background(), "SESS-STALE")
	require.NoError(t, err)
	_, hasStockCheck := got.Data.Checks["stock"]
	assert.False(t, hasStockCheck)
}

func TestCommitHappyPathS1(t *testing.T) {
	eng, st := newTestEngine(t)
	channel := seedChannel(t, st, domain.Channel{
		Code: "pos", Name: "Point of Sale", PricingPolicy: domain.PricingExternal, EditPolicy: domain.EditOpen,
		Config: domain.ChannelConfig{RequiredChecksOnCommit: nil, PostCommitDirectives: nil},
	})
	seedOpenSession(t, st, channel, "SESS-S1")

	priceQ := int64(500)
	_, err := eng.ModifySession(context.Background(), "pos", "SESS-S1", []domain.ModifyOp{
		{Op: domain.OpAddLine, SKU: "COFFEE", Qty: "2", UnitPriceQ: &priceQ},
	})
	require.NoError(t, err)

	result, err := eng.Commit(context.Background(), "pos", "SESS-S1", "K1", nil)
	require.NoError(t, err)
	assert.Equal(t, "committed", result.Status)
	assert.Equal(t, int64(1000), result.TotalQ)

	// Second commit with same key replays the cached response.
	result2, err := eng.Commit(context.Background(), "pos", "SESS-S1", "K1", nil)
	require.NoError(t, err)
	assert.Equal(t, result.OrderRef, result2.OrderRef)

	orders, err := st.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, orders, 1, "exactly one order must exist across both commit calls")
}

func TestCommitFailsOnEmptySession(t *testing.T) {
	eng, st := newTestEngine(t)
	channel := seedChannel(t, st, domain.Channel{Code: "pos", PricingPolicy: domain.PricingExternal, EditPolicy: domain.EditOpen})
	seedOpenSession(t, st, channel, "SESS-EMPTY")

	_, err := eng.Commit(context.Background(), "pos", "SESS-EMPTY", "K-empty", nil)
	require.Error(t, err)
	e, ok := omnierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "empty_session", e.Code)
}

func TestCommitFailsOnBlockingIssues(t *testing.T) {
	eng, st := newTestEngine(t)
	channel := seedChannel(t, st, domain.Channel{
		Code: "shop", PricingPolicy: domain.PricingInternal, EditPolicy: domain.EditOpen,
		Config: domain.ChannelConfig{RequiredChecksOnCommit: []string{"stock"}},
	})
	seedOpenSession(t, st, channel, "SESS-BLOCK")

	sess, err := eng.ModifySession(context.Background(), "shop", "SESS-BLOCK", []domain.ModifyOp{
		{Op: domain.OpAddLine, SKU: "WIDGET", Qty: "10"},
	})
	require.NoError(t, err)

	applied, err := eng.ApplyCheckResult(context.Background(), "shop", "SESS-BLOCK", sess.Rev, "stock", map[string]interface{}{"holds": []interface{}{}}, []domain.Issue{
		{ID: "ISS-1", Source: "stock", Code: "stock.insufficient", Blocking: true},
	})
	require.NoError(t, err)
	require.True(t, applied)

	_, err = eng.Commit(context.Background(), "shop", "SESS-BLOCK", "K-block", nil)
	require.Error(t, err)
	e, ok := omnierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "blocking_issues", e.Code)
}

func TestResolveAppliesStockActionAndClearsIssues(t *testing.T) {
	eng, st := newTestEngine(t)
	channel := seedChannel(t, st, domain.Channel{
		Code: "shop", PricingPolicy: domain.PricingInternal, EditPolicy: domain.EditOpen,
		Config: domain.ChannelConfig{RequiredChecksOnCommit: []string{"stock"}},
	})
	seedOpenSession(t, st, channel, "SESS-RESOLVE")
	require.NoError(t, eng.Registry.RegisterIssueResolver(&StockResolver{Engine: eng}))

	sess, err := eng.ModifySession(context.Background(), "shop", "SESS-RESOLVE", []domain.ModifyOp{
		{Op: domain.OpAddLine, SKU: "WIDGET", Qty: "10"},
	})
	require.NoError(t, err)
	lineID := sess.Items[0].LineID

	action := domain.Action{ID: "ACT-1", Kind: "set_qty", Rev: sess.Rev, Ops: []domain.ModifyOp{
		{Op: domain.OpSetQty, LineID: lineID, Qty: "2"},
	}}
	applied, err := eng.ApplyCheckResult(context.Background(), "shop", "SESS-RESOLVE", sess.Rev, "stock", map[string]interface{}{}, []domain.Issue{
		{ID: "ISS-1", Source: "stock", Code: "stock.insufficient", Blocking: true, Actions: []domain.Action{action}},
	})
	require.NoError(t, err)
	require.True(t, applied)

	resolved, err := eng.Resolve(context.Background(), "shop", "SESS-RESOLVE", "ISS-1", "ACT-1")
	require.NoError(t, err)
	assert.Empty(t, resolved.Data.Issues)
	assert.Equal(t, sess.Rev+1, resolved.Rev)
}

func TestCommitOnCommittedSessionWithNewKeyReturnsExistingOrder(t *testing.T) {
	eng, st := newTestEngine(t)
	channel := seedChannel(t, st, domain.Channel{Code: "pos", PricingPolicy: domain.PricingExternal, EditPolicy: domain.EditOpen})
	seedOpenSession(t, st, channel, "SESS-RECOMMIT")

	priceQ := int64(250)
	_, err := eng.ModifySession(context.Background(), "pos", "SESS-RECOMMIT", []domain.ModifyOp{
		{Op: domain.OpAddLine, SKU: "TEA", Qty: "1", UnitPriceQ: &priceQ},
	})
	require.NoError(t, err)

	first, err := eng.Commit(context.Background(), "pos", "SESS-RECOMMIT", "K-a", nil)
	require.NoError(t, err)

	second, err := eng.Commit(context.Background(), "pos", "SESS-RECOMMIT", "K-b", nil)
	require.NoError(t, err)
	assert.Equal(t, first.OrderRef, second.OrderRef)
	assert.Equal(t, "already_committed", second.Status)

	orders, err := st.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestCommitFailsOnMissingCheck(t *testing.T) {
	eng, st := newTestEngine(t)
	channel := seedChannel(t, st, domain.Channel{
		Code: "shop", PricingPolicy: domain.PricingInternal, EditPolicy: domain.EditOpen,
		Config: domain.ChannelConfig{RequiredChecksOnCommit: []string{"stock"}},
	})
	seedOpenSession(t, st, channel, "SESS-NOCHECK")

	_, err := eng.ModifySession(context.Background(), "shop", "SESS-NOCHECK", []domain.ModifyOp{
		{Op: domain.OpAddLine, SKU: "WIDGET", Qty: "1"},
	})
	require.NoError(t, err)

	_, err = eng.Commit(context.Background(), "shop", "SESS-NOCHECK", "K-nocheck", nil)
	require.Error(t, err)
	e, ok := omnierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "missing_check", e.Code)
}

func TestCommitFailsOnStaleCheck(t *testing.T) {
	eng, st := newTestEngine(t)
	channel := seedChannel(t, st, domain.Channel{
		Code: "shop", PricingPolicy: domain.PricingInternal, EditPolicy: domain.EditOpen,
		Config: domain.ChannelConfig{RequiredChecksOnCommit: []string{"stock"}},
	})
	seedOpenSession(t, st, channel, "SESS-STALECHK")

	sess, err := eng.ModifySession(context.Background(), "shop", "SESS-STALECHK", []domain.ModifyOp{
		{Op: domain.OpAddLine, SKU: "WIDGET", Qty: "1"},
	})
	require.NoError(t, err)

	applied, err := eng.ApplyCheckResult(context.Background(), "shop", "SESS-STALECHK", sess.Rev, "stock", map[string]interface{}{"holds": []interface{}{}}, nil)
	require.NoError(t, err)
	require.True(t, applied)

	// Write the check's rev out from under the session so the record no
	// longer matches. Directly patching the record is simpler than racing
	// a second modify against a pre-staged check.
	err = st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		got, err := tx.GetSessionForUpdate(ctx, channel.ID, "SESS-STALECHK")
		if err != nil {
			return err
		}
		rec := got.Data.Checks["stock"]
		rec.Rev = got.Rev - 1
		got.Data.Checks["stock"] = rec
		return tx.SaveSession(ctx, got)
	})
	require.NoError(t, err)

	_, err = eng.Commit(context.Background(), "shop", "SESS-STALECHK", "K-stalechk", nil)
	require.Error(t, err)
	e, ok := omnierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "stale_check", e.Code)
}

func TestCommitFailsOnExpiredHold(t *testing.T) {
	eng, st := newTestEngine(t)
	channel := seedChannel(t, st, domain.Channel{
		Code: "shop", PricingPolicy: domain.PricingInternal, EditPolicy: domain.EditOpen,
		Config: domain.ChannelConfig{RequiredChecksOnCommit: []string{"stock"}},
	})
	seedOpenSession(t, st, channel, "SESS-EXPHOLD")

	sess, err := eng.ModifySession(context.Background(), "shop", "SESS-EXPHOLD", []domain.ModifyOp{
		{Op: domain.OpAddLine, SKU: "WIDGET", Qty: "1"},
	})
	require.NoError(t, err)

	expired := eng.now().Add(-5 * time.Minute).Format(time.RFC3339)
	applied, err := eng.ApplyCheckResult(context.Background(), "shop", "SESS-EXPHOLD", sess.Rev, "stock", map[string]interface{}{
		"holds": []interface{}{
			map[string]interface{}{"hold_id": "H1", "expires_at": expired},
		},
	}, nil)
	require.NoError(t, err)
	require.True(t, applied)

	_, err = eng.Commit(context.Background(), "shop", "SESS-EXPHOLD", "K-exphold", nil)
	require.Error(t, err)
	e, ok := omnierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "hold_expired", e.Code)
	assert.Equal(t, "H1", e.Context["hold_id"])
}

func TestCommitSnapshotUnaffectedByLaterSessionWrites(t *testing.T) {
	eng, st := newTestEngine(t)
	channel := seedChannel(t, st, domain.Channel{Code: "pos", PricingPolicy: domain.PricingExternal, EditPolicy: domain.EditOpen})
	seedOpenSession(t, st, channel, "SESS-SNAP")

	priceQ := int64(500)
	_, err := eng.ModifySession(context.Background(), "pos", "SESS-SNAP", []domain.ModifyOp{
		{Op: domain.OpAddLine, SKU: "COFFEE", Qty: "2", UnitPriceQ: &priceQ},
	})
	require.NoError(t, err)

	result, err := eng.Commit(context.Background(), "pos", "SESS-SNAP", "K-snap", nil)
	require.NoError(t, err)

	err = st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		got, err := tx.GetSessionForUpdate(ctx, channel.ID, "SESS-SNAP")
		if err != nil {
			return err
		}
		got.Items = []domain.SessionItem{{LineID: "L-TAMPER", SKU: "TAMPERED", Qty: got.Items[0].Qty}}
		return tx.SaveSession(ctx, got)
	})
	require.NoError(t, err)

	order, err := st.GetOrderByRef(context.Background(), result.OrderRef)
	require.NoError(t, err)
	require.Len(t, order.Snapshot.Items, 1)
	assert.Equal(t, "COFFEE", order.Snapshot.Items[0].SKU)
	assert.Equal(t, int64(1), order.Snapshot.Rev)
}

func TestModifySessionSetDataPathRules(t *testing.T) {
	eng, st := newTestEngine(t)
	channel := seedChannel(t, st, domain.Channel{Code: "shop", PricingPolicy: domain.PricingInternal, EditPolicy: domain.EditOpen})
	seedOpenSession(t, st, channel, "SESS-DATA")
	eng.AllowedDataKeys = map[string]bool{"notes": true}

	sess, err := eng.ModifySession(context.Background(), "shop", "SESS-DATA", []domain.ModifyOp{
		{Op: domain.OpSetData, Path: "notes.kitchen", Value: "no onions"},
	})
	require.NoError(t, err)
	notes, ok := sess.Data.Caller["notes"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "no onions", notes["kitchen"])

	_, err = eng.ModifySession(context.Background(), "shop", "SESS-DATA", []domain.ModifyOp{
		{Op: domain.OpSetData, Path: "checks.stock", Value: "x"},
	})
	require.Error(t, err)
	e, ok := omnierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "reserved_path", e.Code)

	_, err = eng.ModifySession(context.Background(), "shop", "SESS-DATA", []domain.ModifyOp{
		{Op: domain.OpSetData, Path: "customer.name", Value: "x"},
	})
	require.Error(t, err)
	e, ok = omnierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "path_not_whitelisted", e.Code)
}

func TestResolveFailsOnStaleAction(t *testing.T) {
	eng, st := newTestEngine(t)
	channel := seedChannel(t, st, domain.Channel{Code: "shop", PricingPolicy: domain.PricingInternal, EditPolicy: domain.EditOpen})
	seedOpenSession(t, st, channel, "SESS-STALEACT")
	require.NoError(t, eng.Registry.RegisterIssueResolver(&StockResolver{Engine: eng}))

	sess, err := eng.ModifySession(context.Background(), "shop", "SESS-STALEACT", []domain.ModifyOp{
		{Op: domain.OpAddLine, SKU: "WIDGET", Qty: "10"},
	})
	require.NoError(t, err)
	lineID := sess.Items[0].LineID

	staleAction := domain.Action{ID: "ACT-OLD", Rev: sess.Rev, Ops: []domain.ModifyOp{
		{Op: domain.OpSetQty, LineID: lineID, Qty: "2"},
	}}

	// A later modify bumps the rev past the action's; the issue is written
	// back afterwards so it is still present when Resolve runs.
	latest, err := eng.ModifySession(context.Background(), "shop", "SESS-STALEACT", []domain.ModifyOp{
		{Op: domain.OpAddLine, SKU: "OTHER", Qty: "1"},
	})
	require.NoError(t, err)

	applied, err := eng.ApplyCheckResult(context.Background(), "shop", "SESS-STALEACT", latest.Rev, "stock", map[string]interface{}{}, []domain.Issue{
		{ID: "ISS-1", Source: "stock", Blocking: true, Actions: []domain.Action{staleAction}},
	})
	require.NoError(t, err)
	require.True(t, applied)

	_, err = eng.Resolve(context.Background(), "shop", "SESS-STALEACT", "ISS-1", "ACT-OLD")
	require.Error(t, err)
	e, ok := omnierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "stale_action", e.Code)
}
