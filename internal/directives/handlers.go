package directives

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/omniman/kernel/internal/backends"
	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/engine"
	"github.com/omniman/kernel/internal/ids"
	"github.com/omniman/kernel/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// HoldDuration is how far out a stock-hold handler sets a new hold's
// expiry from the moment it is created.
const HoldDuration = 15 * time.Minute

func payloadString(payload map[string]interface{}, key string) string {
	v, _ := payload[key].(string)
	return v
}

func payloadRev(payload map[string]interface{}) int64 {
	switch v := payload["rev"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

// StockHoldHandler implements the "stock.hold" directive: aggregates a
// session's items by SKU, checks availability against the stock
// backend, creates time-bounded holds for what's available, and writes
// back either the hold result or blocking issues via the check
// write-back engine.
type StockHoldHandler struct {
	Engine *engine.Engine
	Stock  backends.StockBackend
	Store  store.Store
	Log    *logrus.Entry
	Now    Clock
}

func (h *StockHoldHandler) Topic() string { return "stock.hold" }

func (h *StockHoldHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *StockHoldHandler) markDone(ctx context.Context, d *domain.Directive) error {
	return h.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		d.Status = domain.DirectiveDone
		d.UpdatedAt = h.now()
		return tx.SaveDirective(ctx, d)
	})
}

func (h *StockHoldHandler) markFailed(ctx context.Context, d *domain.Directive, reason string) error {
	return h.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		d.Status = domain.DirectiveFailed
		d.LastError = reason
		d.UpdatedAt = h.now()
		return tx.SaveDirective(ctx, d)
	})
}

type skuAggregate struct {
	SKU     string
	Qty     decimal.Decimal
	LineIDs []string
}

func aggregateBySKU(items []domain.SessionItem) []skuAggregate {
	order := []string{}
	bySKU := map[string]*skuAggregate{}
	for _, it := range items {
		agg, ok := bySKU[it.SKU]
		if !ok {
			agg = &skuAggregate{SKU: it.SKU, Qty: decimal.Zero}
			bySKU[it.SKU] = agg
			order = append(order, it.SKU)
		}
		agg.Qty = agg.Qty.Add(it.Qty)
		agg.LineIDs = append(agg.LineIDs, it.LineID)
	}
	out := make([]skuAggregate, 0, len(order))
	for _, sku := range order {
		out = append(out, *bySKU[sku])
	}
	return out
}

func (h *StockHoldHandler) Handle(ctx context.Context, d *domain.Directive) error {
	sessionKey := payloadString(d.Payload, "session_key")
	channelCode := payloadString(d.Payload, "channel_code")
	expectedRev := payloadRev(d.Payload)

	sess, err := h.Store.GetSessionByKey(ctx, sessionKey)
	if err != nil {
		return h.markFailed(ctx, d, fmt.Sprintf("session %q not found", sessionKey))
	}
	if sess.Rev != expectedRev {
		return h.markFailed(ctx, d, "stale directive")
	}
	if sess.State != domain.SessionOpen {
		return h.markDone(ctx, d)
	}

	if _, err := h.Stock.ReleaseHoldsForReference(ctx, sessionKey); err != nil {
		h.Log.WithError(err).Warn("failed to release prior holds before re-holding")
	}

	items := sess.Items
	aggregates := aggregateBySKU(items)

	var holds []map[string]interface{}
	var issues []domain.Issue

	for _, agg := range aggregates {
		avail, err := h.Stock.CheckAvailability(ctx, agg.SKU, agg.Qty.String())
		if err == nil && avail.Available {
			hold, holdErr := h.Stock.CreateHold(ctx, agg.SKU, agg.Qty.String(), h.now().Add(HoldDuration), sessionKey)
			if holdErr == nil {
				holds = append(holds, map[string]interface{}{
					"hold_id":    hold.ID,
					"sku":        hold.SKU,
					"qty":        hold.Qty,
					"expires_at": hold.ExpiresAt,
				})
				continue
			}
		}
		issues = append(issues, h.buildInsufficientStockIssue(agg, avail, sess.Rev)...)
	}

	result := map[string]interface{}{"holds": holds}
	applied, err := h.Engine.ApplyCheckResult(ctx, channelCode, sessionKey, expectedRev, "stock", result, issues)
	if err != nil {
		return h.markFailed(ctx, d, err.Error())
	}
	if !applied {
		return h.markFailed(ctx, d, "stale_rev")
	}
	return h.markDone(ctx, d)
}

// buildInsufficientStockIssue builds one blocking issue per line of the
// aggregate's SKU, each offering at minimum a "remove line" action and,
// when some quantity is available, a "set qty to available" action.
func (h *StockHoldHandler) buildInsufficientStockIssue(agg skuAggregate, avail backends.Availability, rev int64) []domain.Issue {
	sort.Strings(agg.LineIDs)
	var out []domain.Issue
	for _, lineID := range agg.LineIDs {
		actions := []domain.Action{
			{
				ID:   ids.NewActionID(),
				Kind: "remove_line",
				Rev:  rev,
				Ops:  []domain.ModifyOp{{Op: domain.OpRemoveLine, LineID: lineID}},
			},
		}
		if avail.AvailableQty != "" {
			if q, err := decimal.NewFromString(avail.AvailableQty); err == nil && q.Sign() > 0 {
				actions = append(actions, domain.Action{
					ID:   ids.NewActionID(),
					Kind: "set_qty",
					Rev:  rev,
					Ops:  []domain.ModifyOp{{Op: domain.OpSetQty, LineID: lineID, Qty: q.String()}},
				})
			}
		}
		out = append(out, domain.Issue{
			ID:       ids.NewIssueID(),
			Source:   "stock",
			Code:     "stock.insufficient",
			Blocking: true,
			Message:  fmt.Sprintf("insufficient stock for %s", agg.SKU),
			Context: map[string]interface{}{
				"sku":           agg.SKU,
				"available_qty": avail.AvailableQty,
			},
			Actions: actions,
		})
	}
	return out
}

// StockCommitHandler implements the "stock.commit" directive: converts
// every hold carried on the directive payload (falling back to the
// session's stock check result) into a fulfillment against the stock
// backend. It marks done unconditionally — the stock backend owns its
// own idempotency for fulfillment.
type StockCommitHandler struct {
	Stock backends.StockBackend
	Store store.Store
	Log   *logrus.Entry
	Now   Clock
}

func (h *StockCommitHandler) Topic() string { return "stock.commit" }

func (h *StockCommitHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *StockCommitHandler) Handle(ctx context.Context, d *domain.Directive) error {
	orderRef := payloadString(d.Payload, "order_ref")
	sessionKey := payloadString(d.Payload, "session_key")

	holds, _ := d.Payload["holds"].([]interface{})
	if len(holds) == 0 {
		if sess, err := h.Store.GetSessionByKey(ctx, sessionKey); err == nil {
			if rec, ok := sess.Data.Checks["stock"]; ok {
				holds, _ = rec.Result["holds"].([]interface{})
			}
		}
	}

	for _, raw := range holds {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		holdID, _ := m["hold_id"].(string)
		if holdID == "" {
			continue
		}
		if err := h.Stock.FulfillHold(ctx, holdID, orderRef); err != nil {
			h.Log.WithError(err).WithField("hold_id", holdID).Warn("failed to fulfill hold")
		}
	}

	return h.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		d.Status = domain.DirectiveDone
		d.UpdatedAt = h.now()
		return tx.SaveDirective(ctx, d)
	})
}

// PaymentCaptureHandler implements the "payment.capture" directive:
// short-circuits to done if the intent is already captured, otherwise
// captures and emits a payment.captured OrderEvent.
type PaymentCaptureHandler struct {
	Payment backends.PaymentBackend
	Store   store.Store
	Log     *logrus.Entry
	Now     Clock
}

func (h *PaymentCaptureHandler) Topic() string { return "payment.capture" }

func (h *PaymentCaptureHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *PaymentCaptureHandler) intentID(ctx context.Context, d *domain.Directive) (string, error) {
	if id := payloadString(d.Payload, "intent_id"); id != "" {
		return id, nil
	}
	sessionKey := payloadString(d.Payload, "session_key")
	sess, err := h.Store.GetSessionByKey(ctx, sessionKey)
	if err != nil {
		return "", err
	}
	if payment, ok := sess.Data.Caller["payment"].(map[string]interface{}); ok {
		if id, ok := payment["intent_id"].(string); ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("directives: no payment intent id found for directive %s", d.ID)
}

func (h *PaymentCaptureHandler) Handle(ctx context.Context, d *domain.Directive) error {
	intentID, err := h.intentID(ctx, d)
	if err != nil {
		return h.finish(ctx, d, domain.DirectiveFailed, err.Error())
	}

	status, err := h.Payment.GetStatus(ctx, intentID)
	if err == nil && status == backends.IntentCaptured {
		return h.finish(ctx, d, domain.DirectiveDone, "")
	}

	if err := h.Payment.Capture(ctx, intentID, nil, payloadString(d.Payload, "order_ref")); err != nil {
		return h.finish(ctx, d, domain.DirectiveFailed, err.Error())
	}

	orderRef := payloadString(d.Payload, "order_ref")
	if order, err := h.Store.GetOrderByRef(ctx, orderRef); err == nil {
		_ = h.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.CreateOrderEvent(ctx, &domain.OrderEvent{
				OrderID:   order.ID,
				Type:      "payment.captured",
				Payload:   map[string]interface{}{"intent_id": intentID},
				CreatedAt: h.now(),
			})
		})
	}

	return h.finish(ctx, d, domain.DirectiveDone, "")
}

func (h *PaymentCaptureHandler) finish(ctx context.Context, d *domain.Directive, status domain.DirectiveStatus, lastError string) error {
	return h.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		d.Status = status
		d.LastError = lastError
		d.UpdatedAt = h.now()
		return tx.SaveDirective(ctx, d)
	})
}

// PaymentRefundHandler implements the "payment.refund" directive,
// analogous to capture: refunds and emits a payment.refunded
// OrderEvent.
type PaymentRefundHandler struct {
	Payment backends.PaymentBackend
	Store   store.Store
	Log     *logrus.Entry
	Now     Clock
}

func (h *PaymentRefundHandler) Topic() string { return "payment.refund" }

func (h *PaymentRefundHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *PaymentRefundHandler) Handle(ctx context.Context, d *domain.Directive) error {
	intentID := payloadString(d.Payload, "intent_id")
	if intentID == "" {
		return h.finish(ctx, d, domain.DirectiveFailed, "no intent_id in payload")
	}
	reason := payloadString(d.Payload, "reason")
	if err := h.Payment.Refund(ctx, intentID, nil, reason); err != nil {
		return h.finish(ctx, d, domain.DirectiveFailed, err.Error())
	}

	orderRef := payloadString(d.Payload, "order_ref")
	if order, err := h.Store.GetOrderByRef(ctx, orderRef); err == nil {
		_ = h.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.CreateOrderEvent(ctx, &domain.OrderEvent{
				OrderID:   order.ID,
				Type:      "payment.refunded",
				Payload:   map[string]interface{}{"intent_id": intentID},
				CreatedAt: h.now(),
			})
		})
	}

	return h.finish(ctx, d, domain.DirectiveDone, "")
}

func (h *PaymentRefundHandler) finish(ctx context.Context, d *domain.Directive, status domain.DirectiveStatus, lastError string) error {
	return h.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		d.Status = status
		d.LastError = lastError
		d.UpdatedAt = h.now()
		return tx.SaveDirective(ctx, d)
	})
}
