package engine

import (
	"context"
	"errors"
	"time"

	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/money"
	"github.com/omniman/kernel/internal/omnierr"
	"github.com/omniman/kernel/internal/registry"
	"github.com/omniman/kernel/internal/store"
)

const idempotencyScopeCommit = "commit"

// CommitResult is the body returned to the caller and, on success,
// cached verbatim on the idempotency row for replay.
type CommitResult struct {
	OrderRef   string `json:"order_ref"`
	OrderID    string `json:"order_id,omitempty"`
	Status     string `json:"status"`
	TotalQ     int64  `json:"total_q"`
	ItemsCount int    `json:"items_count"`
}

func (r CommitResult) asMap() map[string]interface{} {
	return map[string]interface{}{
		"order_ref":   r.OrderRef,
		"order_id":    r.OrderID,
		"status":      r.Status,
		"total_q":     r.TotalQ,
		"items_count": r.ItemsCount,
	}
}

func commitResultFromMap(m map[string]interface{}) CommitResult {
	r := CommitResult{}
	if v, ok := m["order_ref"].(string); ok {
		r.OrderRef = v
	}
	if v, ok := m["order_id"].(string); ok {
		r.OrderID = v
	}
	if v, ok := m["status"].(string); ok {
		r.Status = v
	}
	switch v := m["total_q"].(type) {
	case int64:
		r.TotalQ = v
	case float64:
		r.TotalQ = int64(v)
	}
	switch v := m["items_count"].(type) {
	case int:
		r.ItemsCount = v
	case float64:
		r.ItemsCount = int(v)
	}
	return r
}

// RefsCarryoverHook is invoked synchronously from the commit engine once
// the order row exists, letting the refs subsystem copy/expire refs
// without the commit engine knowing anything about ref types.
type RefsCarryoverHook interface {
	OnSessionCommitted(ctx context.Context, tx store.Tx, sessionID, orderID string) error
}

// Commit seals channelCode/sessionKey into an order, guarded by a
// two-transaction idempotency protocol: a short outer transaction
// acquires (or replays) the idempotency lock, and a long inner
// transaction performs the commit proper. The lock's failure-marking
// step always runs on its own transaction so it survives an inner
// rollback.
func (e *Engine) Commit(ctx context.Context, channelCode, sessionKey, idempotencyKey string, refsHook RefsCarryoverHook) (*CommitResult, error) {
	start := time.Now()
	if idempotencyKey == "" {
		idempotencyKey = newIdempotencyKey()
	}

	proceed, cached, err := e.acquireIdempotencyLock(ctx, idempotencyKey)
	if err != nil {
		e.Log.LogEngineCall(ctx, "commit", channelCode, sessionKey, 0, time.Since(start), err)
		return nil, err
	}
	if !proceed {
		e.Log.LogEngineCall(ctx, "commit", channelCode, sessionKey, 0, time.Since(start), nil)
		return cached, nil
	}

	result, rev, commitErr := e.commitInner(ctx, channelCode, sessionKey, idempotencyKey, refsHook)

	finalizeErr := e.finalizeIdempotency(ctx, idempotencyKey, result, commitErr)
	if finalizeErr != nil {
		e.Log.WithError(finalizeErr).Error("failed to finalize idempotency key")
	}
	e.Log.LogEngineCall(ctx, "commit", channelCode, sessionKey, rev, time.Since(start), commitErr)
	if commitErr != nil {
		return nil, commitErr
	}
	return result, nil
}

func (e *Engine) acquireIdempotencyLock(ctx context.Context, idempotencyKey string) (proceed bool, cached *CommitResult, err error) {
	err = e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := e.now()
		k, lookupErr := tx.GetIdempotencyKeyForUpdate(ctx, idempotencyScopeCommit, idempotencyKey)
		if errors.Is(lookupErr, store.ErrNotFound) {
			nk := &domain.IdempotencyKey{
				Scope:     idempotencyScopeCommit,
				Key:       idempotencyKey,
				Status:    domain.IdempotencyInProgress,
				ExpiresAt: now.Add(domain.IdempotencyLockTTL),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.CreateIdempotencyKey(ctx, nk); err != nil {
				return err
			}
			proceed = true
			return nil
		}
		if lookupErr != nil {
			return lookupErr
		}

		switch k.Status {
		case domain.IdempotencyDone:
			r := commitResultFromMap(k.ResponseBody)
			// A replay is reported as already_committed so the HTTP
			// surface answers 200, not 201, the second time around.
			r.Status = "already_committed"
			cached = &r
			proceed = false
			return nil
		case domain.IdempotencyInProgress:
			if now.After(k.ExpiresAt) {
				k.Status = domain.IdempotencyInProgress
				k.ExpiresAt = now.Add(domain.IdempotencyLockTTL)
				k.UpdatedAt = now
				if err := tx.SaveIdempotencyKey(ctx, k); err != nil {
					return err
				}
				proceed = true
				return nil
			}
			return omnierr.Idempotency("in_progress", "a commit with this idempotency key is already in progress")
		case domain.IdempotencyFailed:
			k.Status = domain.IdempotencyInProgress
			k.ExpiresAt = now.Add(domain.IdempotencyLockTTL)
			k.UpdatedAt = now
			if err := tx.SaveIdempotencyKey(ctx, k); err != nil {
				return err
			}
			proceed = true
			return nil
		default:
			return omnierr.Idempotency("conflict", "idempotency key is in an unrecognized state")
		}
	})
	return proceed, cached, err
}

func (e *Engine) finalizeIdempotency(ctx context.Context, idempotencyKey string, result *CommitResult, commitErr error) error {
	return e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		k, err := tx.GetIdempotencyKeyForUpdate(ctx, idempotencyScopeCommit, idempotencyKey)
		if err != nil {
			return err
		}
		now := e.now()
		k.UpdatedAt = now
		if commitErr == nil {
			k.Status = domain.IdempotencyDone
			k.ResponseCode = 201
			k.ResponseBody = result.asMap()
		} else {
			k.Status = domain.IdempotencyFailed
		}
		return tx.SaveIdempotencyKey(ctx, k)
	})
}

func (e *Engine) commitInner(ctx context.Context, channelCode, sessionKey, idempotencyKey string, refsHook RefsCarryoverHook) (*CommitResult, int64, error) {
	var result *CommitResult
	var rev int64
	var enqueued []string
	err := e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		channel, err := tx.GetChannelByCode(ctx, channelCode)
		if err != nil {
			return omnierr.Session("not_found", "channel not found").WithContext("channel_code", channelCode)
		}
		sess, err := tx.GetSessionForUpdate(ctx, channel.ID, sessionKey)
		if err != nil {
			return omnierr.Session("not_found", "session not found").WithContext("session_key", sessionKey)
		}
		rev = sess.Rev

		if sess.State == domain.SessionCommitted {
			existing, oerr := tx.GetOrderBySessionKey(ctx, sessionKey)
			if oerr != nil {
				return omnierr.Commit("already_committed", "session is committed but its order could not be found").WithContext("session_key", sessionKey)
			}
			result = &CommitResult{
				OrderRef:   existing.Ref,
				OrderID:    existing.ID,
				Status:     "already_committed",
				TotalQ:     existing.TotalQ,
				ItemsCount: len(existing.Snapshot.Items),
			}
			return nil
		}
		if sess.State == domain.SessionAbandoned {
			return omnierr.Commit("abandoned", "session has been abandoned").WithContext("session_key", sessionKey)
		}

		if err := e.checkRequiredChecks(channel, sess); err != nil {
			return err
		}
		if blocking := blockingIssues(sess); len(blocking) > 0 {
			return omnierr.Commit("blocking_issues", "session has unresolved blocking issues").WithContext("issues", blocking)
		}
		for _, v := range e.Registry.ValidatorsForStage(registry.StageCommit) {
			if err := v.Validate(ctx, channel, sess); err != nil {
				return err
			}
		}
		if len(sess.Items) == 0 {
			return omnierr.Commit("empty_session", "session has no items").WithContext("session_key", sessionKey)
		}

		totalQ, err := computeTotal(sess.Items)
		if err != nil {
			return omnierr.Validation("invalid_qty", err.Error())
		}

		now := e.now()
		order := &domain.Order{
			Ref:        newOrderRef(now),
			ChannelID:  channel.ID,
			SessionKey: sess.SessionKey,
			HandleType: sess.HandleType,
			HandleRef:  sess.HandleRef,
			Status:     domain.StatusNew,
			Snapshot: domain.OrderSnapshot{
				Items:   sess.Items,
				Data:    sess.Data,
				Pricing: sess.Pricing,
				Rev:     sess.Rev,
			},
			TotalQ:    totalQ,
			CreatedAt: now,
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}

		orderItems := make([]domain.OrderItem, 0, len(sess.Items))
		for _, it := range sess.Items {
			lineTotalQ := totalForItem(it)
			orderItems = append(orderItems, domain.OrderItem{
				OrderID:    order.ID,
				LineID:     it.LineID,
				SKU:        it.SKU,
				Qty:        it.Qty.String(),
				UnitPriceQ: it.UnitPriceQ,
				LineTotalQ: lineTotalQ,
				Name:       it.Name,
				Meta:       it.Meta,
			})
		}
		if err := tx.CreateOrderItems(ctx, orderItems); err != nil {
			return err
		}

		if err := tx.CreateOrderEvent(ctx, &domain.OrderEvent{
			OrderID:   order.ID,
			Type:      "created",
			Payload:   map[string]interface{}{"from_session": sess.SessionKey},
			CreatedAt: now,
		}); err != nil {
			return err
		}

		sess.State = domain.SessionCommitted
		sess.CommittedAt = &now
		sess.CommitToken = idempotencyKey
		sess.UpdatedAt = now
		if err := tx.SaveSession(ctx, sess); err != nil {
			return err
		}

		holds := stockHoldsFromChecks(sess)
		for _, topic := range channel.Config.PostCommitDirectives {
			payload := map[string]interface{}{
				"order_ref":    order.Ref,
				"channel_code": channelCode,
				"session_key":  sess.SessionKey,
			}
			if topic == "stock.commit" && holds != nil {
				payload["holds"] = holds
			}
			if err := tx.EnqueueDirective(ctx, &domain.Directive{
				Topic:       topic,
				Status:      domain.DirectiveQueued,
				Payload:     payload,
				AvailableAt: now,
				CreatedAt:   now,
				UpdatedAt:   now,
			}); err != nil {
				return err
			}
			enqueued = append(enqueued, topic)
		}

		if refsHook != nil {
			if err := refsHook.OnSessionCommitted(ctx, tx, sess.ID, order.ID); err != nil {
				return err
			}
		}

		result = &CommitResult{
			OrderRef:   order.Ref,
			OrderID:    order.ID,
			Status:     "committed",
			TotalQ:     totalQ,
			ItemsCount: len(sess.Items),
		}
		return nil
	})
	if err != nil {
		return nil, rev, err
	}
	e.notifyEnqueued(enqueued)
	return result, rev, nil
}

func (e *Engine) checkRequiredChecks(channel *domain.Channel, sess *domain.Session) error {
	now := e.now()
	for _, code := range channel.Config.RequiredChecksOnCommit {
		rec, ok := sess.Data.Checks[code]
		if !ok {
			return omnierr.Commit("missing_check", "a required check has not completed").WithContext("check_code", code)
		}
		if rec.Rev != sess.Rev {
			return omnierr.Commit("stale_check", "a required check was computed against a stale revision").WithContext("check_code", code)
		}
		if expired, holdID := holdExpired(rec.Result, now); expired {
			return omnierr.Commit("hold_expired", "an inventory hold has expired").WithContext("hold_id", holdID)
		}
	}
	return nil
}

// holdExpired checks a check result's hold_expires_at and any holds in
// result.holds for an expired expires_at. Naive (no-zone) timestamps are
// treated as UTC, per the kernel's datetime parsing policy.
func holdExpired(result map[string]interface{}, now time.Time) (bool, string) {
	if ts, ok := result["hold_expires_at"]; ok {
		if t, ok := parseTimestamp(ts); ok && t.Before(now) {
			return true, ""
		}
	}
	holds, _ := result["holds"].([]interface{})
	for _, h := range holds {
		m, ok := h.(map[string]interface{})
		if !ok {
			continue
		}
		ts, ok := m["expires_at"]
		if !ok {
			continue
		}
		t, ok := parseTimestamp(ts)
		if !ok {
			continue
		}
		if t.Before(now) {
			holdID, _ := m["hold_id"].(string)
			return true, holdID
		}
	}
	return false, ""
}

func parseTimestamp(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.ParseInLocation("2006-01-02T15:04:05", t, time.UTC); err == nil {
			return parsed, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

func blockingIssues(sess *domain.Session) []domain.Issue {
	var out []domain.Issue
	for _, iss := range sess.Data.Issues {
		if iss.Blocking {
			out = append(out, iss)
		}
	}
	return out
}

func computeTotal(items []domain.SessionItem) (int64, error) {
	var total int64
	for _, it := range items {
		total += totalForItem(it)
	}
	return total, nil
}

func totalForItem(it domain.SessionItem) int64 {
	if it.LineTotalQ != nil {
		return *it.LineTotalQ
	}
	if it.UnitPriceQ == nil {
		return 0
	}
	q, _ := money.Multiply(it.Qty, *it.UnitPriceQ)
	return q
}

func stockHoldsFromChecks(sess *domain.Session) []interface{} {
	rec, ok := sess.Data.Checks["stock"]
	if !ok {
		return nil
	}
	holds, _ := rec.Result["holds"].([]interface{})
	return holds
}
