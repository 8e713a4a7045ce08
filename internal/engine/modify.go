package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/money"
	"github.com/omniman/kernel/internal/omnierr"
	"github.com/omniman/kernel/internal/registry"
	"github.com/omniman/kernel/internal/store"
)

const maxSetDataDepth = 5

// ModifySession applies ops to the named session under a single
// transaction with a row lock on the session, running the modifier and
// draft-validator pipeline before bumping rev and persisting.
func (e *Engine) ModifySession(ctx context.Context, channelCode, sessionKey string, ops []domain.ModifyOp) (*domain.Session, error) {
	start := time.Now()
	var result *domain.Session
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
		if err := refuseIfNotModifiable(channel, sess); err != nil {
			return err
		}
		topics, err := e.applyModify(ctx, tx, channel, sess, ops)
		if err != nil {
			return err
		}
		enqueued = topics
		result = sess
		return nil
	})
	var rev int64
	if result != nil {
		rev = result.Rev
	}
	e.Log.LogEngineCall(ctx, "modify", channelCode, sessionKey, rev, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	e.notifyEnqueued(enqueued)
	return result, nil
}

// applyModify runs the modify pipeline against an already-locked
// session: op application, the modifier and draft-validator pipeline,
// rev bump, check/issue invalidation, persistence, and directive
// fan-out. Issue resolvers route through here too, inside the resolve
// engine's own transaction, so resolve shares modify's semantics under
// the same row lock. Returns the topics enqueued so the caller can
// fire the wake hook once its transaction commits.
func (e *Engine) applyModify(ctx context.Context, tx store.Tx, channel *domain.Channel, sess *domain.Session, ops []domain.ModifyOp) ([]string, error) {
	items := append([]domain.SessionItem(nil), sess.Items...)
	data := sess.Data
	if data.Checks == nil {
		data = domain.NewSessionData()
		data.Caller = sess.Data.Caller
	}

	var err error
	for _, op := range ops {
		items, data, err = e.applyOp(sess, channel, items, data, op)
		if err != nil {
			return nil, err
		}
	}
	sess.Items = items
	sess.Data = data

	for _, m := range e.Registry.Modifiers() {
		if err := m.Apply(ctx, channel, sess); err != nil {
			return nil, err
		}
	}
	for _, v := range e.Registry.ValidatorsForStage(registry.StageDraft) {
		if err := v.Validate(ctx, channel, sess); err != nil {
			return nil, err
		}
	}

	sess.Rev++
	sess.Data.Invalidate()
	sess.UpdatedAt = e.now()
	if err := tx.SaveSession(ctx, sess); err != nil {
		return nil, err
	}

	var enqueued []string
	for _, checkCode := range channel.Config.RequiredChecksOnCommit {
		topic := channel.Config.DirectiveTopicFor(checkCode)
		payload := map[string]interface{}{
			"session_key": sess.SessionKey,
			"channel_code": channel.Code,
			"rev":          sess.Rev,
			"items":        sess.Items,
		}
		d := &domain.Directive{
			Topic:       topic,
			Status:      domain.DirectiveQueued,
			Payload:     payload,
			AvailableAt: e.now(),
			CreatedAt:   e.now(),
			UpdatedAt:   e.now(),
		}
		if err := tx.EnqueueDirective(ctx, d); err != nil {
			return nil, err
		}
		enqueued = append(enqueued, topic)
	}
	return enqueued, nil
}

func refuseIfNotModifiable(channel *domain.Channel, sess *domain.Session) error {
	switch sess.State {
	case domain.SessionCommitted:
		return omnierr.Session("already_committed", "session is already committed").WithContext("session_key", sess.SessionKey)
	case domain.SessionAbandoned:
		return omnierr.Session("already_abandoned", "session has been abandoned").WithContext("session_key", sess.SessionKey)
	}
	editPolicy := sess.EditPolicy
	if editPolicy == "" {
		editPolicy = channel.EditPolicy
	}
	if editPolicy == domain.EditLocked {
		return omnierr.Session("locked",
			fmt.Sprintf("%s manages this order's contents; it cannot be edited here", channel.Name)).
			WithContext("channel_code", channel.Code)
	}
	return nil
}

func (e *Engine) applyOp(sess *domain.Session, channel *domain.Channel, items []domain.SessionItem, data domain.SessionData, op domain.ModifyOp) ([]domain.SessionItem, domain.SessionData, error) {
	switch op.Op {
	case domain.OpAddLine:
		return e.opAddLine(channel, items, data, op)
	case domain.OpRemoveLine:
		return e.opRemoveLine(items, data, op)
	case domain.OpSetQty:
		return e.opSetQty(items, data, op)
	case domain.OpReplaceSKU:
		return e.opReplaceSKU(channel, items, data, op)
	case domain.OpSetData:
		return e.opSetData(items, data, op)
	case domain.OpMergeLines:
		return e.opMergeLines(items, data, op)
	default:
		return items, data, omnierr.Validation("unsupported_op", fmt.Sprintf("unsupported op %q", op.Op)).WithContext("op", string(op.Op))
	}
}

func requireExternalPrice(channel *domain.Channel, unitPriceQ *int64) error {
	if channel.PricingPolicy == domain.PricingExternal && unitPriceQ == nil {
		return omnierr.Validation("missing_unit_price_q", "unit_price_q is required on this channel")
	}
	return nil
}

func (e *Engine) opAddLine(channel *domain.Channel, items []domain.SessionItem, data domain.SessionData, op domain.ModifyOp) ([]domain.SessionItem, domain.SessionData, error) {
	if op.SKU == "" {
		return items, data, omnierr.Validation("missing_sku", "sku is required")
	}
	if err := requireExternalPrice(channel, op.UnitPriceQ); err != nil {
		return items, data, err
	}
	qty, err := money.ParseQty(op.Qty)
	if err != nil || qty.Sign() <= 0 {
		return items, data, omnierr.Validation("invalid_qty", "qty must be a positive decimal").WithContext("qty", op.Qty)
	}
	item := domain.SessionItem{
		LineID:     newLineID(),
		SKU:        op.SKU,
		Qty:        qty,
		UnitPriceQ: op.UnitPriceQ,
		Name:       op.Name,
		Meta:       op.Meta,
	}
	return append(items, item), data, nil
}

func (e *Engine) opRemoveLine(items []domain.SessionItem, data domain.SessionData, op domain.ModifyOp) ([]domain.SessionItem, domain.SessionData, error) {
	idx := indexOfLine(items, op.LineID)
	if idx < 0 {
		return items, data, omnierr.Validation("unknown_line_id", "no such line").WithContext("line_id", op.LineID)
	}
	out := append(items[:idx:idx], items[idx+1:]...)
	return out, data, nil
}

func (e *Engine) opSetQty(items []domain.SessionItem, data domain.SessionData, op domain.ModifyOp) ([]domain.SessionItem, domain.SessionData, error) {
	idx := indexOfLine(items, op.LineID)
	if idx < 0 {
		return items, data, omnierr.Validation("unknown_line_id", "no such line").WithContext("line_id", op.LineID)
	}
	qty, err := money.ParseQty(op.Qty)
	if err != nil || qty.Sign() <= 0 {
		return items, data, omnierr.Validation("invalid_qty", "qty must be a positive decimal").WithContext("qty", op.Qty)
	}
	items[idx].Qty = qty
	return items, data, nil
}

func (e *Engine) opReplaceSKU(channel *domain.Channel, items []domain.SessionItem, data domain.SessionData, op domain.ModifyOp) ([]domain.SessionItem, domain.SessionData, error) {
	idx := indexOfLine(items, op.LineID)
	if idx < 0 {
		return items, data, omnierr.Validation("unknown_line_id", "no such line").WithContext("line_id", op.LineID)
	}
	if op.SKU == "" {
		return items, data, omnierr.Validation("missing_sku", "sku is required")
	}
	if err := requireExternalPrice(channel, op.UnitPriceQ); err != nil {
		return items, data, err
	}
	items[idx].SKU = op.SKU
	items[idx].UnitPriceQ = op.UnitPriceQ
	if op.Meta != nil {
		items[idx].Meta = op.Meta
	}
	return items, data, nil
}

func (e *Engine) opMergeLines(items []domain.SessionItem, data domain.SessionData, op domain.ModifyOp) ([]domain.SessionItem, domain.SessionData, error) {
	if op.FromLineID == op.IntoLineID {
		return items, data, omnierr.Validation("invalid_merge", "from and into must be distinct lines")
	}
	fromIdx := indexOfLine(items, op.FromLineID)
	intoIdx := indexOfLine(items, op.IntoLineID)
	if fromIdx < 0 || intoIdx < 0 {
		return items, data, omnierr.Validation("unknown_line_id", "no such line").WithContext("from_line_id", op.FromLineID).WithContext("into_line_id", op.IntoLineID)
	}
	if items[fromIdx].SKU != items[intoIdx].SKU {
		return items, data, omnierr.Validation("sku_mismatch", "merged lines must share a sku")
	}
	items[intoIdx].Qty = items[intoIdx].Qty.Add(items[fromIdx].Qty)
	out := append(items[:fromIdx:fromIdx], items[fromIdx+1:]...)
	return out, data, nil
}

func (e *Engine) opSetData(items []domain.SessionItem, data domain.SessionData, op domain.ModifyOp) ([]domain.SessionItem, domain.SessionData, error) {
	segments := strings.Split(op.Path, ".")
	if len(segments) == 0 || segments[0] == "" {
		return items, data, omnierr.Validation("invalid_path", "path is required")
	}
	if len(segments) > maxSetDataDepth {
		return items, data, omnierr.Validation("invalid_path", "path exceeds maximum depth").WithContext("path", op.Path)
	}
	root := segments[0]
	if reservedDataKeys[root] || strings.HasPrefix(root, "__") {
		return items, data, omnierr.Validation("reserved_path", "path touches a kernel-reserved key").WithContext("path", op.Path)
	}
	if len(e.AllowedDataKeys) > 0 && !e.AllowedDataKeys[root] {
		return items, data, omnierr.Validation("path_not_whitelisted", "root key is not caller-writable").WithContext("path", op.Path)
	}
	raw := []byte(`{}`)
	if data.Caller != nil {
		encoded, err := json.Marshal(data.Caller)
		if err != nil {
			return items, data, omnierr.Validation("invalid_path", "caller data is not serializable")
		}
		raw = encoded
	}
	updated, err := sjson.SetBytes(raw, op.Path, op.Value)
	if err != nil {
		return items, data, omnierr.Validation("invalid_path", "path could not be applied").WithContext("path", op.Path)
	}
	var caller map[string]interface{}
	if err := json.Unmarshal(updated, &caller); err != nil {
		return items, data, omnierr.Validation("invalid_path", "path could not be applied").WithContext("path", op.Path)
	}
	data.Caller = caller
	return items, data, nil
}

func indexOfLine(items []domain.SessionItem, lineID string) int {
	for i := range items {
		if items[i].LineID == lineID {
			return i
		}
	}
	return -1
}
