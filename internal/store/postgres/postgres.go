// Package postgres implements store.Store and store.Tx against
// PostgreSQL in a raw-SQL, manual-Scan idiom: every write
// path begins a transaction, takes a FOR UPDATE row lock on the entity
// it mutates, and commits exactly once. Channel.Config is the one
// domain field scanned automatically (it implements sql.Scanner /
// driver.Valuer); every other structured column (items, data, snapshot,
// payload, scope, ...) is marshaled/unmarshaled by hand alongside the
// flat columns sqlx.Get/Select populate directly.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/store"
)

// Store implements store.Store backed by a *sqlx.DB connection pool.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-open *sqlx.DB as a store.Store.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside one transaction at the database's default
// isolation level, committing on nil error and rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}

	if err := fn(ctx, &txImpl{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// --- read-only convenience paths, used by the HTTP surface -----------------

func (s *Store) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	var out []domain.Channel
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, code, name, display_order, is_active, pricing_policy, edit_policy, config
		FROM channels ORDER BY display_order, code`)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetChannelByCode(ctx context.Context, code string) (*domain.Channel, error) {
	var c domain.Channel
	err := s.db.GetContext(ctx, &c, `
		SELECT id, code, name, display_order, is_active, pricing_policy, edit_policy, config
		FROM channels WHERE code = $1`, code)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (s *Store) GetSessionByKey(ctx context.Context, sessionKey string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, sessionSelectSQL+" WHERE session_key = $1", sessionKey)
	return scanSession(row)
}

func (s *Store) ListSessions(ctx context.Context, channelCode string) ([]domain.Session, error) {
	var rows *sql.Rows
	var err error
	if channelCode != "" {
		rows, err = s.db.QueryContext(ctx, sessionSelectSQL+" WHERE channel_code = $1 ORDER BY opened_at", channelCode)
	} else {
		rows, err = s.db.QueryContext(ctx, sessionSelectSQL+" ORDER BY opened_at")
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) GetOrderByRef(ctx context.Context, ref string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, orderSelectSQL+" WHERE ref = $1", ref)
	return scanOrder(row)
}

func (s *Store) ListOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, orderSelectSQL+" ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// CleanupIdempotencyKeys deletes done/failed rows older than the cutoff
// plus any expired rows, optionally sweeping orphan in_progress rows as
// well. DryRun counts matching rows without deleting them.
func (s *Store) CleanupIdempotencyKeys(ctx context.Context, sel store.IdempotencyCleanup) (int64, error) {
	where := `(status IN ('done', 'failed') AND created_at < $1) OR expires_at < $2`
	args := []interface{}{sel.DoneFailedBefore, sel.ExpiredAsOf}
	if sel.InProgressBefore != nil {
		where += ` OR (status = 'in_progress' AND created_at < $3)`
		args = append(args, *sel.InProgressBefore)
	}
	if sel.DryRun {
		var n int64
		err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM idempotency_keys WHERE `+where, args...)
		return n, err
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) ListDirectives(ctx context.Context) ([]domain.Directive, error) {
	rows, err := s.db.QueryContext(ctx, directiveSelectSQL+" ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDirectives(rows)
}

// --- shared SQL fragments and row scanners ----------------------------------

const sessionSelectSQL = `
	SELECT id, session_key, channel_id, channel_code, handle_type, handle_ref, state,
	       pricing_policy, edit_policy, rev, items, pricing, pricing_trace, data,
	       opened_at, updated_at, committed_at, commit_token
	FROM sessions`

type sessionRowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSessionRow(sc sessionRowScanner) (*domain.Session, error) {
	var (
		sess          domain.Session
		itemsRaw      []byte
		pricingRaw    []byte
		traceRaw      []byte
		dataRaw       []byte
		committedAt   sql.NullTime
	)
	err := sc.Scan(
		&sess.ID, &sess.SessionKey, &sess.ChannelID, &sess.ChannelCode, &sess.HandleType, &sess.HandleRef, &sess.State,
		&sess.PricingPolicy, &sess.EditPolicy, &sess.Rev, &itemsRaw, &pricingRaw, &traceRaw, &dataRaw,
		&sess.OpenedAt, &sess.UpdatedAt, &committedAt, &sess.CommitToken,
	)
	if err != nil {
		return nil, err
	}
	if committedAt.Valid {
		sess.CommittedAt = &committedAt.Time
	}
	if err := unmarshalDefault(itemsRaw, &sess.Items); err != nil {
		return nil, fmt.Errorf("postgres: decode session items: %w", err)
	}
	if err := unmarshalDefault(pricingRaw, &sess.Pricing); err != nil {
		return nil, fmt.Errorf("postgres: decode session pricing: %w", err)
	}
	if err := unmarshalDefault(traceRaw, &sess.PricingTrace); err != nil {
		return nil, fmt.Errorf("postgres: decode session pricing trace: %w", err)
	}
	sess.Data = domain.NewSessionData()
	if err := unmarshalSessionData(dataRaw, &sess.Data); err != nil {
		return nil, fmt.Errorf("postgres: decode session data: %w", err)
	}
	return &sess, nil
}

func scanSession(row *sql.Row) (*domain.Session, error) {
	sess, err := scanSessionRow(row)
	if err != nil {
		return nil, mapErr(err)
	}
	return sess, nil
}

func scanSessions(rows *sql.Rows) ([]domain.Session, error) {
	out := make([]domain.Session, 0)
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// sessionDataWire is SessionData's on-the-wire shape: Caller is folded in
// as a top-level JSON object (unlike the struct's json:"-" tag, which
// only hides it from the HTTP API's response body).
type sessionDataWire struct {
	Checks map[string]domain.CheckRecord `json:"checks"`
	Issues []domain.Issue                `json:"issues"`
	Caller map[string]interface{}        `json:"caller"`
}

func marshalSessionData(d domain.SessionData) ([]byte, error) {
	return json.Marshal(sessionDataWire{Checks: d.Checks, Issues: d.Issues, Caller: d.Caller})
}

func unmarshalSessionData(raw []byte, out *domain.SessionData) error {
	if len(raw) == 0 {
		return nil
	}
	var wire sessionDataWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	if wire.Checks != nil {
		out.Checks = wire.Checks
	}
	if wire.Issues != nil {
		out.Issues = wire.Issues
	}
	if wire.Caller != nil {
		out.Caller = wire.Caller
	}
	return nil
}

func unmarshalDefault(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

const orderSelectSQL = `
	SELECT id, ref, channel_id, session_key, handle_type, handle_ref, external_ref,
	       status, snapshot, currency, total_q, timestamps, created_at
	FROM orders`

func scanOrderRow(sc sessionRowScanner) (*domain.Order, error) {
	var (
		o             domain.Order
		snapshotRaw   []byte
		timestampsRaw []byte
	)
	err := sc.Scan(
		&o.ID, &o.Ref, &o.ChannelID, &o.SessionKey, &o.HandleType, &o.HandleRef, &o.ExternalRef,
		&o.Status, &snapshotRaw, &o.Currency, &o.TotalQ, &timestampsRaw, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalDefault(snapshotRaw, &o.Snapshot); err != nil {
		return nil, fmt.Errorf("postgres: decode order snapshot: %w", err)
	}
	if err := unmarshalDefault(timestampsRaw, &o.Timestamps); err != nil {
		return nil, fmt.Errorf("postgres: decode order timestamps: %w", err)
	}
	return &o, nil
}

func scanOrder(row *sql.Row) (*domain.Order, error) {
	o, err := scanOrderRow(row)
	if err != nil {
		return nil, mapErr(err)
	}
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]domain.Order, error) {
	out := make([]domain.Order, 0)
	for rows.Next() {
		o, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

const directiveSelectSQL = `
	SELECT id, topic, status, payload, attempts, available_at, last_error, created_at, updated_at
	FROM directives`

func scanDirectiveRow(sc sessionRowScanner) (*domain.Directive, error) {
	var (
		d          domain.Directive
		payloadRaw []byte
	)
	err := sc.Scan(&d.ID, &d.Topic, &d.Status, &payloadRaw, &d.Attempts, &d.AvailableAt, &d.LastError, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalDefault(payloadRaw, &d.Payload); err != nil {
		return nil, fmt.Errorf("postgres: decode directive payload: %w", err)
	}
	return &d, nil
}

func scanDirectives(rows *sql.Rows) ([]domain.Directive, error) {
	out := make([]domain.Directive, 0)
	for rows.Next() {
		d, err := scanDirectiveRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// --- transactional Tx implementation -----------------------------------------

type txImpl struct {
	tx *sqlx.Tx
}

func (t *txImpl) GetChannelByCode(ctx context.Context, code string) (*domain.Channel, error) {
	var c domain.Channel
	err := t.tx.GetContext(ctx, &c, `
		SELECT id, code, name, display_order, is_active, pricing_policy, edit_policy, config
		FROM channels WHERE code = $1`, code)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (t *txImpl) GetSessionForUpdate(ctx context.Context, channelID, sessionKey string) (*domain.Session, error) {
	row := t.tx.QueryRowContext(ctx, sessionSelectSQL+" WHERE session_key = $1 AND channel_id = $2 FOR UPDATE", sessionKey, channelID)
	return scanSession(row)
}

func (t *txImpl) GetOpenSessionForHandle(ctx context.Context, channelID, handleType, handleRef string) (*domain.Session, error) {
	row := t.tx.QueryRowContext(ctx, sessionSelectSQL+`
		WHERE channel_id = $1 AND handle_type = $2 AND handle_ref = $3 AND state = 'open'
		FOR UPDATE`, channelID, handleType, handleRef)
	return scanSession(row)
}

func (t *txImpl) CreateSession(ctx context.Context, s *domain.Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	itemsRaw, err := json.Marshal(s.Items)
	if err != nil {
		return err
	}
	pricingRaw, err := json.Marshal(s.Pricing)
	if err != nil {
		return err
	}
	traceRaw, err := json.Marshal(s.PricingTrace)
	if err != nil {
		return err
	}
	dataRaw, err := marshalSessionData(s.Data)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO sessions
			(id, session_key, channel_id, channel_code, handle_type, handle_ref, state,
			 pricing_policy, edit_policy, rev, items, pricing, pricing_trace, data,
			 opened_at, updated_at, committed_at, commit_token)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, s.ID, s.SessionKey, s.ChannelID, s.ChannelCode, s.HandleType, s.HandleRef, s.State,
		s.PricingPolicy, s.EditPolicy, s.Rev, itemsRaw, pricingRaw, traceRaw, dataRaw,
		s.OpenedAt, s.UpdatedAt, s.CommittedAt, s.CommitToken)
	return err
}

func (t *txImpl) SaveSession(ctx context.Context, s *domain.Session) error {
	itemsRaw, err := json.Marshal(s.Items)
	if err != nil {
		return err
	}
	pricingRaw, err := json.Marshal(s.Pricing)
	if err != nil {
		return err
	}
	traceRaw, err := json.Marshal(s.PricingTrace)
	if err != nil {
		return err
	}
	dataRaw, err := marshalSessionData(s.Data)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE sessions SET
			state = $2, rev = $3, items = $4, pricing = $5, pricing_trace = $6, data = $7,
			updated_at = $8, committed_at = $9, commit_token = $10
		WHERE id = $1
	`, s.ID, s.State, s.Rev, itemsRaw, pricingRaw, traceRaw, dataRaw, s.UpdatedAt, s.CommittedAt, s.CommitToken)
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

func (t *txImpl) GetOrderBySessionKey(ctx context.Context, sessionKey string) (*domain.Order, error) {
	row := t.tx.QueryRowContext(ctx, orderSelectSQL+" WHERE session_key = $1", sessionKey)
	return scanOrder(row)
}

func (t *txImpl) GetOrderByRefForUpdate(ctx context.Context, ref string) (*domain.Order, error) {
	row := t.tx.QueryRowContext(ctx, orderSelectSQL+" WHERE ref = $1 FOR UPDATE", ref)
	return scanOrder(row)
}

func (t *txImpl) CreateOrder(ctx context.Context, o *domain.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	snapshotRaw, err := json.Marshal(o.Snapshot)
	if err != nil {
		return err
	}
	timestampsRaw, err := json.Marshal(o.Timestamps)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO orders
			(id, ref, channel_id, session_key, handle_type, handle_ref, external_ref,
			 status, snapshot, currency, total_q, timestamps, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, o.ID, o.Ref, o.ChannelID, o.SessionKey, o.HandleType, o.HandleRef, o.ExternalRef,
		o.Status, snapshotRaw, o.Currency, o.TotalQ, timestampsRaw, o.CreatedAt)
	return err
}

func (t *txImpl) SaveOrder(ctx context.Context, o *domain.Order) error {
	timestampsRaw, err := json.Marshal(o.Timestamps)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET status = $2, timestamps = $3 WHERE id = $1
	`, o.ID, o.Status, timestampsRaw)
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

func (t *txImpl) CreateOrderItems(ctx context.Context, items []domain.OrderItem) error {
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.NewString()
		}
		metaRaw, err := json.Marshal(items[i].Meta)
		if err != nil {
			return err
		}
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, line_id, sku, qty, unit_price_q, line_total_q, name, meta)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, items[i].ID, items[i].OrderID, items[i].LineID, items[i].SKU, items[i].Qty,
			items[i].UnitPriceQ, items[i].LineTotalQ, items[i].Name, metaRaw)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *txImpl) CreateOrderEvent(ctx context.Context, ev *domain.OrderEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	payloadRaw, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO order_events (id, order_id, type, actor, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, ev.ID, ev.OrderID, ev.Type, ev.Actor, payloadRaw, ev.CreatedAt)
	return err
}

func (t *txImpl) EnqueueDirective(ctx context.Context, d *domain.Directive) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = domain.DirectiveQueued
	}
	payloadRaw, err := json.Marshal(d.Payload)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO directives (id, topic, status, payload, attempts, available_at, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, d.ID, d.Topic, d.Status, payloadRaw, d.Attempts, d.AvailableAt, d.LastError, d.CreatedAt, d.UpdatedAt)
	return err
}

func (t *txImpl) SaveDirective(ctx context.Context, d *domain.Directive) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE directives SET status = $2, attempts = $3, available_at = $4, last_error = $5, updated_at = $6
		WHERE id = $1
	`, d.ID, d.Status, d.Attempts, d.AvailableAt, d.LastError, d.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

// ClaimQueuedDirectives locks up to limit eligible rows with FOR UPDATE
// SKIP LOCKED so concurrent workers never block on each other, then bumps
// them to running before returning.
func (t *txImpl) ClaimQueuedDirectives(ctx context.Context, topics []string, limit int, now time.Time) ([]domain.Directive, error) {
	var rows *sql.Rows
	var err error
	switch {
	case len(topics) > 0 && limit > 0:
		rows, err = t.tx.QueryContext(ctx, directiveSelectSQL+`
			WHERE status = 'queued' AND available_at <= $1 AND topic = ANY($2)
			ORDER BY available_at, id LIMIT $3 FOR UPDATE SKIP LOCKED`, now, pq.Array(topics), limit)
	case len(topics) > 0:
		rows, err = t.tx.QueryContext(ctx, directiveSelectSQL+`
			WHERE status = 'queued' AND available_at <= $1 AND topic = ANY($2)
			ORDER BY available_at, id FOR UPDATE SKIP LOCKED`, now, pq.Array(topics))
	case limit > 0:
		rows, err = t.tx.QueryContext(ctx, directiveSelectSQL+`
			WHERE status = 'queued' AND available_at <= $1
			ORDER BY available_at, id LIMIT $2 FOR UPDATE SKIP LOCKED`, now, limit)
	default:
		rows, err = t.tx.QueryContext(ctx, directiveSelectSQL+`
			WHERE status = 'queued' AND available_at <= $1
			ORDER BY available_at, id FOR UPDATE SKIP LOCKED`, now)
	}
	if err != nil {
		return nil, err
	}
	claimed, err := scanDirectives(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range claimed {
		claimed[i].Status = domain.DirectiveRunning
		claimed[i].Attempts++
		claimed[i].UpdatedAt = now
		if _, err := t.tx.ExecContext(ctx, `
			UPDATE directives SET status = $2, attempts = $3, updated_at = $4 WHERE id = $1
		`, claimed[i].ID, claimed[i].Status, claimed[i].Attempts, claimed[i].UpdatedAt); err != nil {
			return nil, err
		}
	}
	return claimed, nil
}

func (t *txImpl) GetIdempotencyKeyForUpdate(ctx context.Context, scope, key string) (*domain.IdempotencyKey, error) {
	var (
		k             domain.IdempotencyKey
		responseRaw   []byte
	)
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, scope, key, status, response_code, response_body, expires_at, created_at, updated_at
		FROM idempotency_keys WHERE scope = $1 AND key = $2 FOR UPDATE`, scope, key)
	err := row.Scan(&k.ID, &k.Scope, &k.Key, &k.Status, &k.ResponseCode, &responseRaw, &k.ExpiresAt, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := unmarshalDefault(responseRaw, &k.ResponseBody); err != nil {
		return nil, fmt.Errorf("postgres: decode idempotency response body: %w", err)
	}
	return &k, nil
}

func (t *txImpl) CreateIdempotencyKey(ctx context.Context, k *domain.IdempotencyKey) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	responseRaw, err := json.Marshal(k.ResponseBody)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (id, scope, key, status, response_code, response_body, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, k.ID, k.Scope, k.Key, k.Status, k.ResponseCode, responseRaw, k.ExpiresAt, k.CreatedAt, k.UpdatedAt)
	return err
}

func (t *txImpl) SaveIdempotencyKey(ctx context.Context, k *domain.IdempotencyKey) error {
	responseRaw, err := json.Marshal(k.ResponseBody)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE idempotency_keys SET status = $2, response_code = $3, response_body = $4, updated_at = $5
		WHERE id = $1
	`, k.ID, k.Status, k.ResponseCode, responseRaw, k.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

func scanRefRow(sc sessionRowScanner) (*domain.Ref, error) {
	var (
		r        domain.Ref
		scopeRaw []byte
	)
	err := sc.Scan(&r.ID, &r.RefType, &r.TargetKind, &r.TargetID, &r.Value, &scopeRaw, &r.IsActive, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalDefault(scopeRaw, &r.Scope); err != nil {
		return nil, fmt.Errorf("postgres: decode ref scope: %w", err)
	}
	return &r, nil
}

const refSelectSQL = `SELECT id, ref_type, target_kind, target_id, value, scope, is_active, created_at FROM refs`

func (t *txImpl) GetRefsForUpdate(ctx context.Context, refType, value string, scope domain.RefScope) ([]domain.Ref, error) {
	rows, err := t.tx.QueryContext(ctx, refSelectSQL+" WHERE ref_type = $1 AND value = $2 FOR UPDATE", refType, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Ref
	for rows.Next() {
		r, err := scanRefRow(rows)
		if err != nil {
			return nil, err
		}
		if refScopeMatches(*r, scope) {
			out = append(out, *r)
		}
	}
	return out, rows.Err()
}

func (t *txImpl) GetActiveRefsForTarget(ctx context.Context, targetKind domain.TargetKind, targetID string) ([]domain.Ref, error) {
	var rows *sql.Rows
	var err error
	if targetKind == domain.TargetBoth {
		rows, err = t.tx.QueryContext(ctx, refSelectSQL+" WHERE target_id = $1 AND is_active", targetID)
	} else {
		rows, err = t.tx.QueryContext(ctx, refSelectSQL+" WHERE target_id = $1 AND is_active AND target_kind = $2", targetID, targetKind)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Ref
	for rows.Next() {
		r, err := scanRefRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (t *txImpl) CreateRef(ctx context.Context, r *domain.Ref) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	scopeRaw, err := json.Marshal(r.Scope)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO refs (id, ref_type, target_kind, target_id, value, scope, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, r.ID, r.RefType, r.TargetKind, r.TargetID, r.Value, scopeRaw, r.IsActive, r.CreatedAt)
	return err
}

func (t *txImpl) SaveRef(ctx context.Context, r *domain.Ref) error {
	result, err := t.tx.ExecContext(ctx, `UPDATE refs SET is_active = $2 WHERE id = $1`, r.ID, r.IsActive)
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

func (t *txImpl) ResolveActiveRef(ctx context.Context, refType, value string, scope domain.RefScope) (*domain.Ref, error) {
	rows, err := t.tx.QueryContext(ctx, refSelectSQL+" WHERE ref_type = $1 AND value = $2 AND is_active", refType, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRefRow(rows)
		if err != nil {
			return nil, err
		}
		if refScopeMatches(*r, scope) {
			return r, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, store.ErrNotFound
}

func refScopeMatches(r domain.Ref, scope domain.RefScope) bool {
	if len(r.Scope) != len(scope) {
		return false
	}
	for k, v := range scope {
		if r.Scope[k] != v {
			return false
		}
	}
	return true
}

func (t *txImpl) GetRefSequenceForUpdate(ctx context.Context, sequenceName, scopeHash string) (*domain.RefSequence, error) {
	var s domain.RefSequence
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, sequence_name, scope_hash, current_value FROM ref_sequences
		WHERE sequence_name = $1 AND scope_hash = $2 FOR UPDATE
	`, sequenceName, scopeHash).Scan(&s.ID, &s.SequenceName, &s.ScopeHash, &s.CurrentValue)
	if err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

func (t *txImpl) UpsertRefSequence(ctx context.Context, s *domain.RefSequence) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ref_sequences (id, sequence_name, scope_hash, current_value)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (sequence_name, scope_hash) DO UPDATE SET current_value = EXCLUDED.current_value
	`, s.ID, s.SequenceName, s.ScopeHash, s.CurrentValue)
	return err
}

func requireRowsAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
