package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "postgres")
	return New(db), mock
}

func newMockTx(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "postgres"), mock
}

func TestGetChannelByCode_Found(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{"id", "code", "name", "display_order", "is_active", "pricing_policy", "edit_policy", "config"}
	mock.ExpectQuery(`SELECT id, code, name, display_order, is_active, pricing_policy, edit_policy, config\s+FROM channels WHERE code = \$1`).
		WithArgs("pos").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"chan-1", "pos", "Point of Sale", 1, true, "internal", "open", []byte(`{"required_checks_on_commit":["fraud"]}`),
		))

	c, err := s.GetChannelByCode(context.Background(), "pos")
	require.NoError(t, err)
	assert.Equal(t, "chan-1", c.ID)
	assert.Equal(t, domain.PricingInternal, c.PricingPolicy)
	assert.Equal(t, []string{"fraud"}, c.Config.RequiredChecksOnCommit)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetChannelByCode_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, code, name, display_order, is_active, pricing_policy, edit_policy, config\s+FROM channels WHERE code = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetChannelByCode(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSessions_FiltersByChannelCode(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{"id", "session_key", "channel_id", "channel_code", "handle_type", "handle_ref", "state",
		"pricing_policy", "edit_policy", "rev", "items", "pricing", "pricing_trace", "data",
		"opened_at", "updated_at", "committed_at", "commit_token"}
	now := time.Now()
	mock.ExpectQuery(`(?s)SELECT .* FROM sessions.*WHERE channel_code = \$1 ORDER BY opened_at`).
		WithArgs("pos").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"sess-1", "key-1", "chan-1", "pos", "table", "12", "open",
			"internal", "open", int64(1), []byte(`[]`), []byte(`{}`), []byte(`[]`), []byte(`{}`),
			now, now, nil, "",
		))

	out, err := s.ListSessions(context.Background(), "pos")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "key-1", out[0].SessionKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimQueuedDirectives_WithTopicsAndLimit(t *testing.T) {
	db, mock := newMockTx(t)
	mock.ExpectBegin()
	sqlTx, err := db.Beginx()
	require.NoError(t, err)
	tx := &txImpl{tx: sqlTx}

	now := time.Now()
	cols := []string{"id", "topic", "status", "payload", "attempts", "available_at", "last_error", "created_at", "updated_at"}
	mock.ExpectQuery(`(?s)SELECT .* FROM directives.*ORDER BY available_at, id LIMIT \$3 FOR UPDATE SKIP LOCKED`).
		WithArgs(now, sqlmock.AnyArg(), 5).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"d-1", "fraud.hold", "queued", []byte(`{"k":"v"}`), 0, now, "", now, now,
		))
	mock.ExpectExec(`UPDATE directives SET status = \$2, attempts = \$3, updated_at = \$4 WHERE id = \$1`).
		WithArgs("d-1", domain.DirectiveRunning, 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := tx.ClaimQueuedDirectives(context.Background(), []string{"fraud.hold"}, 5, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, domain.DirectiveRunning, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, "v", claimed[0].Payload["k"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimQueuedDirectives_NoneAvailable(t *testing.T) {
	db, mock := newMockTx(t)
	mock.ExpectBegin()
	sqlTx, err := db.Beginx()
	require.NoError(t, err)
	tx := &txImpl{tx: sqlTx}

	now := time.Now()
	cols := []string{"id", "topic", "status", "payload", "attempts", "available_at", "last_error", "created_at", "updated_at"}
	mock.ExpectQuery(`(?s)SELECT .* FROM directives.*ORDER BY available_at, id FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows(cols))

	claimed, err := tx.ClaimQueuedDirectives(context.Background(), nil, 0, now)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveActiveRef_ScopeMismatch(t *testing.T) {
	db, mock := newMockTx(t)
	mock.ExpectBegin()
	sqlTx, err := db.Beginx()
	require.NoError(t, err)
	tx := &txImpl{tx: sqlTx}

	cols := []string{"id", "ref_type", "target_kind", "target_id", "value", "scope", "is_active", "created_at"}
	mock.ExpectQuery(`SELECT id, ref_type, target_kind, target_id, value, scope, is_active, created_at FROM refs WHERE ref_type = \$1 AND value = \$2 AND is_active`).
		WithArgs("barcode", "SKU-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"ref-1", "barcode", "order", "ord-1", "SKU-1", []byte(`{"region":"eu"}`), true, time.Now(),
		))

	got, err := tx.ResolveActiveRef(context.Background(), "barcode", "SKU-1", domain.RefScope{"region": "us"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveActiveRef_ScopeMatch(t *testing.T) {
	db, mock := newMockTx(t)
	mock.ExpectBegin()
	sqlTx, err := db.Beginx()
	require.NoError(t, err)
	tx := &txImpl{tx: sqlTx}

	cols := []string{"id", "ref_type", "target_kind", "target_id", "value", "scope", "is_active", "created_at"}
	mock.ExpectQuery(`SELECT id, ref_type, target_kind, target_id, value, scope, is_active, created_at FROM refs WHERE ref_type = \$1 AND value = \$2 AND is_active`).
		WithArgs("barcode", "SKU-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"ref-1", "barcode", "order", "ord-1", "SKU-1", []byte(`{"region":"eu"}`), true, time.Now(),
		))

	got, err := tx.ResolveActiveRef(context.Background(), "barcode", "SKU-1", domain.RefScope{"region": "eu"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ord-1", got.TargetID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRefSequence_OnConflict(t *testing.T) {
	db, mock := newMockTx(t)
	mock.ExpectBegin()
	sqlTx, err := db.Beginx()
	require.NoError(t, err)
	tx := &txImpl{tx: sqlTx}

	mock.ExpectExec(`(?s)INSERT INTO ref_sequences \(id, sequence_name, scope_hash, current_value\).*ON CONFLICT \(sequence_name, scope_hash\) DO UPDATE SET current_value = EXCLUDED.current_value`).
		WithArgs(sqlmock.AnyArg(), "order_ref", "eu", int64(42)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = tx.UpsertRefSequence(context.Background(), &domain.RefSequence{
		SequenceName: "order_ref",
		ScopeHash:    "eu",
		CurrentValue: 42,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveOrder_NoRowsAffected(t *testing.T) {
	db, mock := newMockTx(t)
	mock.ExpectBegin()
	sqlTx, err := db.Beginx()
	require.NoError(t, err)
	tx := &txImpl{tx: sqlTx}

	mock.ExpectExec(`UPDATE orders SET status = \$2, timestamps = \$3 WHERE id = \$1`).
		WithArgs("ord-missing", domain.StatusConfirmed, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = tx.SaveOrder(context.Background(), &domain.Order{ID: "ord-missing", Status: domain.StatusConfirmed})
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupIdempotencyKeys_Delete(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM idempotency_keys WHERE \(status IN \('done', 'failed'\) AND created_at < \$1\) OR expires_at < \$2 OR \(status = 'in_progress' AND created_at < \$3\)`).
		WillReturnResult(sqlmock.NewResult(0, 4))

	now := time.Now()
	orphanBefore := now.Add(-time.Hour)
	n, err := s.CleanupIdempotencyKeys(context.Background(), store.IdempotencyCleanup{
		DoneFailedBefore: now.AddDate(0, 0, -7),
		ExpiredAsOf:      now,
		InProgressBefore: &orphanBefore,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupIdempotencyKeys_DryRunCounts(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM idempotency_keys WHERE \(status IN \('done', 'failed'\) AND created_at < \$1\) OR expires_at < \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	now := time.Now()
	n, err := s.CleanupIdempotencyKeys(context.Background(), store.IdempotencyCleanup{
		DoneFailedBefore: now.AddDate(0, 0, -7),
		ExpiredAsOf:      now,
		DryRun:           true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
