package omnierr

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, Session("not_found", "no such session").HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, Session("locked", "channel is locked").HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, Validation("missing_sku", "sku required").HTTPStatus())
	assert.Equal(t, http.StatusNotFound, Resolve("session_not_found", "no such session").HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, Resolve("stale_action", "rev mismatch").HTTPStatus())
}

func TestWithContextChaining(t *testing.T) {
	err := Commit("stale_check", "check is stale").WithContext("check_code", "stock")
	assert.Equal(t, "stock", err.Context["check_code"])
}

func TestIssueResolveErrorPreservesCodeAndContext(t *testing.T) {
	inner := Validation("missing_unit_price_q", "unit price required").WithContext("line_id", "L-1")
	wrapped := IssueResolveError(inner)
	require.NotNil(t, wrapped)
	assert.Equal(t, FamilyResolve, wrapped.Family)
	assert.Equal(t, "missing_unit_price_q", wrapped.Code)
	assert.Equal(t, "L-1", wrapped.Context["line_id"])
}

func TestIssueResolveErrorUnexpectedBecomesResolverError(t *testing.T) {
	wrapped := IssueResolveError(assert.AnError)
	require.NotNil(t, wrapped)
	assert.Equal(t, "resolver_error", wrapped.Code)
}

func TestAsExtractsUnderlyingError(t *testing.T) {
	var err error = Validation("invalid_qty", "qty must be positive")
	e, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, "invalid_qty", e.Code)
}
