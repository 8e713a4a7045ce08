package ids

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorsUseExpectedPrefixAndLength(t *testing.T) {
	cases := []struct {
		name    string
		gen     func() string
		prefix  string
		sufflen int
	}{
		{"session", NewSessionKey, "SESS", lenSession},
		{"line", NewLineID, "L", lenLine},
		{"issue", NewIssueID, "ISS", lenIssue},
		{"action", NewActionID, "ACT", lenAction},
		{"idempotency", NewIdempotencyKey, "IDEM", lenIdempotent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := tc.gen()
			parts := strings.SplitN(id, "-", 2)
			require.Len(t, parts, 2)
			assert.Equal(t, tc.prefix, parts[0])
			assert.Len(t, parts[1], tc.sufflen)
			assertSafeAlphabet(t, parts[1])
		})
	}
}

func TestNewOrderRefIncludesLocalDateAndSuffix(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	ref := NewOrderRef(now)
	parts := strings.SplitN(ref, "-", 3)
	require.Len(t, parts, 3)
	assert.Equal(t, "ORD", parts[0])
	assert.Equal(t, "20260729", parts[1])
	assert.Len(t, parts[2], lenOrderRand)
	assertSafeAlphabet(t, parts[2])
}

func TestGeneratorsAreNotConstant(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		seen[NewSessionKey()] = true
	}
	assert.Greater(t, len(seen), 1, "expected varied output across calls")
}

func assertSafeAlphabet(t *testing.T, s string) {
	t.Helper()
	for _, r := range s {
		assert.Contains(t, safeAlphabet, string(r), "character %q not in safe alphabet", r)
		assert.NotContains(t, "01IOl", string(r))
	}
}
