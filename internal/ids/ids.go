// Package ids generates opaque, collision-resistant identifiers for the
// kernel's domain-visible business keys (session keys, order refs, line
// ids, issue ids, action ids, idempotency keys). These are distinct from
// the UUID primary keys used internally for row identity.
package ids

import (
	"crypto/rand"
	"fmt"
	"time"
)

// safeAlphabet excludes visually ambiguous characters: 0/O, 1/I/l.
const safeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	lenLine       = 8
	lenIssue      = 8
	lenAction     = 8
	lenSession    = 12
	lenIdempotent = 16
	lenOrderRand  = 8
)

func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the platform CSPRNG is broken;
		// there is no sane fallback, so surface it loudly rather than
		// silently weaken the ID space.
		panic(fmt.Sprintf("ids: reading random bytes: %v", err))
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = safeAlphabet[int(b)%len(safeAlphabet)]
	}
	return string(out)
}

func generate(prefix string, n int) string {
	return fmt.Sprintf("%s-%s", prefix, randomSuffix(n))
}

// NewSessionKey returns an opaque "SESS-XXXXXXXXXXXX" key.
func NewSessionKey() string { return generate("SESS", lenSession) }

// NewLineID returns an opaque "L-XXXXXXXX" line identifier.
func NewLineID() string { return generate("L", lenLine) }

// NewIssueID returns an opaque "ISS-XXXXXXXX" issue identifier.
func NewIssueID() string { return generate("ISS", lenIssue) }

// NewActionID returns an opaque "ACT-XXXXXXXX" action identifier.
func NewActionID() string { return generate("ACT", lenAction) }

// NewIdempotencyKey returns an opaque "IDEM-XXXXXXXXXXXXXXXX" key, for
// callers that do not supply their own.
func NewIdempotencyKey() string { return generate("IDEM", lenIdempotent) }

// NewOrderRef returns a human-sortable "ORD-YYYYMMDD-XXXXXXXX" reference,
// date-prefixed with the caller-supplied clock's date in that time's own
// location, so order refs sort roughly chronologically. Callers pass
// time.Now() (local time) in production; tests can pin it.
func NewOrderRef(now time.Time) string {
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), randomSuffix(lenOrderRand))
}
