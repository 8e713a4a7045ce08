package middleware

import (
	"net/http"

	"github.com/omniman/kernel/internal/omnierr"
)

const defaultBodyLimitBytes = 8 << 20

// BodyLimit rejects requests whose declared or actual body size exceeds
// maxBytes (default 8MiB), protecting the modify/commit engines from
// oversized payloads before they reach JSON decoding.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = defaultBodyLimitBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeError(w, omnierr.Validation("payload_too_large", "request body exceeds the size limit"), http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
