// Package middleware holds the kernel's HTTP middleware chain:
// recovery, request logging, metrics, CORS, security headers, rate
// limiting, body limits, and timeouts, all as plain
// func(http.Handler) http.Handler wrappers.
package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/omniman/kernel/internal/logging"
	"github.com/omniman/kernel/internal/omnierr"
)

// writeError renders err as the HTTP surface's standard JSON error body
// with the given status code.
func writeError(w http.ResponseWriter, err *omnierr.Error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    err.Code,
		"message": err.Message,
		"context": err.Context,
	})
}

// Recovery recovers panics from the wrapped handler, logs the panic and
// stack, and returns a 500 instead of letting the connection die.
func Recovery(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithContext(r.Context()).WithFields(map[string]interface{}{
						"panic": rec,
						"stack": string(debug.Stack()),
						"path":  r.URL.Path,
						"method": r.Method,
					}).Error("panic recovered in http handler")
					writeError(w, &omnierr.Error{Code: "internal_error", Message: "internal server error"}, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
