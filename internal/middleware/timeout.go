package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/omniman/kernel/internal/omnierr"
)

// timeoutResponseWriter guards against writing after the timeout handler
// has already responded.
type timeoutResponseWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	wroteHeader bool
	timedOut    bool
}

func (w *timeoutResponseWriter) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wroteHeader || w.timedOut {
		return
	}
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *timeoutResponseWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	if w.timedOut {
		w.mu.Unlock()
		return 0, http.ErrHandlerTimeout
	}
	already := w.wroteHeader
	w.wroteHeader = true
	w.mu.Unlock()
	if !already {
		w.ResponseWriter.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Timeout bounds request handling to timeout, responding 504 if the
// handler hasn't written a response by then. Defaults to 30s.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			tw := &timeoutResponseWriter{ResponseWriter: w}
			done := make(chan struct{})
			go func() {
				defer close(done)
				next.ServeHTTP(tw, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				tw.mu.Lock()
				alreadyWrote := tw.wroteHeader
				tw.wroteHeader = true
				tw.timedOut = true
				tw.mu.Unlock()
				if !alreadyWrote {
					writeError(w, omnierr.Validation("request_timeout", "request exceeded the deadline"), http.StatusGatewayTimeout)
				}
			}
		})
	}
}
