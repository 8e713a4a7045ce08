package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/omniman/kernel/internal/logging"
)

const traceIDHeader = "X-Trace-ID"

// statusWriter wraps http.ResponseWriter to capture the status code written,
// defaulting to 200 if the handler never calls WriteHeader explicitly.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// RequestLogging stamps every request with a trace ID (reusing an inbound
// X-Trace-ID header if the caller supplied one), attaches it to the
// request's context, and logs method/path/status/duration on completion.
func RequestLogging(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get(traceIDHeader)
			if traceID == "" {
				traceID = uuid.New().String()
			}
			ctx := logging.WithTraceID(r.Context(), traceID)
			r = r.WithContext(ctx)
			w.Header().Set(traceIDHeader, traceID)

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			log.LogRequest(ctx, r.Method, r.URL.Path, sw.status, time.Since(start))
		})
	}
}
