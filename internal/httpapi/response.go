// Package httpapi implements the kernel's HTTP surface. Errors are
// rendered from omnierr.Error, since every engine call here already
// returns errors in that shape.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/omniman/kernel/internal/logging"
	"github.com/omniman/kernel/internal/omnierr"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Default().Entry().WithError(err).Warn("httpapi: write json response")
	}
}

// writeError writes the standard {code, message, context} envelope for
// an engine/validation error, deriving the status from the error's own
// family/code via HTTPStatus.
func writeError(w http.ResponseWriter, err error) {
	if e, ok := omnierr.As(err); ok {
		writeJSON(w, e.HTTPStatus(), e)
		return
	}
	writeJSON(w, http.StatusInternalServerError, &omnierr.Error{
		Code:    "internal_error",
		Message: "an unexpected error occurred",
	})
}

// decodeJSON decodes a JSON request body into v, writing a validation
// error response and returning false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, omnierr.Validation("request_too_large", "request body exceeds the size limit").
				WithContext("limit_bytes", maxErr.Limit))
			return false
		}
		writeError(w, omnierr.Validation("invalid_body", "request body is not valid JSON"))
		return false
	}
	return true
}

// decodeJSONOptional behaves like decodeJSON but treats a missing or
// empty body as success, leaving v unmodified.
func decodeJSONOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		return decodeJSON(w, r, v)
	}
	return true
}

// queryInt reads an integer query parameter, falling back to def on
// absence or a malformed value.
func queryInt(r *http.Request, key string, def int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

// queryString reads a string query parameter, falling back to def on
// absence.
func queryString(r *http.Request, key, def string) string {
	if val := r.URL.Query().Get(key); val != "" {
		return val
	}
	return def
}
