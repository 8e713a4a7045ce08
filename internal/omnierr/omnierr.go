// Package omnierr is the kernel's error taxonomy: every engine surfaces
// its own family of typed errors, each carrying {code, message, context}
// and an HTTP status for the API layer to map without re-inspecting the
// family.
package omnierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Family groups related error codes so callers can always identify
// which component failed, independent of the specific code.
type Family string

const (
	FamilyValidation  Family = "validation"
	FamilySession     Family = "session"
	FamilyCommit      Family = "commit"
	FamilyDirective   Family = "directive"
	FamilyResolve     Family = "resolve"
	FamilyIdempotency Family = "idempotency"
	FamilyTransition  Family = "transition"
	FamilyRef         Family = "ref"
)

// Error is the single error shape used across the kernel: a stable
// code, an end-user-intent-first message, structured context, and the
// family it belongs to (which determines HTTP status).
type Error struct {
	Family  Family                 `json:"-"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
	Err     error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithContext sets a context key and returns the error for chaining.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// HTTPStatus maps the error's family/code to the status the HTTP
// surface should return. Session "not_found" and Resolve
// "session_not_found" are 404; everything else in this taxonomy is a
// 400 — these are business/validation failures, not routing failures.
func (e *Error) HTTPStatus() int {
	if e.Family == FamilySession && e.Code == "not_found" {
		return http.StatusNotFound
	}
	if e.Family == FamilyResolve && e.Code == "session_not_found" {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func new(family Family, code, message string) *Error {
	return &Error{Family: family, Code: code, Message: message}
}

// Validation builds a Validation-family error.
func Validation(code, message string) *Error { return new(FamilyValidation, code, message) }

// Session builds a Session-family error.
func Session(code, message string) *Error { return new(FamilySession, code, message) }

// Commit builds a Commit-family error.
func Commit(code, message string) *Error { return new(FamilyCommit, code, message) }

// Directive builds a Directive-family error.
func Directive(code, message string) *Error { return new(FamilyDirective, code, message) }

// Resolve builds a Resolve-family error.
func Resolve(code, message string) *Error { return new(FamilyResolve, code, message) }

// Idempotency builds an Idempotency-family error.
func Idempotency(code, message string) *Error { return new(FamilyIdempotency, code, message) }

// Transition builds a Transition-family error.
func Transition(code, message string) *Error { return new(FamilyTransition, code, message) }

// Ref builds a Ref-family error.
func Ref(code, message string) *Error { return new(FamilyRef, code, message) }

// As reports whether err is (or wraps) an *Error, returning it if so.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IssueResolveError wraps a session/validation error raised from within
// the modify call a resolver delegates to, preserving the inner error's
// code and context while re-homing it under the Resolve family so
// callers can always tell which top-level engine failed.
func IssueResolveError(inner error) *Error {
	if inner == nil {
		return nil
	}
	if e, ok := As(inner); ok {
		wrapped := new(FamilyResolve, e.Code, e.Message)
		wrapped.Context = e.Context
		wrapped.Err = inner
		return wrapped
	}
	return Resolve("resolver_error", inner.Error()).withErr(inner)
}

func (e *Error) withErr(err error) *Error {
	e.Err = err
	return e
}
