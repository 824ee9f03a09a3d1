// Package apperr defines the stable machine-readable error contract every
// public operation returns. HTTP status codes are a deterministic mapping of
// the error code, never the other way around.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Class buckets errors by remedy rather than by origin.
type Class string

const (
	ClassValidation    Class = "validation"
	ClassAuthorization Class = "authorization"
	ClassStateConflict Class = "state_conflict"
	ClassExpiry        Class = "expiry"
	ClassExhaustion    Class = "resource_exhaustion"
	ClassUpstream      Class = "upstream_failure"
)

// Error carries a stable code, a human-readable description, and the HTTP
// status it maps to. RetryAfter is set only for rate-limit rejections.
type Error struct {
	Code        string
	Description string
	Status      int
	Class       Class
	RetryAfter  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// As unwraps err into an *Error when possible.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Validation rejects malformed input before any store is touched.
func Validation(desc string) *Error {
	return &Error{Code: "invalid_request", Description: desc, Status: http.StatusBadRequest, Class: ClassValidation}
}

// Authorization signals a valid identity attempting a disallowed action.
func Authorization(code, desc string) *Error {
	return &Error{Code: code, Description: desc, Status: http.StatusForbidden, Class: ClassAuthorization}
}

// Unauthenticated signals a missing or invalid caller identity.
func Unauthenticated(desc string) *Error {
	return &Error{Code: "invalid_token", Description: desc, Status: http.StatusUnauthorized, Class: ClassAuthorization}
}

// Conflict signals a transition that is illegal from the current state.
func Conflict(code, desc string) *Error {
	return &Error{Code: code, Description: desc, Status: http.StatusConflict, Class: ClassStateConflict}
}

// Expired signals a lapsed token, challenge, or invite. The remedy is to
// request a new one, which distinguishes it from Conflict.
func Expired(code, desc string) *Error {
	return &Error{Code: code, Description: desc, Status: http.StatusGone, Class: ClassExpiry}
}

// Exhausted signals a consumed budget: seats, resends.
func Exhausted(code, desc string) *Error {
	return &Error{Code: code, Description: desc, Status: http.StatusForbidden, Class: ClassExhaustion}
}

// RateLimited is Exhausted with a retry hint in seconds.
func RateLimited(retryAfter int) *Error {
	return &Error{
		Code:        "rate_limited",
		Description: "Too many requests. Please slow down.",
		Status:      http.StatusTooManyRequests,
		Class:       ClassExhaustion,
		RetryAfter:  retryAfter,
	}
}

// Upstream wraps a backing-store or identity-provider failure. This is the
// only class eligible for caller-transparent retry.
func Upstream(desc string, err error) *Error {
	if err != nil {
		desc = fmt.Sprintf("%s: %v", desc, err)
	}
	return &Error{Code: "upstream_failure", Description: desc, Status: http.StatusBadGateway, Class: ClassUpstream}
}

// NotFound maps an unknown resource to a stable code.
func NotFound(code, desc string) *Error {
	return &Error{Code: code, Description: desc, Status: http.StatusNotFound, Class: ClassValidation}
}
