// Package apperr carries the machine-readable error codes returned to wiki API callers.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

type Code string

const (
	CodeInvalidQuery     Code = "INVALID_QUERY"
	CodeNoSourcesFound   Code = "NO_SOURCES_FOUND"
	CodeGenerationFailed Code = "GENERATION_FAILED"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeNotFound         Code = "NOT_FOUND"
)

// Reasons that refine CodeRateLimited.
const (
	ReasonRateLimit = "rate_limit"
	ReasonCooldown  = "cooldown"
)

type Error struct {
	Code       Code
	Message    string
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is(err, &Error{Code: CodeRateLimited}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func InvalidQuery(format string, args ...interface{}) *Error {
	return New(CodeInvalidQuery, fmt.Sprintf(format, args...))
}

func GenerationFailed(message string, err error) *Error {
	return Wrap(CodeGenerationFailed, message, err)
}

func RateLimited(reason string, retryAfter time.Duration) *Error {
	msg := "too many generation requests"
	if reason == ReasonCooldown {
		msg = "page was generated recently"
	}
	return &Error{Code: CodeRateLimited, Message: msg, Reason: reason, RetryAfter: retryAfter}
}

func NotFound(slug string) *Error {
	return New(CodeNotFound, fmt.Sprintf("page %q not found", slug))
}

// CodeOf returns the code carried by err, or "" for unclassified errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
