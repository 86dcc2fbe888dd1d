// Package engineerr implements the engine-wide error taxonomy described in
// the performance engine's error handling design: every subsystem returns
// one of these codes instead of an ad-hoc error string, so callers (and the
// resilience layer) can classify failures without parsing messages.
package engineerr

import (
	"errors"
	"fmt"
)

// Code identifies the category of an engine failure.
type Code string

const (
	Validation         Code = "Validation"
	NotFound           Code = "NotFound"
	TenantMismatch     Code = "TenantMismatch"
	RateLimited        Code = "RateLimited"
	Timeout            Code = "Timeout"
	Database           Code = "Database"
	ExternalService    Code = "ExternalService"
	InsufficientData   Code = "InsufficientData"
	IrrNoConvergence   Code = "IrrNoConvergence"
	RateUnavailable    Code = "RateUnavailable"
	CacheMiss          Code = "CacheMiss"
	BulkheadFull       Code = "BulkheadFull"
	CircuitOpen        Code = "CircuitOpen"
	MaxRetriesExceeded Code = "MaxRetriesExceeded"
	Internal           Code = "Internal"
)

// Error is the concrete error type carried across every package boundary in
// the engine.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

func New(code Code, msg string) *Error              { return newErr(code, msg, nil) }
func Wrap(code Code, msg string, cause error) *Error { return newErr(code, msg, cause) }

func ValidationErr(msg string) *Error       { return New(Validation, msg) }
func NotFoundErr(msg string) *Error         { return New(NotFound, msg) }
func TenantMismatchErr(msg string) *Error   { return New(TenantMismatch, msg) }
func RateLimitedErr(msg string) *Error      { return New(RateLimited, msg) }
func TimeoutErr(msg string) *Error          { return New(Timeout, msg) }
func DatabaseErr(msg string, c error) *Error      { return Wrap(Database, msg, c) }
func ExternalServiceErr(msg string, c error) *Error { return Wrap(ExternalService, msg, c) }
func InsufficientDataErr(msg string) *Error { return New(InsufficientData, msg) }
func IrrNoConvergenceErr(msg string) *Error { return New(IrrNoConvergence, msg) }
func RateUnavailableErr(msg string) *Error  { return New(RateUnavailable, msg) }
func CacheMissErr() *Error                  { return New(CacheMiss, "cache miss") }
func BulkheadFullErr(name string) *Error    { return New(BulkheadFull, "bulkhead full: "+name) }
func CircuitOpenErr(name string) *Error     { return New(CircuitOpen, "circuit open: "+name) }
func MaxRetriesExceededErr(c error) *Error  { return Wrap(MaxRetriesExceeded, "max retries exceeded", c) }
func InternalErr(msg string, c error) *Error { return Wrap(Internal, msg, c) }

// CodeOf extracts the Code from err, or Internal if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// IsRetryable reports whether the resilience layer should retry an
// operation that failed with err. Validation, NotFound, TenantMismatch,
// InsufficientData, IrrNoConvergence, and RateUnavailable are never
// retried; Database, ExternalService, and Timeout are.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case Database, ExternalService, Timeout:
		return true
	default:
		return false
	}
}
