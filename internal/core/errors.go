// internal/core/errors.go
package core

import "fmt"

// Error represents a structured error with code and optional cause.
type Error struct {
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is matching by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WrapError creates a new error with the same code but with a cause.
func WrapError(base *Error, cause error) *Error {
	return &Error{
		Code:    base.Code,
		Message: base.Message,
		Cause:   cause,
	}
}

// Predefined errors. Only the contract errors below ever reach callers of the
// aggregator; provider failures travel as FetchErrorKind values instead.
var (
	// Registry errors
	ErrProviderNotFound  = &Error{Code: "PROVIDER_NOT_FOUND", Message: "provider not registered"}
	ErrProviderInvalid   = &Error{Code: "PROVIDER_INVALID", Message: "provider spec invalid"}
	ErrProviderDuplicate = &Error{Code: "PROVIDER_DUPLICATE", Message: "provider already registered"}

	// Input errors
	ErrInvalidToken = &Error{Code: "INVALID_TOKEN", Message: "invalid token identifier"}
	ErrTaskNotFound = &Error{Code: "TASK_NOT_FOUND", Message: "enrichment task not found"}

	// Normalizer errors
	ErrMalformedPayload = &Error{Code: "MALFORMED_PAYLOAD", Message: "provider payload malformed"}
	ErrNoData           = &Error{Code: "NO_DATA", Message: "no data available"}

	// Enrichment errors
	ErrEnrichmentEmpty = &Error{Code: "ENRICHMENT_EMPTY", Message: "no provider contributed any tracked field"}

	// Config errors
	ErrConfigInvalid = &Error{Code: "CONFIG_INVALID", Message: "configuration invalid"}
	ErrConfigMissing = &Error{Code: "CONFIG_MISSING", Message: "required configuration missing"}
)
