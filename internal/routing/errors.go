// Package routing defines the shared error taxonomy of the routing core.
//
// Callers receive exactly one structured code from this taxonomy, never a
// raw provider-specific error.
package routing

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a routing failure class.
type ErrorCode string

// Routing error codes.
const (
	// CodeNoBindingConfigured means the group has no active resource binding.
	CodeNoBindingConfigured ErrorCode = "no_binding_configured"
	// CodeNoModelConfigured means the group has no model configuration for the service type.
	CodeNoModelConfigured ErrorCode = "no_model_configured"
	// CodeNoEligibleAccount means the candidate pool is empty or fully disabled.
	CodeNoEligibleAccount ErrorCode = "no_eligible_account"
	// CodeQuotaExceeded means the daily token limit would be exceeded.
	CodeQuotaExceeded ErrorCode = "quota_exceeded"
	// CodeBudgetExceeded means the monthly budget would be exceeded.
	CodeBudgetExceeded ErrorCode = "budget_exceeded"
	// CodeAllCandidatesExhausted means every candidate failed or retries ran out.
	CodeAllCandidatesExhausted ErrorCode = "all_candidates_exhausted"
	// CodeUpstreamError means a provider returned an unrecoverable error.
	CodeUpstreamError ErrorCode = "upstream_error"
)

// Error is a structured routing failure.
type Error struct {
	Code    ErrorCode // Failure class.
	Message string    // Human-readable detail.
	Cause   error     // Underlying error, if any.
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewError constructs a routing error.
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the routing error code, or empty when err is unrelated.
func CodeOf(err error) ErrorCode {
	var routingErr *Error
	if errors.As(err, &routingErr) && routingErr != nil {
		return routingErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given routing code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsAdmission reports whether err fails fast before any upstream call.
func IsAdmission(err error) bool {
	switch CodeOf(err) {
	case CodeQuotaExceeded, CodeBudgetExceeded:
		return true
	}
	return false
}

// IsConfiguration reports whether err is fatal misconfiguration, never retried.
func IsConfiguration(err error) bool {
	switch CodeOf(err) {
	case CodeNoBindingConfigured, CodeNoModelConfigured:
		return true
	}
	return false
}
