package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatConfiguration ErrorCategory = "configuration" // Invalid initialization input
	ErrCatStep          ErrorCategory = "step"          // Transient step failure, retryable
	ErrCatFatal         ErrorCategory = "fatal"         // Contract violation, terminates the session
	ErrCatBusy          ErrorCategory = "busy"          // Contended pool checkout
	ErrCatConflict      ErrorCategory = "conflict"      // Durable records disagree
	ErrCatTerminated    ErrorCategory = "terminated"    // Session already failed
	ErrCatState         ErrorCategory = "state"         // Invalid lifecycle transition
	ErrCatNotFound      ErrorCategory = "not_found"     // Resource not found
	ErrCatInternal      ErrorCategory = "internal"      // Unexpected internal error
)

// DomainError represents a structured error from the engine.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrConfiguration creates a configuration error. Never retried.
func ErrConfiguration(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatConfiguration,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrRetryableStep creates a transient step failure. A new advance call
// retries the same phase.
func ErrRetryableStep(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatStep,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrFatalPhase creates a fatal phase failure that terminates the session.
func ErrFatalPhase(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatFatal,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrPoolBusy creates a contended-checkout error. Callers retry with backoff.
func ErrPoolBusy(tenant TenantID, role string) *DomainError {
	return &DomainError{
		Category:  ErrCatBusy,
		Code:      CodePoolBusy,
		Message:   fmt.Sprintf("agent %s already checked out for tenant %s", role, tenant),
		Retryable: true,
		Details: map[string]interface{}{
			"tenant": string(tenant),
			"role":   role,
		},
	}
}

// ErrConflict creates a persistence conflict error. Surfaced, never
// silently resolved.
func ErrConflict(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrSessionTerminated creates an error for advance calls against a failed
// session.
func ErrSessionTerminated(id SessionID) *DomainError {
	return &DomainError{
		Category:  ErrCatTerminated,
		Code:      CodeSessionTerminated,
		Message:   fmt.Sprintf("session %s has terminated and cannot advance", id),
		Retryable: false,
	}
}

// ErrState creates an invalid-transition error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      "NOT_FOUND",
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// Predefined error codes
const (
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeSessionTerminated = "SESSION_TERMINATED"
	CodeSessionActive     = "SESSION_ALREADY_ACTIVE"
	CodePoolBusy          = "POOL_BUSY"
	CodeRecordDiverged    = "RECORDS_DIVERGED"
	CodeVersionConflict   = "VERSION_CONFLICT"
	CodeInvalidState      = "INVALID_STATE"

	// Configuration error codes
	CodeNoPhases      = "NO_PHASES"
	CodeInvalidConfig = "INVALID_CONFIG"
	CodeUnknownCrew   = "UNKNOWN_CREW"

	// Step / phase error codes
	CodeStepTimeout     = "STEP_TIMEOUT"
	CodeStepFailed      = "STEP_FAILED"
	CodeCrewAborted     = "CREW_ABORTED"
	CodeSchemaMismatch  = "SCHEMA_MISMATCH"
	CodeMissingInput    = "MISSING_REQUIRED_INPUT"
	CodePhaseCancelled  = "PHASE_CANCELLED"
	CodeCriteriaFailed  = "CRITERIA_FAILED"
	CodeDependencyCycle = "DEPENDENCY_CYCLE"
)
