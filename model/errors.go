package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Orchestration-specific error codes.
const (
	ErrDispatchError      = "DISPATCH_ERROR"
	ErrWorkerTimeout      = "WORKER_TIMEOUT"
	ErrNodeLifecycleError = "NODE_LIFECYCLE_ERROR"
)

// ErrorEnvelope is the standard error envelope returned by the orchestrator.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"traceId,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code of err, or INTERNAL_ERROR when err is not
// an ErrorEnvelope.
func CodeOf(err error) string {
	if env, ok := err.(*ErrorEnvelope); ok {
		return env.Code
	}
	return ErrInternalError
}

// IsCode reports whether err is an ErrorEnvelope carrying the given code.
func IsCode(err error, code string) bool {
	env, ok := err.(*ErrorEnvelope)
	return ok && env.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewDispatchError returns a DISPATCH_ERROR. Dispatch failures are retryable
// at the assignment level with the same policy as a worker failure.
func NewDispatchError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDispatchError, Message: msg}
}

// NewWorkerTimeoutError returns a WORKER_TIMEOUT error for an assignment that
// produced no result within its dispatch window.
func NewWorkerTimeoutError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrWorkerTimeout, Message: msg}
}

// NewNodeLifecycleError returns a NODE_LIFECYCLE_ERROR wrapping a
// container-orchestration API failure. These are never retried automatically.
func NewNodeLifecycleError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNodeLifecycleError, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
