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

// Definition-time error codes. Always reported synchronously to the caller
// attempting the mutation; never partially applied.
const (
	ErrInvalidDefinition   = "INVALID_DEFINITION"
	ErrImmutableDefinition = "IMMUTABLE_DEFINITION"
	ErrDefinitionArchived  = "DEFINITION_ARCHIVED"
)

// Instance-time error codes. UNAUTHORIZED_STEP_COMPLETION is recoverable
// (retry with the correct actor); NO_MATCHING_TRANSITION and HOOK_FAILED are
// terminal and flip the instance to failed.
const (
	ErrUnauthorizedStepCompletion = "UNAUTHORIZED_STEP_COMPLETION"
	ErrNoMatchingTransition       = "NO_MATCHING_TRANSITION"
	ErrInstanceNotActive          = "INSTANCE_NOT_ACTIVE"
	ErrStepNotActive              = "STEP_NOT_ACTIVE"
	ErrHookFailed                 = "HOOK_FAILED"
)

// ErrorEnvelope is the standard error type crossing package boundaries and
// returned to API callers. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level or defect-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
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

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewInvalidDefinitionError returns an INVALID_DEFINITION error carrying the
// full defect list found at publish time.
func NewInvalidDefinitionError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidDefinition,
		Message: "Definition failed graph validation",
		Details: details,
	}
}

// NewImmutableDefinitionError returns an IMMUTABLE_DEFINITION error.
func NewImmutableDefinitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrImmutableDefinition, Message: msg}
}

// NewDefinitionArchivedError returns a DEFINITION_ARCHIVED error.
func NewDefinitionArchivedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDefinitionArchived, Message: msg}
}

// NewUnauthorizedStepCompletionError returns an UNAUTHORIZED_STEP_COMPLETION error.
func NewUnauthorizedStepCompletionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorizedStepCompletion, Message: msg}
}

// NewNoMatchingTransitionError returns a NO_MATCHING_TRANSITION error.
func NewNoMatchingTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNoMatchingTransition, Message: msg}
}

// NewInstanceNotActiveError returns an INSTANCE_NOT_ACTIVE error.
func NewInstanceNotActiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInstanceNotActive, Message: msg}
}

// NewStepNotActiveError returns a STEP_NOT_ACTIVE error.
func NewStepNotActiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStepNotActive, Message: msg}
}

// NewHookFailedError returns a HOOK_FAILED error.
func NewHookFailedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrHookFailed, Message: msg}
}
