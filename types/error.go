package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the team runtime.
type ErrorCode string

// General error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrForbidden          ErrorCode = "FORBIDDEN"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Team run error codes
const (
	ErrTeamDispatchUnavailable    ErrorCode = "TEAM_DISPATCH_UNAVAILABLE"
	ErrStaleApprovalToken         ErrorCode = "STALE_APPROVAL_TOKEN"
	ErrRunAutoStopped             ErrorCode = "RUN_AUTO_STOPPED"
	ErrRunNotFound                ErrorCode = "RUN_NOT_FOUND"
	ErrPlacementViolation         ErrorCode = "PLACEMENT_CONSTRAINT_VIOLATION"
	ErrTeamDefinitionNotFound     ErrorCode = "TEAM_DEFINITION_NOT_FOUND"
	ErrInvalidEnvelope            ErrorCode = "INVALID_ENVELOPE"
	ErrStaleRunVersion            ErrorCode = "STALE_RUN_VERSION"
	ErrDuplicateSourceEvent       ErrorCode = "DUPLICATE_SOURCE_EVENT"
	ErrTeamRuntimeUnavailable     ErrorCode = "TEAM_RUNTIME_UNAVAILABLE"
	ErrRemoteTargetUnresolvable   ErrorCode = "REMOTE_TARGET_UNRESOLVABLE"
	ErrInternalSignatureMissing   ErrorCode = "INTERNAL_SIGNATURE_MISSING"
	ErrInternalSignatureInvalid   ErrorCode = "INTERNAL_SIGNATURE_INVALID"
	ErrInternalCallerNotAllowed   ErrorCode = "INTERNAL_CALLER_NOT_ALLOWED"
	ErrInternalSignatureExpired   ErrorCode = "INTERNAL_SIGNATURE_EXPIRED"
	ErrInvocationVersionUnknown   ErrorCode = "INVOCATION_VERSION_UNKNOWN"
	ErrTeamMemberNotFound         ErrorCode = "TEAM_MEMBER_NOT_FOUND"
	ErrRunBindingMissing          ErrorCode = "RUN_BINDING_MISSING"
	ErrCoordinatorMemberUndefined ErrorCode = "COORDINATOR_MEMBER_UNDEFINED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error (or anything it wraps) is a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return err != nil && GetErrorCode(err) == code
}
