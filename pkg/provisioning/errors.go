package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassThrottled indicates rate limiting by the remote API.
	// Retried with backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassUnavailable indicates the remote service is temporarily down.
	// Retried with backoff.
	ErrorClassUnavailable ErrorClass = "unavailable"

	// ErrorClassConflict indicates another operation already holds the target.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassNotFound indicates the target or operation does not exist.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassValidation indicates the request itself was rejected.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassPermanent covers every other non-recoverable failure.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error represents a classified provisioning error with context.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the remote API error code, when there is one.
	Code string `json:"code,omitempty"`

	// Target is the provisioning template the call addressed.
	Target string `json:"target,omitempty"`

	// Operation is the API call that failed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Target != "" {
		msg += fmt.Sprintf(" (target=%s", e.Target)
		if e.Operation != "" {
			msg += fmt.Sprintf(", operation=%s", e.Operation)
		}
		msg += ")"
	} else if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same class and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

func newError(class ErrorClass, message string, err error) *Error {
	return &Error{Class: class, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *Error {
	return newError(ErrorClassThrottled, message, err)
}

// NewUnavailableError creates a new unavailable error.
func NewUnavailableError(message string, err error) *Error {
	return newError(ErrorClassUnavailable, message, err)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *Error {
	return newError(ErrorClassConflict, message, err)
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string, err error) *Error {
	return newError(ErrorClassNotFound, message, err)
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *Error {
	return newError(ErrorClassValidation, message, err)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *Error {
	return newError(ErrorClassPermanent, message, err)
}

// WithTarget adds target context to an error.
func (e *Error) WithTarget(target string) *Error {
	e.Target = target
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// ClassOf returns the class of the first *Error in err's chain, or "" if none.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// ClassLabel is ClassOf for metric labels; unclassified errors are "unknown".
func ClassLabel(err error) string {
	if class := ClassOf(err); class != "" {
		return string(class)
	}
	return "unknown"
}

// IsRetryable reports whether err is worth retrying: only throttling and
// service unavailability are.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ErrorClassThrottled, ErrorClassUnavailable:
		return true
	default:
		return false
	}
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return ClassOf(err) == ErrorClassConflict
}

// IsNotFound returns true if the error is classified as not found.
func IsNotFound(err error) bool {
	return ClassOf(err) == ErrorClassNotFound
}

// IsValidation returns true if the error is classified as a validation failure.
func IsValidation(err error) bool {
	return ClassOf(err) == ErrorClassValidation
}

// errorCodeClasses maps AWS API error codes onto error classes.
var errorCodeClasses = map[string]ErrorClass{
	"Throttling":               ErrorClassThrottled,
	"ThrottlingException":      ErrorClassThrottled,
	"TooManyRequestsException": ErrorClassThrottled,
	"RequestLimitExceeded":     ErrorClassThrottled,

	"ServiceUnavailable":          ErrorClassUnavailable,
	"ServiceUnavailableException": ErrorClassUnavailable,
	"InternalFailure":             ErrorClassUnavailable,
	"InternalServiceError":        ErrorClassUnavailable,
	"DataUnavailableException":    ErrorClassUnavailable,

	"OperationInProgressException":      ErrorClassConflict,
	"OperationIdAlreadyExistsException": ErrorClassConflict,
	"StaleRequestException":             ErrorClassConflict,

	"StackSetNotFoundException":      ErrorClassNotFound,
	"OperationNotFoundException":     ErrorClassNotFound,
	"StackInstanceNotFoundException": ErrorClassNotFound,
	"ResourceNotFoundException":      ErrorClassNotFound,

	"ValidationError":           ErrorClassValidation,
	"ValidationException":       ErrorClassValidation,
	"InvalidOperationException": ErrorClassValidation,
	"InvalidNextTokenException": ErrorClassValidation,
	// StackSets quota reached; retrying does not free it.
	"LimitExceededException":    ErrorClassValidation,
}

// Classify converts an error returned by an AWS SDK call into an *Error.
// Errors that are already classified, nil, and context cancellations pass
// through unchanged.
func Classify(err error, operation, target string) error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		class, ok := errorCodeClasses[apiErr.ErrorCode()]
		if !ok {
			class = ErrorClassPermanent
			if apiErr.ErrorFault() == smithy.FaultServer {
				class = ErrorClassUnavailable
			}
		}
		return newError(class, apiErr.ErrorMessage(), err).
			WithCode(apiErr.ErrorCode()).
			WithOperation(operation).
			WithTarget(target)
	}

	return NewPermanentError("provisioning call failed", err).
		WithOperation(operation).
		WithTarget(target)
}
