// Package errs defines the error kinds surfaced by the graph core.
package errs

import (
	"errors"
	"fmt"
)

// Error codes surfaced to callers (informative only, per the error-handling contract).
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodePrecondition     = "PRECONDITION_ERROR"
	CodePostcondition    = "POSTCONDITION_ERROR"
	CodeLock             = "LOCK_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeOutOfRange       = "OUT_OF_RANGE"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
)

// AppError is a coded error with an optional wrapped cause.
type AppError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches by code, ignoring message and cause.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates an AppError with no wrapped cause.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap creates an AppError wrapping an existing error.
func Wrap(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Sentinel instances for errors.Is comparisons against a bare kind.
var (
	ErrBadRequest       = New(CodeBadRequest, "bad request")
	ErrPrecondition     = New(CodePrecondition, "precondition violated")
	ErrPostcondition    = New(CodePostcondition, "postcondition violated")
	ErrLock             = New(CodeLock, "lock error")
	ErrNotFound         = New(CodeNotFound, "not found")
	ErrOutOfRange       = New(CodeOutOfRange, "out of range")
	ErrStoreUnavailable = New(CodeStoreUnavailable, "store unavailable")
)

// BadRequest builds a BadRequest AppError with a specific message.
func BadRequest(message string) *AppError { return New(CodeBadRequest, message) }

// Precondition builds a PreconditionError AppError with a specific message.
func Precondition(message string) *AppError { return New(CodePrecondition, message) }

// Postcondition builds a PostconditionError AppError with a specific message.
func Postcondition(message string) *AppError { return New(CodePostcondition, message) }

// Lock builds a LockError AppError with a specific message.
func Lock(message string) *AppError { return New(CodeLock, message) }

// NotFound builds a NotFound AppError with a specific message.
func NotFound(message string) *AppError { return New(CodeNotFound, message) }

// OutOfRange builds an OutOfRange AppError with a specific message.
func OutOfRange(message string) *AppError { return New(CodeOutOfRange, message) }

// StoreUnavailable wraps a backend error as StoreUnavailable.
func StoreUnavailable(message string, err error) *AppError {
	return Wrap(CodeStoreUnavailable, message, err)
}

// IsBadRequest reports whether err is (or wraps) a BadRequest.
func IsBadRequest(err error) bool { return errors.Is(err, ErrBadRequest) }

// IsPrecondition reports whether err is (or wraps) a PreconditionError.
func IsPrecondition(err error) bool { return errors.Is(err, ErrPrecondition) }

// IsPostcondition reports whether err is (or wraps) a PostconditionError.
func IsPostcondition(err error) bool { return errors.Is(err, ErrPostcondition) }

// IsLock reports whether err is (or wraps) a LockError.
func IsLock(err error) bool { return errors.Is(err, ErrLock) }

// IsNotFound reports whether err is (or wraps) a NotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsOutOfRange reports whether err is (or wraps) an OutOfRange.
func IsOutOfRange(err error) bool { return errors.Is(err, ErrOutOfRange) }

// IsStoreUnavailable reports whether err is (or wraps) a StoreUnavailable.
func IsStoreUnavailable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }

// Code extracts the AppError code from err, or CodeBadRequest's unknown sibling
// "" if err does not wrap an AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Message extracts the AppError message from err, falling back to err.Error().
func Message(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// HTTPStatus maps an error kind to the status code the (out-of-scope) REST
// layer is contractually required to use; defined here since it's part of
// the error-handling contract, not the transport.
func HTTPStatus(err error) int {
	switch Code(err) {
	case CodeBadRequest, CodePrecondition:
		return 400
	case CodeNotFound:
		return 404
	case CodeLock, CodeStoreUnavailable, CodePostcondition, CodeOutOfRange:
		return 500
	default:
		return 500
	}
}
