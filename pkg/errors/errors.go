package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-comparable error classification. Adapters and
// callers switch on Code rather than on error strings.
type Code string

const (
	CodeInternal        Code = "internal"
	CodeInvalidArgument Code = "invalid_argument"
	CodeNotFound        Code = "not_found"
	CodeConflict        Code = "conflict"
	CodeForbidden       Code = "forbidden"
	CodeUnauthorized    Code = "unauthorized"
	CodeUnavailable     Code = "unavailable"
	CodeTimeout         Code = "timeout"
	CodeAlreadyExists   Code = "already_exists"
)

// httpStatus maps a Code to the status a REST-facing adapter should return.
var httpStatus = map[Code]int{
	CodeInternal:        http.StatusInternalServerError,
	CodeInvalidArgument: http.StatusBadRequest,
	CodeNotFound:        http.StatusNotFound,
	CodeConflict:        http.StatusConflict,
	CodeForbidden:       http.StatusForbidden,
	CodeUnauthorized:    http.StatusUnauthorized,
	CodeUnavailable:     http.StatusServiceUnavailable,
	CodeTimeout:         http.StatusGatewayTimeout,
	CodeAlreadyExists:   http.StatusConflict,
}

// AppError is the error type produced at every package boundary in this
// module. It carries a Code for programmatic handling, a human message, and
// an optional wrapped cause for %w-chains and logging.
type AppError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the status code a REST handler should respond with.
func (e *AppError) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an AppError with the given code, message and optional cause.
func New(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// Wrap annotates err with a message, preserving its code if it is already an
// AppError, otherwise classifying it as internal.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return &AppError{Code: ae.Code, Message: message, Cause: err}
	}
	return &AppError{Code: CodeInternal, Message: message, Cause: err}
}

func NotFound(message string, cause error) *AppError {
	return &AppError{Code: CodeNotFound, Message: message, Cause: cause}
}

func Conflict(message string, cause error) *AppError {
	return &AppError{Code: CodeConflict, Message: message, Cause: cause}
}

func InvalidArgument(message string, cause error) *AppError {
	return &AppError{Code: CodeInvalidArgument, Message: message, Cause: cause}
}

func Forbidden(message string, cause error) *AppError {
	return &AppError{Code: CodeForbidden, Message: message, Cause: cause}
}

func Unauthorized(message string, cause error) *AppError {
	return &AppError{Code: CodeUnauthorized, Message: message, Cause: cause}
}

func Internal(message string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Cause: cause}
}

func Unavailable(message string, cause error) *AppError {
	return &AppError{Code: CodeUnavailable, Message: message, Cause: cause}
}

func Timeout(message string, cause error) *AppError {
	return &AppError{Code: CodeTimeout, Message: message, Cause: cause}
}

func AlreadyExists(message string, cause error) *AppError {
	return &AppError{Code: CodeAlreadyExists, Message: message, Cause: cause}
}

// Is reports whether err is an AppError with the given code.
func Is(err error, code Code) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}
