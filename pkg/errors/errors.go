package errors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeUnsupported      = "UNSUPPORTED"
	CodeTransient        = "TRANSIENT"
	CodeBroadcastFailure = "BROADCAST_FAILURE"
	CodeBadRequest       = "BAD_REQUEST"
	CodeConflict         = "CONFLICT"
	CodeTooManyRequests  = "TOO_MANY_REQUESTS"
	CodeInternal         = "INTERNAL_ERROR"
)

type AppError struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code string, message string, status int, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// Unauthenticated means no identity could be resolved for the caller.
func Unauthenticated(message string, err error) *AppError {
	return New(CodeUnauthenticated, message, http.StatusUnauthorized, err)
}

// Forbidden rejects a single operation. It never closes a live connection.
func Forbidden(message string, err error) *AppError {
	return New(CodeForbidden, message, http.StatusForbidden, err)
}

func NotFound(resource string, err error) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound, err)
}

func Unsupported(message string) *AppError {
	return New(CodeUnsupported, message, http.StatusUnprocessableEntity, nil)
}

// Transient marks a storage failure that is safe to retry on the read side only.
func Transient(message string, err error) *AppError {
	return New(CodeTransient, message, http.StatusServiceUnavailable, err)
}

// BroadcastFailure is logged by the dispatcher and never returned to a caller.
func BroadcastFailure(message string, err error) *AppError {
	return New(CodeBroadcastFailure, message, http.StatusInternalServerError, err)
}

func BadRequest(message string, err error) *AppError {
	return New(CodeBadRequest, message, http.StatusBadRequest, err)
}

func Conflict(message string) *AppError {
	return New(CodeConflict, message, http.StatusConflict, nil)
}

func TooManyRequests(message string) *AppError {
	return New(CodeTooManyRequests, message, http.StatusTooManyRequests, nil)
}

func Internal(message string, err error) *AppError {
	return New(CodeInternal, message, http.StatusInternalServerError, err)
}

func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func IsTransient(err error) bool {
	return Is(err, CodeTransient)
}

// Code returns the taxonomy code of err, or INTERNAL_ERROR for foreign errors.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Message returns a message that is safe to show to clients.
func Message(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "An unexpected error occurred"
}
