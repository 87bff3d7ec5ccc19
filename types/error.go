package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the service.
type ErrorCode string

// Validation and conflict error codes. These are rejected synchronously
// and never leave partial entity state behind.
const (
	ErrEmptyPrompt    ErrorCode = "EMPTY_PROMPT"
	ErrAlreadyCreated ErrorCode = "ALREADY_CREATED"
	ErrEditInProgress ErrorCode = "EDIT_IN_PROGRESS"
)

// Not-found error codes.
const (
	ErrNoActiveImage ErrorCode = "NO_ACTIVE_IMAGE"
	ErrImageNotFound ErrorCode = "IMAGE_NOT_FOUND"
	ErrRefNotFound   ErrorCode = "REF_NOT_FOUND"
)

// Upstream and infrastructure error codes.
const (
	ErrProvider                 ErrorCode = "PROVIDER_ERROR"
	ErrTranscriptionUnavailable ErrorCode = "TRANSCRIPTION_UNAVAILABLE"
	ErrStore                    ErrorCode = "STORE_ERROR"
	ErrWorkflow                 ErrorCode = "WORKFLOW_ERROR"
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
	return &Error{Code: code, Message: message, HTTPStatus: defaultHTTPStatus(code)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// HTTPStatus returns the HTTP status for an error, falling back to 500.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) && e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}

func defaultHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrEmptyPrompt:
		return http.StatusBadRequest
	case ErrAlreadyCreated, ErrEditInProgress:
		return http.StatusConflict
	case ErrNoActiveImage, ErrImageNotFound, ErrRefNotFound:
		return http.StatusNotFound
	case ErrProvider, ErrTranscriptionUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
