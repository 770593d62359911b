// Package services holds the gate use cases behind the HTTP surface: the ingress guard, gate
// queries and run start.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/hitlgate/pkg/persistence"
)

// Error classes. Every ServiceError wraps exactly one of them.
var (
	// 400 Bad Request.
	ErrInvalidRequest = errors.New("invalid request")
	// 404 Not Found.
	ErrNotFound = errors.New("not found")
	// 409 Conflict.
	ErrConflict = errors.New("conflict")
	// 503 Service Unavailable; the caller should retry.
	ErrTransient = errors.New("temporarily unavailable")
)

// Stable error codes exposed to clients.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeInvalidGateKey      = "invalid_gate_key"
	CodeInvalidTopic        = "invalid_topic"
	CodePayloadInvalid      = "payload_invalid"
	CodeGateNotFound        = "gate_not_found"
	CodeRunNotFound         = "run_not_found"
	CodeRunNotAwaitingInput = "run_not_awaiting_input"
	CodeTopicDrift          = "topic_drift"
	CodeDedupeConflict      = "dedupe_conflict"
	CodeSignalUnavailable   = "signal_unavailable"
	CodeInternal            = "internal_error"
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func newError(class error, op, code, message string, cause error) *ServiceError {
	return &ServiceError{Op: op, Code: code, Message: message, Err: errors.Join(class, cause)}
}

func NewValidationError(op, code, message string, err error) *ServiceError {
	return newError(ErrInvalidRequest, op, code, message, err)
}

func NewNotFoundError(op, code, message string, err error) *ServiceError {
	return newError(ErrNotFound, op, code, message, err)
}

func NewConflictError(op, code, message string, err error) *ServiceError {
	return newError(ErrConflict, op, code, message, err)
}

func NewTransientError(op, code, message string, err error) *ServiceError {
	return newError(ErrTransient, op, code, message, err)
}

// NewInternalError hides err behind the internal_error code.
func NewInternalError(op string, err error) *ServiceError {
	return &ServiceError{Op: op, Code: CodeInternal, Err: err}
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflictError checks if an error should return HTTP 409. Dedupe conflicts are conflicts.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, persistence.ErrDedupeConflict)
}

func IsDedupeConflict(err error) bool {
	return persistence.IsDedupeConflict(err)
}

func IsTransientError(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ErrorCode returns the stable code carried by err, internal_error when it carries none.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) && serviceErr.Code != "" {
		return serviceErr.Code
	}

	return CodeInternal
}
