// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrGateNotFound indicates no gate was registered for the given run and gate key.
	ErrGateNotFound = errors.New("gate not found")

	// ErrInteractionNotFound indicates no interaction exists for the given dedupe key.
	ErrInteractionNotFound = errors.New("interaction not found")

	// ErrDedupeConflict indicates a dedupe key was reused for a different payload or topic.
	ErrDedupeConflict = errors.New("dedupe key conflict")
)

// GateError wraps gate registry errors with the gate they refer to.
type GateError struct {
	Op      string // Operation being performed (e.g., "Get", "Insert")
	RunID   string
	GateKey string
	Err     error
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%s operation failed for gate %s/%s: %v", e.Op, e.RunID, e.GateKey, e.Err)
}

func (e *GateError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for gate errors.
func (e *GateError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewGateError creates a new gate error with context.
func NewGateError(op, runID, gateKey string, err error) *GateError {
	return &GateError{
		Op:      op,
		RunID:   runID,
		GateKey: gateKey,
		Err:     err,
	}
}

// InteractionError wraps ledger errors with the delivery they refer to.
type InteractionError struct {
	Op         string
	WorkflowID string
	GateKey    string
	DedupeKey  string
	Err        error
	Message    string
}

func (e *InteractionError) Error() string {
	target := fmt.Sprintf("%s/%s dedupe %q", e.WorkflowID, e.GateKey, e.DedupeKey)

	if e.Message != "" {
		return fmt.Sprintf("%s operation failed for interaction %s: %s (%v)", e.Op, target, e.Message, e.Err)
	}

	return fmt.Sprintf("%s operation failed for interaction %s: %v", e.Op, target, e.Err)
}

func (e *InteractionError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for interaction errors.
func (e *InteractionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewDedupeConflictError reports that an existing interaction disagrees with a new delivery.
func NewDedupeConflictError(workflowID, gateKey, dedupeKey, message string) *InteractionError {
	return &InteractionError{
		Op:         "Record",
		WorkflowID: workflowID,
		GateKey:    gateKey,
		DedupeKey:  dedupeKey,
		Err:        ErrDedupeConflict,
		Message:    message,
	}
}

// IsGateNotFound checks if an error indicates a gate was not found.
func IsGateNotFound(err error) bool {
	return errors.Is(err, ErrGateNotFound)
}

// IsInteractionNotFound checks if an error indicates an interaction was not found.
func IsInteractionNotFound(err error) bool {
	return errors.Is(err, ErrInteractionNotFound)
}

// IsDedupeConflict checks if an error indicates a dedupe key conflict.
func IsDedupeConflict(err error) bool {
	return errors.Is(err, ErrDedupeConflict)
}
