package durable

import "errors"

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrUnknownWorkflow  = errors.New("workflow name not registered")
	ErrEventAlreadySet  = errors.New("event already set to a different value")
	// ErrInterrupted stops a run without settling it; the run stays resumable.
	ErrInterrupted      = errors.New("workflow interrupted")
	ErrNondeterministic = errors.New("workflow replay diverged from its recorded steps")
	ErrLeaseLost        = errors.New("workflow lease lost")
	ErrNotClaimable     = errors.New("workflow is not claimable")
)
