// Package durable is a small durable-execution engine: workflow handlers run against a write-ahead log of
// their operations, so a run interrupted at any point is replayed to the same state and continues.
package durable

import (
	"context"
	"encoding/json"
	"time"
)

type Status string

const (
	StatusEnqueued  Status = "ENQUEUED"
	StatusPending   Status = "PENDING"
	StatusSuccess   Status = "SUCCESS"
	StatusError     Status = "ERROR"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether a run in this status will never execute again.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// WorkflowStatus is the stored state of one run.
type WorkflowStatus struct {
	WorkflowID   string          `json:"workflowId"`
	Name         string          `json:"name"`
	Status       Status          `json:"status"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	WaitingTopic string          `json:"waitingTopic,omitempty"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// StepFunc is a side effect executed at most once per run; its result is recorded as JSON.
type StepFunc func(ctx context.Context) (any, error)

// HandlerFunc is the body of a workflow. It must be deterministic with respect to its Substrate calls.
type HandlerFunc func(ctx context.Context, run Substrate, input json.RawMessage) (any, error)

// Substrate is what a running workflow sees of the engine. Every call is checkpointed, so on
// replay it returns what it returned the first time.
type Substrate interface {
	WorkflowID() string
	RunStep(ctx context.Context, name string, fn StepFunc, out any) error
	SetEvent(ctx context.Context, key string, value any) error
	// SetEventOnce writes key once; an equal value is a no-op, a different one is ErrEventAlreadySet.
	SetEventOnce(ctx context.Context, key string, value any) error
	GetEvent(ctx context.Context, key string, out any) (bool, error)
	// AwaitSignal consumes the oldest signal on topic, blocking until one arrives or timeout elapses.
	// The deadline is fixed on first entry and survives replay.
	AwaitSignal(ctx context.Context, topic string, timeout time.Duration, out any) (bool, error)
	Enqueue(ctx context.Context, workflowName, workflowID string, input any) error
}

// Resolver maps workflow names to handlers.
type Resolver interface {
	Workflow(name string) (HandlerFunc, bool)
}
