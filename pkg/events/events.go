// Package events defines the notifications exchanged between gate processes.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic is the bus topic every gate event is published on.
const Topic = "hitlgate.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Durable engine events.
	SignalSentEvent       EventType = "durable.signal.sent"
	EventSetEvent         EventType = "durable.event.set"
	WorkflowEnqueuedEvent EventType = "durable.workflow.enqueued"
	WorkflowSettledEvent  EventType = "durable.workflow.settled"

	// Gate lifecycle events.
	GateOpenedEvent          EventType = "gate.opened"
	GateEscalatedEvent       EventType = "gate.escalated"
	InteractionRecordedEvent EventType = "gate.interaction.recorded"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}

// SignalSent announces a signal stored for a workflow topic, so blocked waits can re-check.
type SignalSent struct {
	BaseEvent

	Topic     string `json:"topic"`
	DedupeKey string `json:"dedupe_key"`
}

func (e SignalSent) GetType() EventType {
	return SignalSentEvent
}

// EventSet announces a durable event written by a workflow.
type EventSet struct {
	BaseEvent

	Key string `json:"key"`
}

func (e EventSet) GetType() EventType {
	return EventSetEvent
}

// WorkflowEnqueued announces a workflow waiting for an executor.
type WorkflowEnqueued struct {
	BaseEvent

	Name string `json:"name"`
}

func (e WorkflowEnqueued) GetType() EventType {
	return WorkflowEnqueuedEvent
}

// WorkflowSettled announces a workflow reaching a final status.
type WorkflowSettled struct {
	BaseEvent

	Name   string `json:"name"`
	Status string `json:"status"`
}

func (e WorkflowSettled) GetType() EventType {
	return WorkflowSettledEvent
}

type GateOpened struct {
	BaseEvent

	GateKey    string `json:"gate_key"`
	Topic      string `json:"topic"`
	DeadlineAt int64  `json:"deadline_at"`
}

func (e GateOpened) GetType() EventType {
	return GateOpenedEvent
}

type GateEscalated struct {
	BaseEvent

	GateKey    string `json:"gate_key"`
	Purpose    string `json:"purpose,omitempty"`
	DeadlineAt int64  `json:"deadline_at"`
}

func (e GateEscalated) GetType() EventType {
	return GateEscalatedEvent
}

type InteractionRecorded struct {
	BaseEvent

	GateKey       string `json:"gate_key"`
	Topic         string `json:"topic"`
	DedupeKey     string `json:"dedupe_key"`
	InteractionID string `json:"interaction_id"`
	Inserted      bool   `json:"inserted"`
}

func (e InteractionRecorded) GetType() EventType {
	return InteractionRecordedEvent
}

// New returns an empty event of eventType, ready to be decoded into.
func New(eventType EventType) (any, bool) {
	switch eventType {
	case SignalSentEvent:
		return &SignalSent{}, true
	case EventSetEvent:
		return &EventSet{}, true
	case WorkflowEnqueuedEvent:
		return &WorkflowEnqueued{}, true
	case WorkflowSettledEvent:
		return &WorkflowSettled{}, true
	case GateOpenedEvent:
		return &GateOpened{}, true
	case GateEscalatedEvent:
		return &GateEscalated{}, true
	case InteractionRecordedEvent:
		return &InteractionRecorded{}, true
	default:
		return nil, false
	}
}
