// Package models defines the domain models of human-in-the-loop gates.
package models

import (
	"encoding/json"
	"time"
)

// Gate is the registry row written the first time a run reaches a logical question.
// It is never updated or deleted.
type Gate struct {
	RunID     string    `json:"runId"`
	GateKey   string    `json:"gateKey"`
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"createdAt"`
}

// Interaction is one accepted delivery of a reply or external event to a gate.
type Interaction struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflowId"`
	RunID       string          `json:"runId"`
	GateKey     string          `json:"gateKey"`
	Topic       string          `json:"topic"`
	DedupeKey   string          `json:"dedupeKey"`
	PayloadHash string          `json:"payloadHash"`
	Payload     json.RawMessage `json:"payload"`
	Origin      string          `json:"origin,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// ExternalEvent is the ingress shape of an event addressed to a gate by topic.
type ExternalEvent struct {
	WorkflowID string          `json:"workflowId"`
	GateKey    string          `json:"gateKey"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	DedupeKey  string          `json:"dedupeKey"`
	Origin     string          `json:"origin,omitempty"`
}
