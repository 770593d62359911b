// Package web provides the HTTP handlers of the gate API.
package web

import (
	"encoding/json"

	"github.com/dukex/hitlgate/pkg/hitl"
)

// ReplyRequest is the body of a reply to a gate.
type ReplyRequest struct {
	Payload   json.RawMessage `json:"payload"   validate:"required"`
	DedupeKey string          `json:"dedupeKey" validate:"required,max=200"`
	Origin    string          `json:"origin,omitempty"`
}

// ExternalEventRequest is the body of an event addressed to a gate by topic.
type ExternalEventRequest struct {
	WorkflowID string          `json:"workflowId" validate:"required"`
	GateKey    string          `json:"gateKey"    validate:"required"`
	Topic      string          `json:"topic"      validate:"required"`
	Payload    json.RawMessage `json:"payload"    validate:"required"`
	DedupeKey  string          `json:"dedupeKey"  validate:"required,max=200"`
	Origin     string          `json:"origin,omitempty"`
}

// StartRunRequest starts an approval run.
type StartRunRequest struct {
	WorkflowID string       `json:"workflowId,omitempty"`
	Request    hitl.Request `json:"request"`
}
