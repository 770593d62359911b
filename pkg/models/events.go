package models

import "encoding/json"

// SchemaVersion is the version stamped on every durable gate event.
const SchemaVersion = 1

// GateState is the observable state of a gate.
type GateState string

const (
	GateStatePending  GateState = "PENDING"
	GateStateReceived GateState = "RECEIVED"
	GateStateTimedOut GateState = "TIMED_OUT"
)

// Terminal reports whether the state can no longer change.
func (s GateState) Terminal() bool {
	return s == GateStateReceived || s == GateStateTimedOut
}

// DecisionValue is the yes/no projection of an approval gate.
type DecisionValue string

const (
	DecisionYes DecisionValue = "yes"
	DecisionNo  DecisionValue = "no"
)

// Prompt is published once per gate before the wait begins. Times are epoch milliseconds.
type Prompt struct {
	SchemaVersion int            `json:"schemaVersion"`
	FormSchema    map[string]any `json:"formSchema,omitempty"`
	TTLS          int            `json:"ttlS"`
	CreatedAt     int64          `json:"createdAt"`
	DeadlineAt    int64          `json:"deadlineAt"`
	UIHints       map[string]any `json:"uiHints,omitempty"`
	Defaults      map[string]any `json:"defaults,omitempty"`
}

// Result is the terminal outcome of a gate.
type Result struct {
	SchemaVersion int             `json:"schemaVersion"`
	State         GateState       `json:"state"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PayloadHash   string          `json:"payloadHash,omitempty"`
	At            int64           `json:"at,omitempty"`
}

// DecisionPayload carries the optional rationale of a decision.
type DecisionPayload struct {
	Rationale string `json:"rationale,omitempty"`
}

// Decision is the typed projection of a Result for approval gates.
type Decision struct {
	SchemaVersion int              `json:"schemaVersion"`
	Decision      DecisionValue    `json:"decision"`
	Payload       *DecisionPayload `json:"payload,omitempty"`
	At            int64            `json:"at"`
}

// Audit is the human readable trail entry written alongside the Result.
type Audit struct {
	SchemaVersion int       `json:"schemaVersion"`
	Event         GateState `json:"event"`
	Actor         string    `json:"actor,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	At            int64     `json:"at"`
}

// EscalationRecord is written by the escalation workflow once the timeout was notified.
type EscalationRecord struct {
	WorkflowID string `json:"workflowId"`
	GateKey    string `json:"gateKey"`
	Purpose    string `json:"purpose,omitempty"`
	DeadlineAt int64  `json:"deadlineAt"`
	NotifiedAt int64  `json:"notifiedAt"`
}
