package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"unicode/utf8"

	"github.com/dukex/hitlgate/pkg/durable"
	"github.com/dukex/hitlgate/pkg/eventbus"
	"github.com/dukex/hitlgate/pkg/events"
	"github.com/dukex/hitlgate/pkg/gatekey"
	"github.com/dukex/hitlgate/pkg/ledger"
	"github.com/dukex/hitlgate/pkg/models"
	"github.com/dukex/hitlgate/pkg/otelhelper"
	"github.com/dukex/hitlgate/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MaxDedupeKeyLength bounds caller supplied dedupe keys.
const MaxDedupeKeyLength = 200

// ReplyInput is a reply to a gate whose key the caller already knows.
type ReplyInput struct {
	WorkflowID string
	GateKey    string
	Payload    json.RawMessage
	DedupeKey  string
	Origin     string
}

// ExternalInput is an event from an arbitrary system, addressed by topic.
type ExternalInput struct {
	WorkflowID string
	GateKey    string
	Topic      string
	Payload    json.RawMessage
	DedupeKey  string
	Origin     string
}

// Receipt acknowledges an accepted delivery. Inserted is false for a retry.
type Receipt struct {
	InteractionID string `json:"interactionId"`
	Inserted      bool   `json:"inserted"`
	Topic         string `json:"topic"`
}

// Ingress is the only way deliveries reach a waiting gate. It rejects before any write,
// records the delivery in the ledger and then always forwards it to the run.
type Ingress struct {
	gates  persistence.GateRepository
	ledger *ledger.Ledger
	engine Engine
	logger *slog.Logger
	config
}

func NewIngress(gates persistence.GateRepository, ledger *ledger.Ledger, engine Engine, logger *slog.Logger, opts ...Option) *Ingress {
	return &Ingress{
		gates:  gates,
		ledger: ledger,
		engine: engine,
		logger: logger.With("module", "ingress"),
		config: newConfig(opts),
	}
}

// Reply delivers a reply on the topic stored with the gate.
func (i *Ingress) Reply(ctx context.Context, in ReplyInput) (*Receipt, error) {
	const op = "Ingress.Reply"

	ctx, span := otelhelper.StartSpan(ctx, i.tracer, "hitl.ingress.reply",
		attribute.String(otelhelper.WorkflowIDKey, in.WorkflowID),
		attribute.String(otelhelper.GateKeyKey, in.GateKey),
	)
	defer span.End()

	receipt, err := i.reply(ctx, op, in)

	return receipt, i.observe(ctx, span, err)
}

func (i *Ingress) reply(ctx context.Context, op string, in ReplyInput) (*Receipt, error) {
	err := validateDelivery(op, in.WorkflowID, in.GateKey, in.DedupeKey, in.Payload)
	if err != nil {
		return nil, err
	}

	gate, err := i.lookupGate(ctx, op, in.WorkflowID, in.GateKey)
	if err != nil {
		return nil, err
	}

	return i.deliver(ctx, op, gate, gate.Topic, in.DedupeKey, in.Payload, in.Origin)
}

// External delivers an event on a caller supplied topic. A human topic must belong to the gate.
func (i *Ingress) External(ctx context.Context, in ExternalInput) (*Receipt, error) {
	const op = "Ingress.External"

	ctx, span := otelhelper.StartSpan(ctx, i.tracer, "hitl.ingress.external",
		attribute.String(otelhelper.WorkflowIDKey, in.WorkflowID),
		attribute.String(otelhelper.GateKeyKey, in.GateKey),
		attribute.String(otelhelper.TopicKey, in.Topic),
	)
	defer span.End()

	receipt, err := i.external(ctx, op, in)

	return receipt, i.observe(ctx, span, err)
}

func (i *Ingress) external(ctx context.Context, op string, in ExternalInput) (*Receipt, error) {
	err := validateDelivery(op, in.WorkflowID, in.GateKey, in.DedupeKey, in.Payload)
	if err != nil {
		return nil, err
	}

	err = gatekey.ValidateTopic(in.Topic)
	if err != nil {
		return nil, NewValidationError(op, CodeInvalidTopic, "topic must match (human|sys):<key>", err)
	}

	if gatekey.IsHumanTopic(in.Topic) && in.Topic != gatekey.HumanTopic(in.GateKey) {
		return nil, NewConflictError(op, CodeTopicDrift, "human topic does not belong to the gate", nil)
	}

	gate, err := i.lookupGate(ctx, op, in.WorkflowID, in.GateKey)
	if err != nil {
		return nil, err
	}

	return i.deliver(ctx, op, gate, in.Topic, in.DedupeKey, in.Payload, in.Origin)
}

func validateDelivery(op, workflowID, gateKey, dedupeKey string, payload json.RawMessage) error {
	if workflowID == "" {
		return NewValidationError(op, CodeInvalidRequest, "workflowId is required", nil)
	}

	err := gatekey.ValidateGateKey(gateKey)
	if err != nil {
		return NewValidationError(op, CodeInvalidGateKey, "gateKey is malformed", err)
	}

	length := utf8.RuneCountInString(dedupeKey)
	if length == 0 || length > MaxDedupeKeyLength {
		return NewValidationError(op, CodeInvalidRequest, "dedupeKey must be 1 to 200 characters", nil)
	}

	if len(payload) == 0 || !json.Valid(payload) {
		return NewValidationError(op, CodeInvalidRequest, "payload must be valid JSON", nil)
	}

	return nil
}

func (i *Ingress) lookupGate(ctx context.Context, op, workflowID, gateKey string) (*models.Gate, error) {
	gate, err := i.gates.Get(ctx, workflowID, gateKey)
	if err != nil {
		if persistence.IsGateNotFound(err) {
			return nil, NewNotFoundError(op, CodeGateNotFound, "gate not found", err)
		}

		return nil, NewInternalError(op, err)
	}

	return gate, nil
}

// deliver runs the checks that need the run state, then writes the ledger and forwards the signal.
func (i *Ingress) deliver(ctx context.Context, op string, gate *models.Gate, topic, dedupeKey string, payload json.RawMessage, origin string) (*Receipt, error) {
	status, err := i.engine.Status(ctx, gate.RunID)
	if err != nil {
		if errors.Is(err, durable.ErrWorkflowNotFound) {
			return nil, NewNotFoundError(op, CodeRunNotFound, "run not found", err)
		}

		return nil, NewInternalError(op, err)
	}

	if status.Status == durable.StatusCancelled || status.Status == durable.StatusError {
		return nil, NewConflictError(op, CodeRunNotAwaitingInput, "run is not awaiting input", nil)
	}

	if gatekey.IsHumanTopic(topic) {
		err = i.validateAgainstPrompt(ctx, op, gate, payload)
		if err != nil {
			return nil, err
		}
	}

	record, err := i.ledger.RecordInteraction(ctx, ledger.RecordInput{
		WorkflowID: gate.RunID,
		RunID:      gate.RunID,
		GateKey:    gate.GateKey,
		Topic:      topic,
		DedupeKey:  dedupeKey,
		Payload:    payload,
		Origin:     origin,
	})
	if err != nil {
		if IsDedupeConflict(err) {
			return nil, NewConflictError(op, CodeDedupeConflict, "dedupeKey was already used for a different delivery", err)
		}

		return nil, NewInternalError(op, err)
	}

	// Forwarded on retries too: an earlier attempt may have failed after the ledger write.
	_, err = i.engine.Send(ctx, gate.RunID, topic, dedupeKey, record.Interaction.Payload)
	if err != nil {
		i.logger.WarnContext(ctx, "failed to forward signal", "workflow_id", gate.RunID, "topic", topic, "error", err)

		return nil, NewTransientError(op, CodeSignalUnavailable, "delivery recorded but not yet forwarded, retry", err)
	}

	i.publish(ctx, gate.RunID, events.InteractionRecorded{
		BaseEvent:     events.NewBaseEvent(events.InteractionRecordedEvent, gate.RunID),
		GateKey:       gate.GateKey,
		Topic:         topic,
		DedupeKey:     dedupeKey,
		InteractionID: record.Interaction.ID,
		Inserted:      record.Inserted,
	})

	i.logger.InfoContext(ctx, "delivery accepted",
		"workflow_id", gate.RunID, "gate_key", gate.GateKey, "topic", topic, "inserted", record.Inserted)

	return &Receipt{InteractionID: record.Interaction.ID, Inserted: record.Inserted, Topic: topic}, nil
}

func (i *Ingress) validateAgainstPrompt(ctx context.Context, op string, gate *models.Gate, payload json.RawMessage) error {
	var prompt models.Prompt

	found, err := i.engine.GetEvent(ctx, gate.RunID, gatekey.PromptKey(gate.GateKey), &prompt)
	if err != nil {
		return NewInternalError(op, err)
	}

	if !found || len(prompt.FormSchema) == 0 {
		return nil
	}

	err = validateJSONSchema(payload, prompt.FormSchema)
	if err != nil {
		return NewValidationError(op, CodePayloadInvalid, "payload does not match the gate form schema", err)
	}

	return nil
}

func (i *Ingress) observe(ctx context.Context, span trace.Span, err error) error {
	if err == nil {
		return nil
	}

	code := ErrorCode(err)

	i.metrics.IngressRejected(code)
	otelhelper.SetError(span, err, code)

	if code == CodeInternal {
		i.logger.ErrorContext(ctx, "ingress failed", "error", err)
	} else {
		i.logger.DebugContext(ctx, "ingress rejected", "code", code, "error", err)
	}

	return err
}

func (i *Ingress) publish(ctx context.Context, workflowID string, event eventbus.Event) {
	if i.bus == nil {
		return
	}

	err := i.bus.Publish(ctx, workflowID, event)
	if err != nil {
		i.logger.WarnContext(ctx, "failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
