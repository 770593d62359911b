// Package hitl implements the human-in-the-loop gate protocol on top of the durable engine.
//
// A gate is opened at most once per (run, step, purpose, attempt): its registry row and prompt are
// written before the run waits, and exactly one result is written after the wait resolves. Every
// write goes through the run's Substrate, so a run resumed after a crash at any point replays to the
// same gate instead of opening a second one.
package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/hitlgate/pkg/canonical"
	"github.com/dukex/hitlgate/pkg/durable"
	"github.com/dukex/hitlgate/pkg/eventbus"
	"github.com/dukex/hitlgate/pkg/events"
	"github.com/dukex/hitlgate/pkg/gatekey"
	"github.com/dukex/hitlgate/pkg/metrics"
	"github.com/dukex/hitlgate/pkg/models"
	"github.com/dukex/hitlgate/pkg/otelhelper"
	"github.com/dukex/hitlgate/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TimeoutReason is the audit reason of a gate whose deadline passed unanswered.
const TimeoutReason = "TTL expired"

// Phase names a point of the protocol where a fault can be injected.
type Phase string

const (
	PhaseBeforeGateInsert    Phase = "before_gate_insert"
	PhaseBeforePromptPublish Phase = "before_prompt_publish"
	PhaseBeforeWait          Phase = "before_wait"
	PhaseAfterSignal         Phase = "after_signal"
)

// FaultInjector is called at every Phase. Returning durable.ErrInterrupted stops the run as a crash
// would; the run can then be resumed.
type FaultInjector func(ctx context.Context, phase Phase, gateKey string) error

// Request describes one logical question asked by a run.
type Request struct {
	StepID     string         `json:"stepId"               validate:"required"`
	Purpose    string         `json:"purpose"              validate:"required"`
	Attempt    int            `json:"attempt"              validate:"gte=0"`
	TTLS       int            `json:"ttlS"                 validate:"gt=0"`
	FormSchema map[string]any `json:"formSchema,omitempty"`
	UIHints    map[string]any `json:"uiHints,omitempty"`
	Defaults   map[string]any `json:"defaults,omitempty"`
}

// Outcome is what AwaitHuman observed. At is the resolution time in epoch milliseconds.
type Outcome struct {
	GateKey     string
	State       models.GateState
	Payload     json.RawMessage
	PayloadHash string
	Prompt      models.Prompt
	At          int64
}

type Protocol struct {
	gates   persistence.GateRepository
	logger  *slog.Logger
	bus     eventbus.EventPublisher
	metrics *metrics.Collector
	tracer  trace.Tracer
	faults  FaultInjector
	now     func() time.Time
}

type Option func(*Protocol)

func WithEventBus(bus eventbus.EventPublisher) Option {
	return func(p *Protocol) { p.bus = bus }
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(p *Protocol) { p.metrics = collector }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(p *Protocol) { p.tracer = tracer }
}

func WithFaultInjector(faults FaultInjector) Option {
	return func(p *Protocol) { p.faults = faults }
}

func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

func New(gates persistence.GateRepository, logger *slog.Logger, opts ...Option) *Protocol {
	protocol := &Protocol{
		gates:  gates,
		logger: logger.With("module", "hitl"),
		tracer: otelhelper.NoopTracer(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(protocol)
	}

	return protocol
}

// AwaitHuman opens the gate described by req if needed, waits for a reply on its human topic until the
// prompt deadline and writes the gate result and audit entry.
func (p *Protocol) AwaitHuman(ctx context.Context, run durable.Substrate, req Request) (*Outcome, error) {
	workflowID := run.WorkflowID()
	gateKey := gatekey.GateKey(workflowID, req.StepID, req.Purpose, req.Attempt)
	topic := gatekey.HumanTopic(gateKey)

	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "hitl.await_human",
		attribute.String(otelhelper.WorkflowIDKey, workflowID),
		attribute.String(otelhelper.GateKeyKey, gateKey),
		attribute.String(otelhelper.PurposeKey, req.Purpose),
	)
	defer span.End()

	logger := p.logger.With("workflow_id", workflowID, "gate_key", gateKey)

	outcome, err := p.awaitHuman(ctx, run, req, gateKey, topic, logger)
	if err != nil {
		if errors.Is(err, durable.ErrInterrupted) {
			otelhelper.SetInterrupted(span, err)
		} else {
			otelhelper.SetError(span, err, "")
		}

		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.StateKey, string(outcome.State)))

	return outcome, nil
}

func (p *Protocol) awaitHuman(ctx context.Context, run durable.Substrate, req Request, gateKey, topic string, logger *slog.Logger) (*Outcome, error) {
	prompt, err := p.openGate(ctx, run, req, gateKey, topic, logger)
	if err != nil {
		return nil, err
	}

	err = p.fault(ctx, PhaseBeforeWait, gateKey)
	if err != nil {
		return nil, err
	}

	remaining := time.Duration(prompt.DeadlineAt-p.now().UnixMilli()) * time.Millisecond

	var payload json.RawMessage

	received, err := run.AwaitSignal(ctx, topic, remaining, &payload)
	if err != nil {
		return nil, fmt.Errorf("failed to wait on %s: %w", topic, err)
	}

	err = p.fault(ctx, PhaseAfterSignal, gateKey)
	if err != nil {
		return nil, err
	}

	state := models.GateStateTimedOut
	if received {
		state = models.GateStateReceived
	}

	var resolvedAt int64

	err = run.RunStep(ctx, "hitl.gate.resolve:"+gateKey, func(context.Context) (any, error) {
		p.metrics.GateResolved(string(state))

		return p.now().UnixMilli(), nil
	}, &resolvedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve gate %s: %w", gateKey, err)
	}

	outcome := &Outcome{GateKey: gateKey, State: state, Prompt: *prompt, At: resolvedAt}
	audit := models.Audit{SchemaVersion: models.SchemaVersion, Event: state, At: resolvedAt}
	result := models.Result{SchemaVersion: models.SchemaVersion, State: state, At: resolvedAt}

	if received {
		hash, err := canonical.Hash(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to hash reply of %s: %w", gateKey, err)
		}

		outcome.Payload = payload
		outcome.PayloadHash = hash
		result.Payload = payload
		result.PayloadHash = hash
		audit.Actor, audit.Reason = actorAndReason(payload)
	} else {
		audit.Reason = TimeoutReason
	}

	err = run.SetEventOnce(ctx, gatekey.ResultKey(gateKey), result)
	if err != nil {
		return nil, fmt.Errorf("failed to write result of %s: %w", gateKey, err)
	}

	err = run.SetEventOnce(ctx, gatekey.AuditKey(gateKey), audit)
	if err != nil {
		return nil, fmt.Errorf("failed to write audit of %s: %w", gateKey, err)
	}

	logger.InfoContext(ctx, "gate resolved", "state", state)

	return outcome, nil
}

// openGate returns the published prompt, registering the gate and publishing it on first entry.
func (p *Protocol) openGate(ctx context.Context, run durable.Substrate, req Request, gateKey, topic string, logger *slog.Logger) (*models.Prompt, error) {
	var prompt models.Prompt

	published, err := run.GetEvent(ctx, gatekey.PromptKey(gateKey), &prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt of %s: %w", gateKey, err)
	}

	if published {
		return &prompt, nil
	}

	err = p.fault(ctx, PhaseBeforeGateInsert, gateKey)
	if err != nil {
		return nil, err
	}

	var openedAt int64

	err = run.RunStep(ctx, "hitl.gate.open:"+gateKey, func(ctx context.Context) (any, error) {
		now := p.now()

		inserted, err := p.gates.Insert(ctx, &models.Gate{
			RunID:     run.WorkflowID(),
			GateKey:   gateKey,
			Topic:     topic,
			CreatedAt: now,
		})
		if err != nil {
			return nil, err
		}

		if inserted {
			p.metrics.GateOpened()
		}

		return now.UnixMilli(), nil
	}, &openedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to open gate %s: %w", gateKey, err)
	}

	err = p.fault(ctx, PhaseBeforePromptPublish, gateKey)
	if err != nil {
		return nil, err
	}

	prompt = models.Prompt{
		SchemaVersion: models.SchemaVersion,
		FormSchema:    req.FormSchema,
		TTLS:          req.TTLS,
		CreatedAt:     openedAt,
		DeadlineAt:    openedAt + int64(req.TTLS)*1000,
		UIHints:       req.UIHints,
		Defaults:      req.Defaults,
	}

	err = run.SetEventOnce(ctx, gatekey.PromptKey(gateKey), prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to publish prompt of %s: %w", gateKey, err)
	}

	logger.InfoContext(ctx, "gate opened", "topic", topic, "deadline_at", prompt.DeadlineAt)

	p.publish(ctx, run.WorkflowID(), events.GateOpened{
		BaseEvent:  events.NewBaseEvent(events.GateOpenedEvent, run.WorkflowID()),
		GateKey:    gateKey,
		Topic:      topic,
		DeadlineAt: prompt.DeadlineAt,
	})

	return &prompt, nil
}

func (p *Protocol) fault(ctx context.Context, phase Phase, gateKey string) error {
	if p.faults == nil {
		return nil
	}

	return p.faults(ctx, phase, gateKey)
}

func (p *Protocol) publish(ctx context.Context, workflowID string, event eventbus.Event) {
	if p.bus == nil {
		return
	}

	err := p.bus.Publish(ctx, workflowID, event)
	if err != nil {
		p.logger.WarnContext(ctx, "failed to publish gate event", "event_type", event.GetType(), "error", err)
	}
}

// actorAndReason reads the optional string fields actor and reason of an object payload.
func actorAndReason(payload json.RawMessage) (string, string) {
	var fields map[string]any

	if json.Unmarshal(payload, &fields) != nil {
		return "", ""
	}

	actor, _ := fields["actor"].(string)
	reason, _ := fields["reason"].(string)

	return actor, reason
}
