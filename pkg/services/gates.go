package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukex/hitlgate/pkg/durable"
	"github.com/dukex/hitlgate/pkg/gatekey"
	"github.com/dukex/hitlgate/pkg/models"
	"github.com/dukex/hitlgate/pkg/otelhelper"
	"github.com/dukex/hitlgate/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
)

// MaxStatusWait bounds how long a status request may long-poll for the result.
const MaxStatusWait = 60 * time.Second

// GateView is the read model of a gate served to callers.
type GateView struct {
	WorkflowID string           `json:"workflowID"`
	GateKey    string           `json:"gateKey"`
	State      models.GateState `json:"state"`
	Prompt     *models.Prompt   `json:"prompt,omitempty"`
	Result     *models.Result   `json:"result,omitempty"`
	DeadlineAt int64            `json:"deadlineAt,omitempty"`
}

// Gates answers read queries about gates. It never writes.
type Gates struct {
	gates        persistence.GateRepository
	interactions persistence.InteractionRepository
	engine       Engine
	logger       *slog.Logger
	config
}

func NewGates(
	gates persistence.GateRepository,
	interactions persistence.InteractionRepository,
	engine Engine,
	logger *slog.Logger,
	opts ...Option,
) *Gates {
	return &Gates{
		gates:        gates,
		interactions: interactions,
		engine:       engine,
		logger:       logger.With("module", "gates"),
		config:       newConfig(opts),
	}
}

// Status returns the gate state, waiting up to timeout for a result when none is written yet.
func (g *Gates) Status(ctx context.Context, workflowID, gateKey string, timeout time.Duration) (*GateView, error) {
	const op = "Gates.Status"

	ctx, span := otelhelper.StartSpan(ctx, g.tracer, "hitl.gates.status",
		attribute.String(otelhelper.WorkflowIDKey, workflowID),
		attribute.String(otelhelper.GateKeyKey, gateKey),
	)
	defer span.End()

	if timeout < 0 || timeout > MaxStatusWait {
		return nil, NewValidationError(op, CodeInvalidRequest, "timeoutS must be between 0 and 60", nil)
	}

	err := gatekey.ValidateGateKey(gateKey)
	if err != nil {
		return nil, NewValidationError(op, CodeInvalidGateKey, "gateKey is malformed", err)
	}

	gate, err := g.gates.Get(ctx, workflowID, gateKey)
	if err != nil {
		if persistence.IsGateNotFound(err) {
			return nil, NewNotFoundError(op, CodeGateNotFound, "gate not found", err)
		}

		otelhelper.SetError(span, err, CodeInternal)

		return nil, NewInternalError(op, err)
	}

	view := &GateView{WorkflowID: gate.RunID, GateKey: gate.GateKey, State: models.GateStatePending}

	var prompt models.Prompt

	found, err := g.engine.GetEvent(ctx, gate.RunID, gatekey.PromptKey(gateKey), &prompt)
	if err != nil {
		otelhelper.SetError(span, err, CodeInternal)

		return nil, NewInternalError(op, err)
	}

	if found {
		view.Prompt = &prompt
		view.DeadlineAt = prompt.DeadlineAt
	}

	var result models.Result

	found, err = g.engine.AwaitEvent(ctx, gate.RunID, gatekey.ResultKey(gateKey), timeout, &result)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		otelhelper.SetError(span, err, CodeInternal)

		return nil, NewInternalError(op, err)
	}

	if found {
		view.Result = &result
		view.State = result.State
	}

	span.SetAttributes(attribute.String(otelhelper.StateKey, string(view.State)))

	return view, nil
}

// Interactions lists the accepted deliveries of a gate in arrival order.
func (g *Gates) Interactions(ctx context.Context, workflowID, gateKey string) ([]*models.Interaction, error) {
	const op = "Gates.Interactions"

	_, err := g.gates.Get(ctx, workflowID, gateKey)
	if err != nil {
		if persistence.IsGateNotFound(err) {
			return nil, NewNotFoundError(op, CodeGateNotFound, "gate not found", err)
		}

		return nil, NewInternalError(op, err)
	}

	interactions, err := g.interactions.ListByGate(ctx, workflowID, gateKey)
	if err != nil {
		return nil, NewInternalError(op, err)
	}

	if interactions == nil {
		interactions = []*models.Interaction{}
	}

	return interactions, nil
}

// RunStatus returns the durable status of a run.
func (g *Gates) RunStatus(ctx context.Context, workflowID string) (*durable.WorkflowStatus, error) {
	status, err := g.engine.Status(ctx, workflowID)
	if err != nil {
		if errors.Is(err, durable.ErrWorkflowNotFound) {
			return nil, NewNotFoundError("Gates.RunStatus", CodeRunNotFound, "run not found", err)
		}

		return nil, NewInternalError("Gates.RunStatus", err)
	}

	return status, nil
}
