package hitl

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dukex/hitlgate/pkg/durable"
	"github.com/dukex/hitlgate/pkg/events"
	"github.com/dukex/hitlgate/pkg/gatekey"
	"github.com/dukex/hitlgate/pkg/models"
	"github.com/dukex/hitlgate/pkg/registry"
	"github.com/go-playground/validator/v10"
)

const (
	ApprovalWorkflow   = "hitl.approval"
	EscalationWorkflow = "hitl.escalation"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Register adds the approval and escalation workflows to r.
func (p *Protocol) Register(r *registry.Registry) error {
	err := r.RegisterWorkflow(ApprovalWorkflow, p.approvalHandler)
	if err != nil {
		return err
	}

	return r.RegisterWorkflow(EscalationWorkflow, p.escalationHandler)
}

func (p *Protocol) approvalHandler(ctx context.Context, run durable.Substrate, input json.RawMessage) (any, error) {
	var req Request

	err := decodeInput(input, &req)
	if err != nil {
		return nil, err
	}

	return p.AwaitApproval(ctx, run, req)
}

// escalationHandler notifies once that a gate timed out and records the notification on the
// escalation run.
func (p *Protocol) escalationHandler(ctx context.Context, run durable.Substrate, input json.RawMessage) (any, error) {
	var in EscalationInput

	err := decodeInput(input, &in)
	if err != nil {
		return nil, err
	}

	var notifiedAt int64

	err = run.RunStep(ctx, "hitl.escalation.notify", func(ctx context.Context) (any, error) {
		p.metrics.Escalated()
		p.logger.WarnContext(ctx, "gate timed out unanswered",
			"workflow_id", in.WorkflowID, "gate_key", in.GateKey, "purpose", in.Purpose, "deadline_at", in.DeadlineAt)
		p.publish(ctx, in.WorkflowID, events.GateEscalated{
			BaseEvent:  events.NewBaseEvent(events.GateEscalatedEvent, in.WorkflowID),
			GateKey:    in.GateKey,
			Purpose:    in.Purpose,
			DeadlineAt: in.DeadlineAt,
		})

		return p.now().UnixMilli(), nil
	}, &notifiedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to notify escalation of %s: %w", in.GateKey, err)
	}

	record := models.EscalationRecord{
		WorkflowID: in.WorkflowID,
		GateKey:    in.GateKey,
		Purpose:    in.Purpose,
		DeadlineAt: in.DeadlineAt,
		NotifiedAt: notifiedAt,
	}

	err = run.SetEventOnce(ctx, gatekey.EscalationKey(in.GateKey), record)
	if err != nil {
		return nil, fmt.Errorf("failed to record escalation of %s: %w", in.GateKey, err)
	}

	return record, nil
}

func decodeInput(input json.RawMessage, out any) error {
	err := json.Unmarshal(input, out)
	if err != nil {
		return fmt.Errorf("invalid workflow input: %w", err)
	}

	err = validate.Struct(out)
	if err != nil {
		return fmt.Errorf("invalid workflow input: %w", err)
	}

	return nil
}
