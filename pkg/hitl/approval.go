package hitl

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dukex/hitlgate/pkg/durable"
	"github.com/dukex/hitlgate/pkg/gatekey"
	"github.com/dukex/hitlgate/pkg/models"
)

// EscalationInput is the input of the escalation workflow enqueued for a timed out gate.
type EscalationInput struct {
	WorkflowID string `json:"workflowId" validate:"required"`
	GateKey    string `json:"gateKey"    validate:"required"`
	Purpose    string `json:"purpose,omitempty"`
	DeadlineAt int64  `json:"deadlineAt"`
}

// AwaitApproval asks a yes/no question and writes its decision. A reply approves when it carries
// choice "yes" or approved true; anything else, and a timeout, is a "no". A timeout also enqueues
// the escalation workflow of the gate.
func (p *Protocol) AwaitApproval(ctx context.Context, run durable.Substrate, req Request) (*models.Decision, error) {
	outcome, err := p.AwaitHuman(ctx, run, req)
	if err != nil {
		return nil, err
	}

	decision := models.Decision{SchemaVersion: models.SchemaVersion, At: outcome.At}

	if outcome.State == models.GateStateTimedOut {
		err = run.Enqueue(ctx, EscalationWorkflow, gatekey.EscalationID(run.WorkflowID(), outcome.GateKey), EscalationInput{
			WorkflowID: run.WorkflowID(),
			GateKey:    outcome.GateKey,
			Purpose:    req.Purpose,
			DeadlineAt: outcome.Prompt.DeadlineAt,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue escalation of %s: %w", outcome.GateKey, err)
		}

		decision.Decision = models.DecisionNo
		decision.Payload = &models.DecisionPayload{Rationale: "timeout"}
	} else {
		decision.Decision, decision.Payload = decide(outcome.Payload)
	}

	err = run.SetEventOnce(ctx, gatekey.DecisionKey(outcome.GateKey), decision)
	if err != nil {
		return nil, fmt.Errorf("failed to write decision of %s: %w", outcome.GateKey, err)
	}

	return &decision, nil
}

func decide(payload json.RawMessage) (models.DecisionValue, *models.DecisionPayload) {
	var reply struct {
		Choice    any `json:"choice"`
		Approved  any `json:"approved"`
		Rationale any `json:"rationale"`
	}

	if json.Unmarshal(payload, &reply) != nil {
		return models.DecisionNo, nil
	}

	value := models.DecisionNo
	if reply.Choice == "yes" || reply.Approved == true {
		value = models.DecisionYes
	}

	if rationale, ok := reply.Rationale.(string); ok && rationale != "" {
		return value, &models.DecisionPayload{Rationale: rationale}
	}

	return value, nil
}
