package services

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/dukex/hitlgate/pkg/gatekey"
	"github.com/dukex/hitlgate/pkg/hitl"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// StartApprovalInput starts an approval run. WorkflowID is generated when empty.
type StartApprovalInput struct {
	WorkflowID string       `json:"workflowId,omitempty"`
	Request    hitl.Request `json:"request"`
}

// StartedRun identifies the run and the gate it is going to open.
type StartedRun struct {
	WorkflowID string `json:"workflowId"`
	GateKey    string `json:"gateKey"`
	Created    bool   `json:"created"`
}

// Runs starts approval runs. Execution is left to whichever worker claims them.
type Runs struct {
	engine    Engine
	validator *validator.Validate
	logger    *slog.Logger
}

func NewRuns(engine Engine, validator *validator.Validate, logger *slog.Logger) *Runs {
	return &Runs{engine: engine, validator: validator, logger: logger.With("module", "runs")}
}

// StartApproval enqueues an approval run. Starting the same WorkflowID twice is a no-op.
func (r *Runs) StartApproval(ctx context.Context, in StartApprovalInput) (*StartedRun, error) {
	const op = "Runs.StartApproval"

	err := r.validator.Struct(in.Request)
	if err != nil {
		return nil, NewValidationError(op, CodeInvalidRequest, "request is missing required fields or has invalid values", err)
	}

	if len(in.Request.FormSchema) > 0 {
		err = compileJSONSchema(in.Request.FormSchema)
		if err != nil {
			return nil, NewValidationError(op, CodeInvalidRequest, "formSchema is not a valid JSON schema", err)
		}
	}

	if in.WorkflowID == "" {
		in.WorkflowID = uuid.New().String()
	}

	input, err := json.Marshal(in.Request)
	if err != nil {
		return nil, NewInternalError(op, err)
	}

	created, err := r.engine.Enqueue(ctx, hitl.ApprovalWorkflow, in.WorkflowID, input)
	if err != nil {
		return nil, NewInternalError(op, err)
	}

	r.logger.InfoContext(ctx, "approval run enqueued", "workflow_id", in.WorkflowID, "created", created)

	return &StartedRun{
		WorkflowID: in.WorkflowID,
		GateKey:    gatekey.GateKey(in.WorkflowID, in.Request.StepID, in.Request.Purpose, in.Request.Attempt),
		Created:    created,
	}, nil
}
