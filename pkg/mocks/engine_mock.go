package mocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dukex/hitlgate/pkg/durable"
	"github.com/stretchr/testify/mock"
)

// MockEngine is a mock implementation of services.Engine.
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Enqueue(ctx context.Context, name, workflowID string, input json.RawMessage) (bool, error) {
	args := m.Called(ctx, name, workflowID, input)

	return args.Bool(0), args.Error(1)
}

func (m *MockEngine) Send(ctx context.Context, workflowID, topic, dedupeKey string, payload json.RawMessage) (bool, error) {
	args := m.Called(ctx, workflowID, topic, dedupeKey, payload)

	return args.Bool(0), args.Error(1)
}

func (m *MockEngine) Status(ctx context.Context, workflowID string) (*durable.WorkflowStatus, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*durable.WorkflowStatus), args.Error(1)
}

// GetEvent copies a json.RawMessage first return value into out.
func (m *MockEngine) GetEvent(ctx context.Context, workflowID, key string, out any) (bool, error) {
	args := m.Called(ctx, workflowID, key, out)

	return decodeEvent(args.Get(0), out), args.Error(1)
}

func (m *MockEngine) AwaitEvent(ctx context.Context, workflowID, key string, timeout time.Duration, out any) (bool, error) {
	args := m.Called(ctx, workflowID, key, timeout, out)

	return decodeEvent(args.Get(0), out), args.Error(1)
}

func decodeEvent(value any, out any) bool {
	raw, ok := value.(json.RawMessage)
	if !ok || raw == nil {
		return false
	}

	if out != nil {
		_ = json.Unmarshal(raw, out)
	}

	return true
}
