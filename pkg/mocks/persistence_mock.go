package mocks

import (
	"context"

	"github.com/dukex/hitlgate/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockGateRepository is a mock implementation of persistence.GateRepository interface.
type MockGateRepository struct {
	mock.Mock
}

func (m *MockGateRepository) Insert(ctx context.Context, gate *models.Gate) (bool, error) {
	args := m.Called(ctx, gate)

	return args.Bool(0), args.Error(1)
}

func (m *MockGateRepository) Get(ctx context.Context, runID, gateKey string) (*models.Gate, error) {
	args := m.Called(ctx, runID, gateKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Gate), args.Error(1)
}

func (m *MockGateRepository) ListByRun(ctx context.Context, runID string) ([]*models.Gate, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Gate), args.Error(1)
}
