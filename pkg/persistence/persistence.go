// Package persistence provides the relational store of gates and interactions.
package persistence

import (
	"context"

	"github.com/dukex/hitlgate/pkg/models"
)

// Persistence is the relational source of truth for gates and interactions.
type Persistence interface {
	GateRepository() GateRepository
	InteractionRepository() InteractionRepository
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}

// GateRepository stores the gates opened by runs.
type GateRepository interface {
	// Insert registers gate unless (RunID, GateKey) already exists. It reports whether a row was written.
	Insert(ctx context.Context, gate *models.Gate) (bool, error)
	Get(ctx context.Context, runID, gateKey string) (*models.Gate, error)
	ListByRun(ctx context.Context, runID string) ([]*models.Gate, error)
}

// InteractionRepository stores accepted deliveries.
type InteractionRepository interface {
	// Insert writes interaction unless its dedupe key is already taken on the gate, on any topic.
	// It reports whether a row was written.
	Insert(ctx context.Context, interaction *models.Interaction) (bool, error)
	Get(ctx context.Context, workflowID, gateKey, topic, dedupeKey string) (*models.Interaction, error)
	// GetByDedupeKey returns the interaction holding dedupeKey on the gate, whatever its topic.
	GetByDedupeKey(ctx context.Context, workflowID, gateKey, dedupeKey string) (*models.Interaction, error)
	ListByGate(ctx context.Context, workflowID, gateKey string) ([]*models.Interaction, error)
	CountByGate(ctx context.Context, workflowID, gateKey string) (int, error)
}
