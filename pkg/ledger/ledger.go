// Package ledger records accepted deliveries exactly once per dedupe key and tells first deliveries,
// retries and conflicting deliveries apart.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/hitlgate/pkg/canonical"
	"github.com/dukex/hitlgate/pkg/metrics"
	"github.com/dukex/hitlgate/pkg/models"
	"github.com/dukex/hitlgate/pkg/persistence"
	"github.com/google/uuid"
)

// RecordInput is one delivery addressed to a gate.
type RecordInput struct {
	WorkflowID string
	RunID      string
	GateKey    string
	Topic      string
	DedupeKey  string
	Payload    json.RawMessage
	Origin     string
}

// Record is the outcome of RecordInteraction. Inserted is false for a retry of an earlier delivery.
type Record struct {
	Inserted    bool
	Interaction *models.Interaction
}

// Ledger wraps the interaction store with payload hashing and conflict detection.
type Ledger struct {
	repo    persistence.InteractionRepository
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMetrics records ledger outcomes on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(l *Ledger) {
		l.metrics = collector
	}
}

// WithClock replaces the time source used for created_at.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a ledger over repo.
func New(repo persistence.InteractionRepository, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		repo:   repo,
		logger: logger.With("module", "ledger"),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// RecordInteraction persists the delivery unless the same dedupe key was already accepted.
// A dedupe key reused with another payload or topic fails with persistence.ErrDedupeConflict
// and leaves the stored row untouched.
func (l *Ledger) RecordInteraction(ctx context.Context, in RecordInput) (*Record, error) {
	payload, err := canonical.Marshal(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}

	hash, err := canonical.Hash(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to hash payload: %w", err)
	}

	logger := l.logger.With(
		"workflow_id", in.WorkflowID,
		"gate_key", in.GateKey,
		"topic", in.Topic,
		"dedupe_key", in.DedupeKey,
	)

	interaction := &models.Interaction{
		ID:          uuid.New().String(),
		WorkflowID:  in.WorkflowID,
		RunID:       in.RunID,
		GateKey:     in.GateKey,
		Topic:       in.Topic,
		DedupeKey:   in.DedupeKey,
		PayloadHash: hash,
		Payload:     payload,
		Origin:      in.Origin,
		CreatedAt:   l.now().UTC(),
	}

	inserted, err := l.repo.Insert(ctx, interaction)
	if err != nil {
		return nil, fmt.Errorf("failed to record interaction: %w", err)
	}

	if inserted {
		l.metrics.InteractionRecorded(metrics.OutcomeInserted)
		logger.InfoContext(ctx, "Interaction recorded", "interaction_id", interaction.ID)

		return &Record{Inserted: true, Interaction: interaction}, nil
	}

	existing, err := l.repo.GetByDedupeKey(ctx, in.WorkflowID, in.GateKey, in.DedupeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read interaction: %w", err)
	}

	if existing.Topic != in.Topic {
		return nil, l.conflict(ctx, logger, in, "dedupe key already used on topic "+existing.Topic)
	}

	if existing.PayloadHash != hash {
		return nil, l.conflict(ctx, logger, in, "payload hash differs from the recorded delivery")
	}

	l.metrics.InteractionRecorded(metrics.OutcomeRetry)
	logger.DebugContext(ctx, "Interaction already recorded", "interaction_id", existing.ID)

	return &Record{Inserted: false, Interaction: existing}, nil
}

func (l *Ledger) conflict(ctx context.Context, logger *slog.Logger, in RecordInput, message string) error {
	l.metrics.InteractionRecorded(metrics.OutcomeConflict)
	logger.WarnContext(ctx, "Dedupe key conflict", "reason", message)

	return persistence.NewDedupeConflictError(in.WorkflowID, in.GateKey, in.DedupeKey, message)
}
