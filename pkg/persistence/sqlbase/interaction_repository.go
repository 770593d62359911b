package sqlbase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/hitlgate/pkg/models"
	"github.com/dukex/hitlgate/pkg/persistence"
)

const interactionColumns = `id, workflow_id, run_id, gate_key, topic, dedupe_key, payload_hash, payload, origin, created_at`

// InteractionRepository handles the human_interactions table.
type InteractionRepository struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewInteractionRepository creates a new interaction repository.
func NewInteractionRepository(db *sql.DB, dialect Dialect, logger *slog.Logger) *InteractionRepository {
	return &InteractionRepository{db: db, dialect: dialect, logger: logger}
}

// Insert writes the interaction unless its dedupe key is already taken on the gate.
// (workflow_id, gate_key, dedupe_key) is unique, so a delivery on another topic is ignored too.
func (r *InteractionRepository) Insert(ctx context.Context, interaction *models.Interaction) (bool, error) {
	query := r.dialect.Rebind(`
		INSERT INTO human_interactions (` + interactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, gate_key, dedupe_key) DO NOTHING
	`)

	result, err := r.db.ExecContext(ctx, query,
		interaction.ID,
		interaction.WorkflowID,
		interaction.RunID,
		interaction.GateKey,
		interaction.Topic,
		interaction.DedupeKey,
		interaction.PayloadHash,
		string(interaction.Payload),
		interaction.Origin,
		interaction.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert interaction: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// Get returns the interaction stored under the full unique key.
func (r *InteractionRepository) Get(ctx context.Context, workflowID, gateKey, topic, dedupeKey string) (*models.Interaction, error) {
	query := r.dialect.Rebind(`
		SELECT ` + interactionColumns + `
		FROM human_interactions
		WHERE workflow_id = ? AND gate_key = ? AND topic = ? AND dedupe_key = ?
	`)

	interaction, err := scanInteraction(r.db.QueryRowContext(ctx, query, workflowID, gateKey, topic, dedupeKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &persistence.InteractionError{
				Op:         "Get",
				WorkflowID: workflowID,
				GateKey:    gateKey,
				DedupeKey:  dedupeKey,
				Err:        persistence.ErrInteractionNotFound,
			}
		}

		return nil, fmt.Errorf("failed to scan interaction: %w", err)
	}

	return interaction, nil
}

// GetByDedupeKey returns the interaction holding dedupeKey on the gate, on any topic.
func (r *InteractionRepository) GetByDedupeKey(ctx context.Context, workflowID, gateKey, dedupeKey string) (*models.Interaction, error) {
	query := r.dialect.Rebind(`
		SELECT ` + interactionColumns + `
		FROM human_interactions
		WHERE workflow_id = ? AND gate_key = ? AND dedupe_key = ?
	`)

	interaction, err := scanInteraction(r.db.QueryRowContext(ctx, query, workflowID, gateKey, dedupeKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &persistence.InteractionError{
				Op:         "GetByDedupeKey",
				WorkflowID: workflowID,
				GateKey:    gateKey,
				DedupeKey:  dedupeKey,
				Err:        persistence.ErrInteractionNotFound,
			}
		}

		return nil, fmt.Errorf("failed to scan interaction: %w", err)
	}

	return interaction, nil
}

// ListByGate returns every interaction of a gate in arrival order.
func (r *InteractionRepository) ListByGate(ctx context.Context, workflowID, gateKey string) ([]*models.Interaction, error) {
	query := r.dialect.Rebind(`
		SELECT ` + interactionColumns + `
		FROM human_interactions
		WHERE workflow_id = ? AND gate_key = ?
		ORDER BY created_at ASC, id ASC
	`)

	return r.query(ctx, query, workflowID, gateKey)
}

// CountByGate counts the interactions of a gate.
func (r *InteractionRepository) CountByGate(ctx context.Context, workflowID, gateKey string) (int, error) {
	query := r.dialect.Rebind(`SELECT COUNT(*) FROM human_interactions WHERE workflow_id = ? AND gate_key = ?`)

	var count int

	err := r.db.QueryRowContext(ctx, query, workflowID, gateKey).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count interactions: %w", err)
	}

	return count, nil
}

func (r *InteractionRepository) query(ctx context.Context, query string, args ...any) ([]*models.Interaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var interactions []*models.Interaction

	for rows.Next() {
		interaction, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}

		interactions = append(interactions, interaction)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate interactions: %w", err)
	}

	return interactions, nil
}

func scanInteraction(scanner interface{ Scan(dest ...any) error }) (*models.Interaction, error) {
	var (
		interaction models.Interaction
		payload     string
		createdAt   int64
	)

	err := scanner.Scan(
		&interaction.ID,
		&interaction.WorkflowID,
		&interaction.RunID,
		&interaction.GateKey,
		&interaction.Topic,
		&interaction.DedupeKey,
		&interaction.PayloadHash,
		&payload,
		&interaction.Origin,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	interaction.Payload = []byte(payload)
	interaction.CreatedAt = time.UnixMilli(createdAt).UTC()

	return &interaction, nil
}
