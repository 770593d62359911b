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

// GateRepository handles the human_gates table.
type GateRepository struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewGateRepository creates a new gate repository.
func NewGateRepository(db *sql.DB, dialect Dialect, logger *slog.Logger) *GateRepository {
	return &GateRepository{db: db, dialect: dialect, logger: logger}
}

// Insert registers the gate, ignoring the write when (run_id, gate_key) already exists.
func (r *GateRepository) Insert(ctx context.Context, gate *models.Gate) (bool, error) {
	query := r.dialect.Rebind(`
		INSERT INTO human_gates (run_id, gate_key, topic, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, gate_key) DO NOTHING
	`)

	result, err := r.db.ExecContext(ctx, query, gate.RunID, gate.GateKey, gate.Topic, gate.CreatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to insert gate: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		r.logger.DebugContext(ctx, "gate already registered", "run_id", gate.RunID, "gate_key", gate.GateKey)
	}

	return rowsAffected > 0, nil
}

// Get returns the gate registered for runID and gateKey.
func (r *GateRepository) Get(ctx context.Context, runID, gateKey string) (*models.Gate, error) {
	query := r.dialect.Rebind(`
		SELECT run_id, gate_key, topic, created_at
		FROM human_gates
		WHERE run_id = ? AND gate_key = ?
	`)

	gate, err := scanGate(r.db.QueryRowContext(ctx, query, runID, gateKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewGateError("Get", runID, gateKey, persistence.ErrGateNotFound)
		}

		return nil, fmt.Errorf("failed to scan gate: %w", err)
	}

	return gate, nil
}

// ListByRun returns the gates of a run ordered by creation.
func (r *GateRepository) ListByRun(ctx context.Context, runID string) ([]*models.Gate, error) {
	query := r.dialect.Rebind(`
		SELECT run_id, gate_key, topic, created_at
		FROM human_gates
		WHERE run_id = ?
		ORDER BY created_at ASC, gate_key ASC
	`)

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query gates: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var gates []*models.Gate

	for rows.Next() {
		gate, err := scanGate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gate: %w", err)
		}

		gates = append(gates, gate)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate gates: %w", err)
	}

	return gates, nil
}

func scanGate(scanner interface{ Scan(dest ...any) error }) (*models.Gate, error) {
	var (
		gate      models.Gate
		createdAt int64
	)

	err := scanner.Scan(&gate.RunID, &gate.GateKey, &gate.Topic, &createdAt)
	if err != nil {
		return nil, err
	}

	gate.CreatedAt = time.UnixMilli(createdAt).UTC()

	return &gate, nil
}
