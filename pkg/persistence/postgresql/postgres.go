// Package postgresql provides the PostgreSQL implementation of the gate and interaction store.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/hitlgate/pkg/persistence"
	"github.com/dukex/hitlgate/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db              *sql.DB
	logger          *slog.Logger
	gateRepo        *sqlbase.GateRepository
	interactionRepo *sqlbase.InteractionRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, sqlbase.Postgres, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:              database,
		logger:          logger,
		gateRepo:        sqlbase.NewGateRepository(database, sqlbase.Postgres, logger),
		interactionRepo: sqlbase.NewInteractionRepository(database, sqlbase.Postgres, logger),
	}, nil
}

// DB exposes the connection pool shared with the durable engine.
func (p *Persistence) DB() *sql.DB {
	return p.db
}

// Dialect returns the SQL dialect of this store.
func (p *Persistence) Dialect() sqlbase.Dialect {
	return sqlbase.Postgres
}

// GateRepository returns the gate registry.
func (p *Persistence) GateRepository() persistence.GateRepository {
	return p.gateRepo
}

// InteractionRepository returns the interaction ledger store.
func (p *Persistence) InteractionRepository() persistence.InteractionRepository {
	return p.interactionRepo
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}
