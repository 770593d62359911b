// Package sqlite provides the SQLite implementation of the gate and interaction store,
// used for local development and tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/hitlgate/pkg/persistence"
	"github.com/dukex/hitlgate/pkg/persistence/sqlbase"
	_ "modernc.org/sqlite"
)

const pragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// Persistence implements the persistence layer for SQLite.
type Persistence struct {
	db              *sql.DB
	logger          *slog.Logger
	gateRepo        *sqlbase.GateRepository
	interactionRepo *sqlbase.InteractionRepository
}

// NewPersistence opens the database file at path and applies the migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, path string) (*Persistence, error) {
	database, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Writers are serialised through a single connection.
	database.SetMaxOpenConns(1)

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, sqlbase.SQLite, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:              database,
		logger:          logger,
		gateRepo:        sqlbase.NewGateRepository(database, sqlbase.SQLite, logger),
		interactionRepo: sqlbase.NewInteractionRepository(database, sqlbase.SQLite, logger),
	}, nil
}

func dsn(path string) string {
	path = strings.TrimPrefix(path, "sqlite://")
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}

	if strings.Contains(path, "?") {
		return path + "&" + pragmas
	}

	return path + "?" + pragmas
}

// DB exposes the connection shared with the durable engine.
func (p *Persistence) DB() *sql.DB {
	return p.db
}

// Dialect returns the SQL dialect of this store.
func (p *Persistence) Dialect() sqlbase.Dialect {
	return sqlbase.SQLite
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
