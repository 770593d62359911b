package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/hitlgate/pkg/persistence"
	"github.com/dukex/hitlgate/pkg/persistence/postgresql"
	"github.com/dukex/hitlgate/pkg/persistence/sqlbase"
	"github.com/dukex/hitlgate/pkg/persistence/sqlite"
)

var ErrUnsupportedDatabase = errors.New("unsupported database url")

// Store is a persistence layer whose connection is shared with the durable engine.
type Store interface {
	persistence.Persistence
	DB() *sql.DB
	Dialect() sqlbase.Dialect
}

func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (Store, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "sqlite":
		return sqlite.NewPersistence(ctx, logger, databaseURL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDatabase, databaseURL)
	}
}

func parsePersistenceProvider(databaseURL string) string {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(databaseURL, "sqlite://"), strings.HasPrefix(databaseURL, "file:"):
		return "sqlite"
	default:
		return ""
	}
}
