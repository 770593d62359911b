package services

import (
	"context"
	"log/slog"

	"github.com/dukex/hitlgate/pkg/persistence"
)

type Health struct {
	persistence persistence.Persistence
	logger      *slog.Logger
}

func NewHealth(persistence persistence.Persistence, logger *slog.Logger) *Health {
	return &Health{persistence: persistence, logger: logger.With("module", "health")}
}

// HealthCheck checks the health of the persistence layer.
func (h *Health) HealthCheck(ctx context.Context) (string, bool) {
	if h.persistence == nil {
		return "persistence not initialized", false
	}

	err := h.persistence.HealthCheck(ctx)
	if err != nil {
		h.logger.WarnContext(ctx, "health check failed", "error", err)

		return "unhealthy", false
	}

	return "ok", true
}
