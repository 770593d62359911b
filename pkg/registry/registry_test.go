package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/dukex/hitlgate/pkg/durable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, durable.Substrate, json.RawMessage) (any, error) {
	return nil, nil
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(slog.New(slog.DiscardHandler))

	require.NoError(t, registry.RegisterWorkflow("hitl.approval", noop))
	require.NoError(t, registry.RegisterWorkflow("hitl.escalation", noop))

	handler, ok := registry.Workflow("hitl.approval")
	assert.True(t, ok)
	assert.NotNil(t, handler)

	_, ok = registry.Workflow("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"hitl.approval", "hitl.escalation"}, registry.Names())
}

func TestRegistry_DuplicateName(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(slog.New(slog.DiscardHandler))

	require.NoError(t, registry.RegisterWorkflow("hitl.approval", noop))
	require.Error(t, registry.RegisterWorkflow("hitl.approval", noop))
}

func TestRegistry_ImplementsResolver(t *testing.T) {
	t.Parallel()

	var _ durable.Resolver = NewRegistry(slog.New(slog.DiscardHandler))
}
