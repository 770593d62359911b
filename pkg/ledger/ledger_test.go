package ledger_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dukex/hitlgate/pkg/canonical"
	"github.com/dukex/hitlgate/pkg/ledger"
	"github.com/dukex/hitlgate/pkg/metrics"
	"github.com/dukex/hitlgate/pkg/persistence"
	"github.com/dukex/hitlgate/pkg/persistence/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGateKey = "approve:0a1b2c3d"
	testTopic   = "human:approve:0a1b2c3d"
)

func setupLedger(t *testing.T) (*ledger.Ledger, persistence.InteractionRepository, context.Context) {
	t.Helper()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := sqlite.NewPersistence(ctx, logger, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = p.Close(ctx) })

	collector := metrics.NewCollector("ledger_test", prometheus.NewRegistry())

	return ledger.New(p.InteractionRepository(), logger, ledger.WithMetrics(collector)), p.InteractionRepository(), ctx
}

func input(dedupeKey, topic, payload string) ledger.RecordInput {
	return ledger.RecordInput{
		WorkflowID: "wf-1",
		RunID:      "wf-1",
		GateKey:    testGateKey,
		Topic:      topic,
		DedupeKey:  dedupeKey,
		Payload:    json.RawMessage(payload),
		Origin:     "ledger-test",
	}
}

func TestRecordInteraction_FirstDeliveryAndRetry(t *testing.T) {
	l, repo, ctx := setupLedger(t)

	first, err := l.RecordInteraction(ctx, input("d-1", testTopic, `{"choice":"yes"}`))
	require.NoError(t, err)
	assert.True(t, first.Inserted)

	expectedHash, err := canonical.Hash([]byte(`{"choice":"yes"}`))
	require.NoError(t, err)
	assert.Equal(t, expectedHash, first.Interaction.PayloadHash)

	retry, err := l.RecordInteraction(ctx, input("d-1", testTopic, `{ "choice" : "yes" }`))
	require.NoError(t, err)
	assert.False(t, retry.Inserted)
	assert.Equal(t, first.Interaction.ID, retry.Interaction.ID)

	count, err := repo.CountByGate(ctx, "wf-1", testGateKey)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecordInteraction_PayloadConflict(t *testing.T) {
	l, repo, ctx := setupLedger(t)

	_, err := l.RecordInteraction(ctx, input("d-1", testTopic, `{"choice":"yes"}`))
	require.NoError(t, err)

	_, err = l.RecordInteraction(ctx, input("d-1", testTopic, `{"choice":"no"}`))
	require.Error(t, err)
	assert.True(t, persistence.IsDedupeConflict(err))

	stored, err := repo.Get(ctx, "wf-1", testGateKey, testTopic, "d-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"choice":"yes"}`, string(stored.Payload))
}

func TestRecordInteraction_TopicConflict(t *testing.T) {
	l, repo, ctx := setupLedger(t)

	_, err := l.RecordInteraction(ctx, input("d-1", testTopic, `{"choice":"yes"}`))
	require.NoError(t, err)

	_, err = l.RecordInteraction(ctx, input("d-1", "sys:approve:0a1b2c3d", `{"choice":"yes"}`))
	require.Error(t, err)
	assert.True(t, persistence.IsDedupeConflict(err))

	count, err := repo.CountByGate(ctx, "wf-1", testGateKey)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecordInteraction_ParallelDuplicates(t *testing.T) {
	l, repo, ctx := setupLedger(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			record, err := l.RecordInteraction(ctx, input("g-dedupe-1", testTopic, `{"choice":"yes"}`))
			if !assert.NoError(t, err) {
				return
			}

			if record.Inserted {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, inserted)

	count, err := repo.CountByGate(ctx, "wf-1", testGateKey)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecordInteraction_ParallelCrossTopicDeliveries(t *testing.T) {
	l, repo, ctx := setupLedger(t)

	topics := []string{testTopic, "sys:approve:0a1b2c3d", testTopic, "sys:approve:0a1b2c3d", testTopic, "sys:approve:0a1b2c3d"}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		inserted  int
		conflicts int
	)

	for _, topic := range topics {
		wg.Add(1)

		go func() {
			defer wg.Done()

			record, err := l.RecordInteraction(ctx, input("shared-1", topic, `{"choice":"yes"}`))

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil && record.Inserted:
				inserted++
			case err != nil:
				assert.True(t, persistence.IsDedupeConflict(err), "unexpected error: %v", err)
				conflicts++
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, inserted)
	assert.Equal(t, 3, conflicts)

	count, err := repo.CountByGate(ctx, "wf-1", testGateKey)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecordInteraction_InvalidPayload(t *testing.T) {
	l, repo, ctx := setupLedger(t)

	_, err := l.RecordInteraction(ctx, input("d-1", testTopic, `{"choice":`))
	require.ErrorIs(t, err, canonical.ErrInvalidJSON)

	count, err := repo.CountByGate(ctx, "wf-1", testGateKey)
	require.NoError(t, err)
	assert.Zero(t, count)
}
