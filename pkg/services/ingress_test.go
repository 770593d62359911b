package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dukex/hitlgate/pkg/durable"
	"github.com/dukex/hitlgate/pkg/gatekey"
	"github.com/dukex/hitlgate/pkg/hitl"
	"github.com/dukex/hitlgate/pkg/ledger"
	"github.com/dukex/hitlgate/pkg/mocks"
	"github.com/dukex/hitlgate/pkg/models"
	"github.com/dukex/hitlgate/pkg/persistence/sqlite"
	"github.com/dukex/hitlgate/pkg/registry"
	"github.com/dukex/hitlgate/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type fixture struct {
	store   *sqlite.Persistence
	engine  *durable.Engine
	clock   *fakeClock
	ingress *services.Ingress
	gates   *services.Gates
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := testLogger()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}

	store, err := sqlite.NewPersistence(context.Background(), logger, filepath.Join(t.TempDir(), "services.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close(context.Background()) })

	protocol := hitl.New(store.GateRepository(), logger, hitl.WithClock(clock.Now))
	workflows := registry.NewRegistry(logger)
	require.NoError(t, protocol.Register(workflows))

	engine := durable.NewEngine(store.DB(), store.Dialect(), workflows, logger,
		durable.WithClock(clock.Now),
		durable.WithPollInterval(5*time.Millisecond),
	)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = engine.Shutdown(ctx)
	})

	interactions := ledger.New(store.InteractionRepository(), logger, ledger.WithClock(clock.Now))

	return &fixture{
		store:   store,
		engine:  engine,
		clock:   clock,
		ingress: services.NewIngress(store.GateRepository(), interactions, engine, logger),
		gates:   services.NewGates(store.GateRepository(), store.InteractionRepository(), engine, logger),
	}
}

// open starts an approval run and waits until it is blocked on its gate.
func (f *fixture) open(t *testing.T, workflowID string, req hitl.Request) string {
	t.Helper()

	input, err := json.Marshal(req)
	require.NoError(t, err)

	_, err = f.engine.Start(context.Background(), hitl.ApprovalWorkflow, workflowID, input)
	require.NoError(t, err)

	gateKey := gatekey.GateKey(workflowID, req.StepID, req.Purpose, req.Attempt)

	require.Eventually(t, func() bool {
		status, err := f.engine.Status(context.Background(), workflowID)

		return err == nil && status.WaitingTopic == gatekey.HumanTopic(gateKey)
	}, 5*time.Second, 5*time.Millisecond)

	return gateKey
}

func (f *fixture) settled(t *testing.T, workflowID string) *durable.WorkflowStatus {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := f.engine.Wait(ctx, workflowID)
	require.NoError(t, err)

	return status
}

func (f *fixture) rows(t *testing.T, workflowID, gateKey string) int {
	t.Helper()

	count, err := f.store.InteractionRepository().CountByGate(context.Background(), workflowID, gateKey)
	require.NoError(t, err)

	return count
}

func review(ttlS int) hitl.Request {
	return hitl.Request{StepID: "review", Purpose: "Ship It", TTLS: ttlS}
}

func TestIngress_ParallelRepliesRecordOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gateKey := f.open(t, "wf-parallel", review(3600))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		receipts []*services.Receipt
	)

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			receipt, err := f.ingress.Reply(context.Background(), services.ReplyInput{
				WorkflowID: "wf-parallel",
				GateKey:    gateKey,
				Payload:    json.RawMessage(`{"choice":"yes"}`),
				DedupeKey:  "click-1",
				Origin:     "ui",
			})
			assert.NoError(t, err)

			mu.Lock()
			receipts = append(receipts, receipt)
			mu.Unlock()
		}()
	}

	wg.Wait()

	require.Len(t, receipts, 5)

	inserted := 0

	for _, receipt := range receipts {
		require.NotNil(t, receipt)
		assert.Equal(t, receipts[0].InteractionID, receipt.InteractionID)
		assert.Equal(t, gatekey.HumanTopic(gateKey), receipt.Topic)

		if receipt.Inserted {
			inserted++
		}
	}

	assert.Equal(t, 1, inserted)
	assert.Equal(t, 1, f.rows(t, "wf-parallel", gateKey))

	status := f.settled(t, "wf-parallel")
	assert.Equal(t, durable.StatusSuccess, status.Status)

	view, err := f.gates.Status(context.Background(), "wf-parallel", gateKey, 0)
	require.NoError(t, err)
	assert.Equal(t, models.GateStateReceived, view.State)
	require.NotNil(t, view.Result)
	assert.JSONEq(t, `{"choice":"yes"}`, string(view.Result.Payload))
}

func TestIngress_LateReplyAfterTimeoutIsRecorded(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gateKey := f.open(t, "wf-late", review(2))

	f.clock.Advance(3 * time.Second)
	f.settled(t, "wf-late")

	receipt, err := f.ingress.Reply(context.Background(), services.ReplyInput{
		WorkflowID: "wf-late",
		GateKey:    gateKey,
		Payload:    json.RawMessage(`{"choice":"yes"}`),
		DedupeKey:  "late-1",
	})
	require.NoError(t, err)
	assert.True(t, receipt.Inserted)
	assert.Equal(t, 1, f.rows(t, "wf-late", gateKey))

	view, err := f.gates.Status(context.Background(), "wf-late", gateKey, 0)
	require.NoError(t, err)
	assert.Equal(t, models.GateStateTimedOut, view.State)
}

func TestIngress_RejectsBeforeAnyWrite(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gateKey := f.open(t, "wf-reject", hitl.Request{
		StepID:  "review",
		Purpose: "Ship It",
		TTLS:    3600,
		FormSchema: map[string]any{
			"type":     "object",
			"required": []any{"choice"},
			"properties": map[string]any{
				"choice": map[string]any{"type": "string", "enum": []any{"yes", "no"}},
			},
		},
	})

	tests := []struct {
		name string
		in   services.ExternalInput
		code string
	}{
		{
			name: "malformed topic",
			in:   services.ExternalInput{Topic: "ops:deploy", Payload: json.RawMessage(`{}`)},
			code: services.CodeInvalidTopic,
		},
		{
			name: "human topic of another gate",
			in:   services.ExternalInput{Topic: "human:someone-else", Payload: json.RawMessage(`{}`)},
			code: services.CodeTopicDrift,
		},
		{
			name: "payload outside the form schema",
			in:   services.ExternalInput{Topic: gatekey.HumanTopic(gateKey), Payload: json.RawMessage(`{"choice":"maybe"}`)},
			code: services.CodePayloadInvalid,
		},
		{
			name: "payload is not json",
			in:   services.ExternalInput{Topic: "sys:deploy", Payload: json.RawMessage(`{nope`)},
			code: services.CodeInvalidRequest,
		},
		{
			name: "unknown gate",
			in:   services.ExternalInput{GateKey: "other-gate", Topic: "sys:deploy", Payload: json.RawMessage(`{}`)},
			code: services.CodeGateNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			in.WorkflowID = "wf-reject"
			in.DedupeKey = "d-1"

			if in.GateKey == "" {
				in.GateKey = gateKey
			}

			_, err := f.ingress.External(context.Background(), in)
			require.Error(t, err)
			assert.Equal(t, tt.code, services.ErrorCode(err))
		})
	}

	assert.Equal(t, 0, f.rows(t, "wf-reject", gateKey))
}

func TestIngress_SystemEventDoesNotResolveGate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gateKey := f.open(t, "wf-sys", review(3600))

	receipt, err := f.ingress.External(context.Background(), services.ExternalInput{
		WorkflowID: "wf-sys",
		GateKey:    gateKey,
		Topic:      gatekey.SystemTopic("ci"),
		Payload:    json.RawMessage(`{"build":"green"}`),
		DedupeKey:  "ci-1",
	})
	require.NoError(t, err)
	assert.True(t, receipt.Inserted)

	view, err := f.gates.Status(context.Background(), "wf-sys", gateKey, 0)
	require.NoError(t, err)
	assert.Equal(t, models.GateStatePending, view.State)
	assert.NotZero(t, view.DeadlineAt)

	_, err = f.ingress.External(context.Background(), services.ExternalInput{
		WorkflowID: "wf-sys",
		GateKey:    gateKey,
		Topic:      gatekey.HumanTopic(gateKey),
		Payload:    json.RawMessage(`{"choice":"yes"}`),
		DedupeKey:  "ci-1",
	})
	require.Error(t, err)
	assert.Equal(t, services.CodeDedupeConflict, services.ErrorCode(err))
	assert.True(t, services.IsConflictError(err))

	interactions, err := f.gates.Interactions(context.Background(), "wf-sys", gateKey)
	require.NoError(t, err)
	require.Len(t, interactions, 1)
	assert.Equal(t, gatekey.SystemTopic("ci"), interactions[0].Topic)
}

func TestIngress_CancelledRunRejectsReplies(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gateKey := f.open(t, "wf-cancelled", review(3600))

	require.NoError(t, f.engine.Cancel(context.Background(), "wf-cancelled"))

	_, err := f.ingress.Reply(context.Background(), services.ReplyInput{
		WorkflowID: "wf-cancelled",
		GateKey:    gateKey,
		Payload:    json.RawMessage(`{"choice":"yes"}`),
		DedupeKey:  "d-1",
	})
	require.Error(t, err)
	assert.Equal(t, services.CodeRunNotAwaitingInput, services.ErrorCode(err))
	assert.Equal(t, 0, f.rows(t, "wf-cancelled", gateKey))
}

func TestGates_StatusWaitsForResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gateKey := f.open(t, "wf-poll", review(3600))

	go func() {
		time.Sleep(50 * time.Millisecond)

		_, _ = f.ingress.Reply(context.Background(), services.ReplyInput{
			WorkflowID: "wf-poll",
			GateKey:    gateKey,
			Payload:    json.RawMessage(`{"choice":"no"}`),
			DedupeKey:  "d-1",
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	view, err := f.gates.Status(ctx, "wf-poll", gateKey, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.GateStateReceived, view.State)
	assert.Equal(t, "wf-poll", view.WorkflowID)
	require.NotNil(t, view.Prompt)
	assert.Equal(t, 3600, view.Prompt.TTLS)
}

func TestGates_StatusRejectsLongWaits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.gates.Status(context.Background(), "wf", "gate", 61*time.Second)
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))

	_, err = f.gates.Status(context.Background(), "wf", "missing-gate", 0)
	require.Error(t, err)
	assert.Equal(t, services.CodeGateNotFound, services.ErrorCode(err))
}

func TestIngress_SendFailureIsRetryable(t *testing.T) {
	t.Parallel()

	logger := testLogger()

	store, err := sqlite.NewPersistence(context.Background(), logger, filepath.Join(t.TempDir(), "send.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close(context.Background()) })

	ctx := context.Background()
	gateKey := gatekey.GateKey("wf-send", "review", "Ship It", 0)
	topic := gatekey.HumanTopic(gateKey)

	_, err = store.GateRepository().Insert(ctx, &models.Gate{RunID: "wf-send", GateKey: gateKey, Topic: topic, CreatedAt: time.Now()})
	require.NoError(t, err)

	engine := &mocks.MockEngine{}
	engine.On("Status", mock.Anything, "wf-send").
		Return(&durable.WorkflowStatus{WorkflowID: "wf-send", Status: durable.StatusPending}, nil)
	engine.On("GetEvent", mock.Anything, "wf-send", gatekey.PromptKey(gateKey), mock.Anything).
		Return(nil, nil)
	engine.On("Send", mock.Anything, "wf-send", topic, "d-1", mock.Anything).
		Return(false, errors.New("connection refused")).Once()
	engine.On("Send", mock.Anything, "wf-send", topic, "d-1", mock.Anything).
		Return(true, nil).Once()

	ingress := services.NewIngress(store.GateRepository(), ledger.New(store.InteractionRepository(), logger), engine, logger)

	in := services.ReplyInput{
		WorkflowID: "wf-send",
		GateKey:    gateKey,
		Payload:    json.RawMessage(`{"choice":"yes"}`),
		DedupeKey:  "d-1",
	}

	_, err = ingress.Reply(ctx, in)
	require.Error(t, err)
	assert.True(t, services.IsTransientError(err))
	assert.Equal(t, services.CodeSignalUnavailable, services.ErrorCode(err))

	receipt, err := ingress.Reply(ctx, in)
	require.NoError(t, err)
	assert.False(t, receipt.Inserted)

	count, err := store.InteractionRepository().CountByGate(ctx, "wf-send", gateKey)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	engine.AssertNumberOfCalls(t, "Send", 2)
}
