package hitl_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/hitlgate/pkg/durable"
	"github.com/dukex/hitlgate/pkg/gatekey"
	"github.com/dukex/hitlgate/pkg/hitl"
	"github.com/dukex/hitlgate/pkg/metrics"
	"github.com/dukex/hitlgate/pkg/models"
	"github.com/dukex/hitlgate/pkg/persistence/sqlite"
	"github.com/dukex/hitlgate/pkg/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
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

type harness struct {
	store    *sqlite.Persistence
	engine   *durable.Engine
	clock    *fakeClock
	registry *prometheus.Registry
}

func newHarness(t *testing.T, opts ...hitl.Option) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	clock := &fakeClock{now: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)}

	store, err := sqlite.NewPersistence(context.Background(), logger, filepath.Join(t.TempDir(), "hitl.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close(context.Background()) })

	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollector("hitlgate", promRegistry)

	protocol := hitl.New(store.GateRepository(), logger,
		append([]hitl.Option{hitl.WithClock(clock.Now), hitl.WithMetrics(collector)}, opts...)...)

	workflows := registry.NewRegistry(logger)
	require.NoError(t, protocol.Register(workflows))

	engine := durable.NewEngine(store.DB(), store.Dialect(), workflows, logger,
		durable.WithClock(clock.Now),
		durable.WithPollInterval(5*time.Millisecond),
		durable.WithMetrics(collector),
	)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = engine.Shutdown(ctx)
	})

	return &harness{store: store, engine: engine, clock: clock, registry: promRegistry}
}

func approvalRequest(ttlS int) hitl.Request {
	return hitl.Request{StepID: "review", Purpose: "Approve Deploy", Attempt: 0, TTLS: ttlS}
}

func (h *harness) enqueue(t *testing.T, workflowID string, req hitl.Request) string {
	t.Helper()

	input, err := json.Marshal(req)
	require.NoError(t, err)

	_, err = h.engine.Enqueue(context.Background(), hitl.ApprovalWorkflow, workflowID, input)
	require.NoError(t, err)

	return gatekey.GateKey(workflowID, req.StepID, req.Purpose, req.Attempt)
}

func (h *harness) start(t *testing.T, workflowID string, req hitl.Request) string {
	t.Helper()

	gateKey := h.enqueue(t, workflowID, req)

	_, err := h.engine.Start(context.Background(), hitl.ApprovalWorkflow, workflowID, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.Eventually(t, func() bool {
		status, err := h.engine.Status(ctx, workflowID)

		return err == nil && status.WaitingTopic == gatekey.HumanTopic(gateKey)
	}, 5*time.Second, 5*time.Millisecond)

	return gateKey
}

func (h *harness) reply(t *testing.T, workflowID, gateKey, dedupeKey, payload string) {
	t.Helper()

	_, err := h.engine.Send(context.Background(), workflowID, gatekey.HumanTopic(gateKey), dedupeKey, json.RawMessage(payload))
	require.NoError(t, err)
}

func (h *harness) settled(t *testing.T, workflowID string) *durable.WorkflowStatus {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := h.engine.Wait(ctx, workflowID)
	require.NoError(t, err)

	return status
}

func (h *harness) event(t *testing.T, workflowID, key string, out any) {
	t.Helper()

	found, err := h.engine.GetEvent(context.Background(), workflowID, key, out)
	require.NoError(t, err)
	require.True(t, found, "event %s of %s", key, workflowID)
}

func (h *harness) gateRows(t *testing.T, workflowID string) int {
	t.Helper()

	gates, err := h.store.GateRepository().ListByRun(context.Background(), workflowID)
	require.NoError(t, err)

	return len(gates)
}

func TestAwaitApproval_ReplyYes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	gateKey := h.start(t, "wf-yes", approvalRequest(3600))

	var prompt models.Prompt
	h.event(t, "wf-yes", gatekey.PromptKey(gateKey), &prompt)
	assert.Equal(t, 3600, prompt.TTLS)
	assert.Equal(t, prompt.CreatedAt+3600*1000, prompt.DeadlineAt)

	h.reply(t, "wf-yes", gateKey, "d-1", `{"choice":"yes","actor":"alice","reason":"looks fine"}`)

	status := h.settled(t, "wf-yes")
	require.Equal(t, durable.StatusSuccess, status.Status)

	var result models.Result
	h.event(t, "wf-yes", gatekey.ResultKey(gateKey), &result)
	assert.Equal(t, models.GateStateReceived, result.State)
	assert.JSONEq(t, `{"choice":"yes","actor":"alice","reason":"looks fine"}`, string(result.Payload))
	assert.Len(t, result.PayloadHash, 64)

	var decision models.Decision
	h.event(t, "wf-yes", gatekey.DecisionKey(gateKey), &decision)
	assert.Equal(t, models.DecisionYes, decision.Decision)
	assert.Nil(t, decision.Payload)

	var audit models.Audit
	h.event(t, "wf-yes", gatekey.AuditKey(gateKey), &audit)
	assert.Equal(t, models.GateStateReceived, audit.Event)
	assert.Equal(t, "alice", audit.Actor)
	assert.Equal(t, "looks fine", audit.Reason)

	assert.Equal(t, 1, h.gateRows(t, "wf-yes"))
	assert.InDelta(t, 1, counterValue(t, h, "hitlgate_gates_opened_total"), 0)
}

func counterValue(t *testing.T, h *harness, name string) float64 {
	t.Helper()

	families, err := h.registry.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() == name {
			return family.GetMetric()[0].GetCounter().GetValue()
		}
	}

	t.Fatalf("metric %s not found", name)

	return 0
}

func TestAwaitApproval_ReplyNoWithRationale(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	gateKey := h.start(t, "wf-no", approvalRequest(3600))

	h.reply(t, "wf-no", gateKey, "d-1", `{"choice":"no","rationale":"reject"}`)

	status := h.settled(t, "wf-no")
	require.Equal(t, durable.StatusSuccess, status.Status)

	var decision models.Decision
	h.event(t, "wf-no", gatekey.DecisionKey(gateKey), &decision)
	assert.Equal(t, models.DecisionNo, decision.Decision)
	require.NotNil(t, decision.Payload)
	assert.Equal(t, "reject", decision.Payload.Rationale)

	var output models.Decision
	require.NoError(t, json.Unmarshal(status.Output, &output))
	assert.Equal(t, decision, output)
}

func TestAwaitApproval_ApprovedFlag(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	gateKey := h.start(t, "wf-flag", approvalRequest(60))

	h.reply(t, "wf-flag", gateKey, "d-1", `{"approved":true}`)
	h.settled(t, "wf-flag")

	var decision models.Decision
	h.event(t, "wf-flag", gatekey.DecisionKey(gateKey), &decision)
	assert.Equal(t, models.DecisionYes, decision.Decision)
}

func TestAwaitApproval_TimeoutEscalates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	gateKey := h.start(t, "wf-timeout", approvalRequest(2))

	h.clock.Advance(3 * time.Second)

	status := h.settled(t, "wf-timeout")
	require.Equal(t, durable.StatusSuccess, status.Status)

	var result models.Result
	h.event(t, "wf-timeout", gatekey.ResultKey(gateKey), &result)
	assert.Equal(t, models.GateStateTimedOut, result.State)
	assert.Empty(t, result.Payload)

	var audit models.Audit
	h.event(t, "wf-timeout", gatekey.AuditKey(gateKey), &audit)
	assert.Equal(t, models.GateStateTimedOut, audit.Event)
	assert.Equal(t, hitl.TimeoutReason, audit.Reason)

	var decision models.Decision
	h.event(t, "wf-timeout", gatekey.DecisionKey(gateKey), &decision)
	assert.Equal(t, models.DecisionNo, decision.Decision)
	require.NotNil(t, decision.Payload)
	assert.Equal(t, "timeout", decision.Payload.Rationale)

	escalationID := gatekey.EscalationID("wf-timeout", gateKey)

	escalation, err := h.engine.Status(context.Background(), escalationID)
	require.NoError(t, err)
	assert.Equal(t, hitl.EscalationWorkflow, escalation.Name)

	require.NoError(t, h.engine.Resume(context.Background(), escalationID))

	var record models.EscalationRecord
	h.event(t, escalationID, gatekey.EscalationKey(gateKey), &record)
	assert.Equal(t, "wf-timeout", record.WorkflowID)
	assert.Equal(t, gateKey, record.GateKey)
	assert.NotZero(t, record.NotifiedAt)

	// a late reply under a new dedupe key never changes the result
	h.clock.Advance(5 * time.Second)
	h.reply(t, "wf-timeout", gateKey, "late-1", `{"choice":"yes"}`)

	h.event(t, "wf-timeout", gatekey.ResultKey(gateKey), &result)
	assert.Equal(t, models.GateStateTimedOut, result.State)
}

// crashOnce interrupts the run the first time phase is reached.
func crashOnce(phase hitl.Phase, hits *atomic.Int32) hitl.FaultInjector {
	return func(_ context.Context, reached hitl.Phase, _ string) error {
		if reached == phase && hits.Add(1) == 1 {
			return durable.ErrInterrupted
		}

		return nil
	}
}

func TestAwaitApproval_ResumesAfterCrashAtEveryPhase(t *testing.T) {
	t.Parallel()

	phases := []hitl.Phase{
		hitl.PhaseBeforeGateInsert,
		hitl.PhaseBeforePromptPublish,
		hitl.PhaseBeforeWait,
		hitl.PhaseAfterSignal,
	}

	for _, phase := range phases {
		t.Run(string(phase), func(t *testing.T) {
			t.Parallel()

			var hits atomic.Int32

			h := newHarness(t, hitl.WithFaultInjector(crashOnce(phase, &hits)))
			ctx := context.Background()
			workflowID := "wf-" + string(phase)
			gateKey := h.enqueue(t, workflowID, approvalRequest(3600))

			// both replies are in flight before the crash; the first one must win across the restart
			h.reply(t, workflowID, gateKey, "d-1", `{"choice":"yes"}`)
			h.clock.Advance(time.Millisecond)
			h.reply(t, workflowID, gateKey, "d-2", `{"choice":"no","rationale":"second"}`)

			require.ErrorIs(t, h.engine.Resume(ctx, workflowID), durable.ErrInterrupted)

			status, err := h.engine.Status(ctx, workflowID)
			require.NoError(t, err)
			assert.Equal(t, durable.StatusPending, status.Status)

			require.NoError(t, h.engine.Resume(ctx, workflowID))

			status, err = h.engine.Status(ctx, workflowID)
			require.NoError(t, err)
			require.Equal(t, durable.StatusSuccess, status.Status, status.Error)

			assert.Equal(t, 1, h.gateRows(t, workflowID))

			var result models.Result
			h.event(t, workflowID, gatekey.ResultKey(gateKey), &result)
			assert.Equal(t, models.GateStateReceived, result.State)
			assert.JSONEq(t, `{"choice":"yes"}`, string(result.Payload))

			var decision models.Decision
			h.event(t, workflowID, gatekey.DecisionKey(gateKey), &decision)
			assert.Equal(t, models.DecisionYes, decision.Decision)
			assert.GreaterOrEqual(t, hits.Load(), int32(1))
		})
	}
}

func TestAwaitApproval_CrashWhileWaitingKeepsDeadline(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	gateKey := h.enqueue(t, "wf-wait", approvalRequest(10))

	runCtx, crash := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- h.engine.Resume(runCtx, "wf-wait") }()

	require.Eventually(t, func() bool {
		status, err := h.engine.Status(context.Background(), "wf-wait")

		return err == nil && status.WaitingTopic == gatekey.HumanTopic(gateKey)
	}, 5*time.Second, 5*time.Millisecond)

	var before models.Prompt
	h.event(t, "wf-wait", gatekey.PromptKey(gateKey), &before)

	crash()
	require.ErrorIs(t, <-done, durable.ErrInterrupted)

	h.clock.Advance(11 * time.Second)
	require.NoError(t, h.engine.Resume(context.Background(), "wf-wait"))

	var after models.Prompt
	h.event(t, "wf-wait", gatekey.PromptKey(gateKey), &after)
	assert.Equal(t, before, after)

	var result models.Result
	h.event(t, "wf-wait", gatekey.ResultKey(gateKey), &result)
	assert.Equal(t, models.GateStateTimedOut, result.State)
	assert.Equal(t, 1, h.gateRows(t, "wf-wait"))
}

func TestAwaitApproval_ReplyAfterDeadlineDuringOutageTimesOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	gateKey := h.enqueue(t, "wf-outage", approvalRequest(10))

	runCtx, crash := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- h.engine.Resume(runCtx, "wf-outage") }()

	require.Eventually(t, func() bool {
		status, err := h.engine.Status(context.Background(), "wf-outage")

		return err == nil && status.WaitingTopic == gatekey.HumanTopic(gateKey)
	}, 5*time.Second, 5*time.Millisecond)

	crash()
	require.ErrorIs(t, <-done, durable.ErrInterrupted)

	// no worker runs while the deadline passes and the reply arrives
	h.clock.Advance(15 * time.Second)
	h.reply(t, "wf-outage", gateKey, "late-1", `{"choice":"yes"}`)

	require.NoError(t, h.engine.Resume(context.Background(), "wf-outage"))

	var result models.Result
	h.event(t, "wf-outage", gatekey.ResultKey(gateKey), &result)
	assert.Equal(t, models.GateStateTimedOut, result.State)
	assert.Empty(t, result.Payload)

	var decision models.Decision
	h.event(t, "wf-outage", gatekey.DecisionKey(gateKey), &decision)
	assert.Equal(t, models.DecisionNo, decision.Decision)
}

func TestApprovalWorkflow_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Enqueue(ctx, hitl.ApprovalWorkflow, "wf-bad", json.RawMessage(`{"purpose":"x","ttlS":0}`))
	require.NoError(t, err)
	require.NoError(t, h.engine.Resume(ctx, "wf-bad"))

	status, err := h.engine.Status(ctx, "wf-bad")
	require.NoError(t, err)
	assert.Equal(t, durable.StatusError, status.Status)
	assert.Contains(t, status.Error, "invalid workflow input")
	assert.Equal(t, 0, h.gateRows(t, "wf-bad"))
}
