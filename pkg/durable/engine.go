package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/hitlgate/pkg/eventbus"
	"github.com/dukex/hitlgate/pkg/events"
	"github.com/dukex/hitlgate/pkg/metrics"
	"github.com/dukex/hitlgate/pkg/persistence/sqlbase"
	"github.com/google/uuid"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultLeaseTTL     = 30 * time.Second
	dispatchBatch       = 100
)

// Engine executes registered workflows against the durable log and serves the operations
// callers use from outside a run.
type Engine struct {
	store    *store
	resolver Resolver
	logger   *slog.Logger
	notifier *notifier

	now          func() time.Time
	bus          eventbus.EventBus
	metrics      *metrics.Collector
	executor     bool
	pollInterval time.Duration
	leaseTTL     time.Duration
	owner        string

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEventBus makes the engine announce signals, events and enqueues to other processes.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = collector }
}

// WithExecutor makes the engine execute runs announced on the event bus and runs it enqueues itself.
func WithExecutor(enabled bool) Option {
	return func(e *Engine) { e.executor = enabled }
}

func WithPollInterval(interval time.Duration) Option {
	return func(e *Engine) { e.pollInterval = interval }
}

func WithLeaseTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.leaseTTL = ttl }
}

// WithOwner names this engine in lease columns. Defaults to a random id.
func WithOwner(owner string) Option {
	return func(e *Engine) { e.owner = owner }
}

func NewEngine(db *sql.DB, dialect sqlbase.Dialect, resolver Resolver, logger *slog.Logger, opts ...Option) *Engine {
	baseCtx, stop := context.WithCancel(context.Background())

	engine := &Engine{
		store:        &store{db: db, dialect: dialect},
		resolver:     resolver,
		logger:       logger.With("module", "durable"),
		notifier:     newNotifier(),
		now:          time.Now,
		pollInterval: defaultPollInterval,
		leaseTTL:     defaultLeaseTTL,
		owner:        "engine-" + uuid.NewString(),
		baseCtx:      baseCtx,
		stop:         stop,
		running:      make(map[string]context.CancelFunc),
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// Enqueue stores a new run of workflow name. It reports false when workflowID already exists,
// in which case input is ignored.
func (e *Engine) Enqueue(ctx context.Context, name, workflowID string, input json.RawMessage) (bool, error) {
	if _, ok := e.resolver.Workflow(name); !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}

	if len(input) == 0 {
		input = json.RawMessage("null")
	}

	inserted, err := e.store.insertWorkflow(ctx, e.store.db, workflowID, name, input, e.now())
	if err != nil {
		return false, err
	}

	if inserted {
		e.enqueued(ctx, name, workflowID)
	}

	return inserted, nil
}

// Start enqueues the run and executes it in the background on this engine.
func (e *Engine) Start(ctx context.Context, name, workflowID string, input json.RawMessage) (bool, error) {
	inserted, err := e.Enqueue(ctx, name, workflowID, input)
	if err != nil {
		return false, err
	}

	if !e.executor || !inserted {
		e.startAsync(workflowID)
	}

	return inserted, nil
}

func (e *Engine) enqueued(ctx context.Context, name, workflowID string) {
	e.publish(ctx, workflowID, events.WorkflowEnqueued{
		BaseEvent: events.NewBaseEvent(events.WorkflowEnqueuedEvent, workflowID),
		Name:      name,
	})

	if e.executor {
		e.startAsync(workflowID)
	}
}

// Resume claims the run and executes it to its next stop on the calling goroutine.
// It returns ErrNotClaimable when the run is settled or leased by a live executor.
func (e *Engine) Resume(ctx context.Context, workflowID string) error {
	return e.execute(ctx, workflowID)
}

// Dispatch starts every enqueued run and every run whose lease expired. It returns how many it started.
func (e *Engine) Dispatch(ctx context.Context) (int, error) {
	ids, err := e.store.claimable(ctx, e.now(), dispatchBatch)
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		e.startAsync(id)
	}

	return len(ids), nil
}

// Send stores a signal for topic. A repeated dedupeKey stores nothing but still wakes the waiter.
func (e *Engine) Send(ctx context.Context, workflowID, topic, dedupeKey string, payload json.RawMessage) (bool, error) {
	if _, err := e.store.getWorkflow(ctx, workflowID); err != nil {
		return false, err
	}

	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	inserted, err := e.store.insertSignal(ctx, workflowID, topic, dedupeKey, payload, e.now())
	if err != nil {
		return false, err
	}

	e.notifier.broadcast(signalKey(workflowID, topic))
	e.publish(ctx, workflowID, events.SignalSent{
		BaseEvent: events.NewBaseEvent(events.SignalSentEvent, workflowID),
		Topic:     topic,
		DedupeKey: dedupeKey,
	})

	return inserted, nil
}

func (e *Engine) Status(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	return e.store.getWorkflow(ctx, workflowID)
}

// GetEvent reads an event of a run, decoding it into out when present.
func (e *Engine) GetEvent(ctx context.Context, workflowID, key string, out any) (bool, error) {
	value, found, err := e.store.getEvent(ctx, e.store.db, workflowID, key)
	if err != nil || !found {
		return false, err
	}

	return true, decode(value, out)
}

// AwaitEvent waits up to timeout for an event of a run to be set.
func (e *Engine) AwaitEvent(ctx context.Context, workflowID, key string, timeout time.Duration, out any) (bool, error) {
	wake, unsubscribe := e.notifier.subscribe(eventKey(workflowID, key))
	defer unsubscribe()

	deadline := e.now().Add(timeout)

	for {
		found, err := e.GetEvent(ctx, workflowID, key, out)
		if err != nil || found {
			return found, err
		}

		remaining := deadline.Sub(e.now())
		if remaining <= 0 {
			return false, nil
		}

		err = e.sleep(ctx, wake, remaining)
		if err != nil {
			return false, err
		}
	}
}

// Wait blocks until the run settles.
func (e *Engine) Wait(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	wake, unsubscribe := e.notifier.subscribe(statusKey(workflowID))
	defer unsubscribe()

	for {
		status, err := e.store.getWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}

		if status.Status.Terminal() {
			return status, nil
		}

		err = e.sleep(ctx, wake, e.pollInterval)
		if err != nil {
			return nil, err
		}
	}
}

// Cancel settles a run as CANCELLED and interrupts it when it executes on this engine.
// Cancelling a settled run is a no-op.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	status, err := e.store.getWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	cancelled, err := e.store.cancel(ctx, workflowID, e.now())
	if err != nil || !cancelled {
		return err
	}

	e.mu.Lock()
	if stop, ok := e.running[workflowID]; ok {
		stop()
	}
	e.mu.Unlock()

	e.settled(ctx, workflowID, status.Name, StatusCancelled)

	return nil
}

// Subscribe wires the engine to the event bus, so waits and executions react to other processes.
func (e *Engine) Subscribe(ctx context.Context) error {
	if e.bus == nil {
		return nil
	}

	handlers := map[events.EventType]eventbus.EventHandler{
		events.SignalSentEvent: func(_ context.Context, event any) error {
			signal := event.(*events.SignalSent)
			e.notifier.broadcast(signalKey(signal.WorkflowID, signal.Topic))

			return nil
		},
		events.EventSetEvent: func(_ context.Context, event any) error {
			set := event.(*events.EventSet)
			e.notifier.broadcast(eventKey(set.WorkflowID, set.Key))

			return nil
		},
		events.WorkflowSettledEvent: func(_ context.Context, event any) error {
			e.notifier.broadcast(statusKey(event.(*events.WorkflowSettled).WorkflowID))

			return nil
		},
		events.WorkflowEnqueuedEvent: func(_ context.Context, event any) error {
			if e.executor {
				e.startAsync(event.(*events.WorkflowEnqueued).WorkflowID)
			}

			return nil
		},
	}

	for eventType, handler := range handlers {
		err := e.bus.Handle(eventType, handler)
		if err != nil {
			return fmt.Errorf("failed to register handler for %s: %w", eventType, err)
		}
	}

	return e.bus.Subscribe(ctx)
}

// Shutdown interrupts the runs executing on this engine and waits for them to release their leases.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()

	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) startAsync(workflowID string) {
	if e.baseCtx.Err() != nil {
		return
	}

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		err := e.execute(e.baseCtx, workflowID)
		if err != nil && !errors.Is(err, ErrNotClaimable) && !errors.Is(err, ErrInterrupted) {
			e.logger.Error("workflow execution failed", "workflow_id", workflowID, "error", err)
		}
	}()
}

func (e *Engine) execute(ctx context.Context, workflowID string) error {
	claimed, err := e.store.claim(ctx, workflowID, e.owner, e.now(), e.leaseTTL)
	if err != nil {
		return err
	}

	if !claimed {
		return fmt.Errorf("%w: %s", ErrNotClaimable, workflowID)
	}

	logger := e.logger.With("workflow_id", workflowID, "owner", e.owner)

	status, err := e.store.getWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	handler, ok := e.resolver.Workflow(status.Name)
	if !ok {
		logger.ErrorContext(ctx, "workflow name not registered", "name", status.Name)

		return e.finish(ctx, status.Name, workflowID, nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, status.Name))
	}

	steps, err := e.store.loadSteps(ctx, workflowID)
	if err != nil {
		_ = e.store.release(ctx, workflowID, e.owner, e.now())

		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.running[workflowID] = cancel
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.running, workflowID)
		e.mu.Unlock()
	}()

	var leaseLost atomic.Bool

	renewDone := make(chan struct{})
	renewStopped := make(chan struct{})

	go func() {
		defer close(renewStopped)
		e.renewLease(runCtx, workflowID, renewDone, cancel, &leaseLost)
	}()

	logger.InfoContext(ctx, "executing workflow", "name", status.Name, "attempt", status.Attempts, "replayed_steps", len(steps))

	run := &run{engine: e, workflowID: workflowID, steps: steps, logger: logger}
	output, runErr := handler(runCtx, run, status.Input)

	close(renewDone)
	<-renewStopped

	if leaseLost.Load() {
		logger.WarnContext(ctx, "lease lost while executing, leaving run to its new owner")

		return fmt.Errorf("%w: %s", ErrLeaseLost, workflowID)
	}

	if runErr != nil && (errors.Is(runErr, ErrInterrupted) || errors.Is(runErr, context.Canceled)) {
		// Cancel settles the row itself; release only touches PENDING rows.
		releaseCtx := context.WithoutCancel(ctx)

		err := e.store.release(releaseCtx, workflowID, e.owner, e.now())
		if err != nil {
			return err
		}

		logger.InfoContext(ctx, "workflow interrupted", "error", runErr)

		return fmt.Errorf("%w: %s: %w", ErrInterrupted, workflowID, runErr)
	}

	return e.finish(ctx, status.Name, workflowID, output, runErr)
}

func (e *Engine) renewLease(ctx context.Context, workflowID string, done <-chan struct{}, cancel context.CancelFunc, lost *atomic.Bool) {
	ticker := time.NewTicker(max(e.leaseTTL/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := e.store.renew(ctx, workflowID, e.owner, e.now().Add(e.leaseTTL))
			if err != nil {
				e.logger.WarnContext(ctx, "failed to renew lease", "workflow_id", workflowID, "error", err)

				continue
			}

			if !renewed {
				status, err := e.store.getWorkflow(ctx, workflowID)
				if err != nil || status.Status != StatusCancelled {
					lost.Store(true)
				}

				cancel()

				return
			}
		}
	}
}

func (e *Engine) finish(ctx context.Context, name, workflowID string, output any, runErr error) error {
	ctx = context.WithoutCancel(ctx)

	status := StatusSuccess

	var (
		encoded []byte
		errText string
	)

	if runErr != nil {
		status = StatusError
		errText = runErr.Error()
	} else {
		var err error

		encoded, err = json.Marshal(output)
		if err != nil {
			status = StatusError
			errText = fmt.Sprintf("failed to encode workflow output: %v", err)
			encoded = nil
		}
	}

	finished, err := e.store.finish(ctx, workflowID, e.owner, status, encoded, errText, e.now())
	if err != nil {
		return err
	}

	if !finished {
		e.logger.WarnContext(ctx, "workflow settled elsewhere", "workflow_id", workflowID)

		return nil
	}

	if status == StatusError {
		e.logger.ErrorContext(ctx, "workflow failed", "workflow_id", workflowID, "name", name, "error", runErr)
	} else {
		e.logger.InfoContext(ctx, "workflow completed", "workflow_id", workflowID, "name", name)
	}

	e.settled(ctx, workflowID, name, status)

	return nil
}

func (e *Engine) settled(ctx context.Context, workflowID, name string, status Status) {
	e.metrics.WorkflowSettled(name, string(status))
	e.notifier.broadcast(statusKey(workflowID))
	e.publish(ctx, workflowID, events.WorkflowSettled{
		BaseEvent: events.NewBaseEvent(events.WorkflowSettledEvent, workflowID),
		Name:      name,
		Status:    string(status),
	})
}

// publish is best effort: every waiter also polls the store.
func (e *Engine) publish(ctx context.Context, workflowID string, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	err := e.bus.Publish(ctx, workflowID, event)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to publish event", "workflow_id", workflowID, "event_type", event.GetType(), "error", err)
	}
}

// sleep waits for a wakeup, at most d, never shorter than a millisecond.
func (e *Engine) sleep(ctx context.Context, wake <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(max(min(d, e.pollInterval), time.Millisecond))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
	case <-timer.C:
	}

	return nil
}

func decode(value json.RawMessage, out any) error {
	if out == nil {
		return nil
	}

	err := json.Unmarshal(value, out)
	if err != nil {
		return fmt.Errorf("failed to decode recorded value: %w", err)
	}

	return nil
}
