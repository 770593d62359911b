package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultDispatchSchedule is how often a worker sweeps for enqueued runs and expired leases.
const DefaultDispatchSchedule = "@every 10s"

// Dispatcher starts claimable runs.
type Dispatcher interface {
	Dispatch(ctx context.Context) (int, error)
}

type WorkerManager struct {
	id         string
	logger     *slog.Logger
	dispatcher Dispatcher
	schedule   string
	cron       *cron.Cron
}

func NewWorkerManager(id string, dispatcher Dispatcher, schedule string, logger *slog.Logger) *WorkerManager {
	if schedule == "" {
		schedule = DefaultDispatchSchedule
	}

	return &WorkerManager{
		id:         id,
		logger:     logger.With("module", "hitlgate-worker", "worker_id", id),
		dispatcher: dispatcher,
		schedule:   schedule,
	}
}

// Start runs a first sweep, which recovers runs orphaned by a crashed worker, then schedules the next ones.
func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager", "schedule", w.schedule)

	_, err := cron.ParseStandard(w.schedule)
	if err != nil {
		return fmt.Errorf("invalid dispatch schedule '%s': %w", w.schedule, err)
	}

	w.sweep(ctx)

	w.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err = w.cron.AddFunc(w.schedule, func() { w.sweep(ctx) })
	if err != nil {
		return fmt.Errorf("failed to schedule dispatch: %w", err)
	}

	w.cron.Start()
	w.logger.InfoContext(ctx, "Worker started successfully")

	return nil
}

// Stop stops scheduling sweeps and waits for a running one to finish.
func (w *WorkerManager) Stop(ctx context.Context) {
	if w.cron == nil {
		return
	}

	select {
	case <-w.cron.Stop().Done():
	case <-ctx.Done():
	}

	w.logger.InfoContext(ctx, "Worker stopped")
}

func (w *WorkerManager) sweep(ctx context.Context) {
	started, err := w.dispatcher.Dispatch(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Dispatch sweep failed", "error", err)

		return
	}

	if started > 0 {
		w.logger.InfoContext(ctx, "Dispatched runs", "count", started)
	}
}
