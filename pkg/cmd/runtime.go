package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/hitlgate/pkg/durable"
	"github.com/dukex/hitlgate/pkg/eventbus"
	"github.com/dukex/hitlgate/pkg/hitl"
	"github.com/dukex/hitlgate/pkg/metrics"
	"github.com/dukex/hitlgate/pkg/otelhelper"
	"github.com/dukex/hitlgate/pkg/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"
)

// RuntimeConfig is the configuration shared by the api and worker processes.
type RuntimeConfig struct {
	ServiceName string
	DatabaseURL string
	EventBus    EventBusConfig
	OTELEnabled bool
	// Executor lets the engine run workflows in this process.
	Executor     bool
	WorkerID     string
	LeaseTTL     time.Duration
	PollInterval time.Duration
}

// Runtime holds the wired components of one process.
type Runtime struct {
	Store     Store
	Bus       eventbus.EventBus
	Metrics   *metrics.Collector
	Gatherer  prometheus.Gatherer
	Tracer    trace.Tracer
	Protocol  *hitl.Protocol
	Workflows *registry.Registry
	Engine    *durable.Engine

	closers []func(context.Context) error
}

func NewRuntime(ctx context.Context, logger *slog.Logger, config RuntimeConfig) (*Runtime, error) {
	runtime := &Runtime{}

	store, err := NewPersistence(ctx, logger, config.DatabaseURL)
	if err != nil {
		return nil, err
	}

	runtime.Store = store
	runtime.closers = append(runtime.closers, store.Close)

	bus, err := NewEventBus(config.EventBus, logger)
	if err != nil {
		_ = runtime.Close(ctx)

		return nil, err
	}

	runtime.Bus = bus
	runtime.closers = append(runtime.closers, func(context.Context) error { return bus.Close() })

	runtime.Tracer = otelhelper.NoopTracer()

	if config.OTELEnabled {
		tracer, shutdown, err := otelhelper.NewTracer(ctx, config.ServiceName)
		if err != nil {
			_ = runtime.Close(ctx)

			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}

		runtime.Tracer = tracer
		runtime.closers = append(runtime.closers, shutdown)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	runtime.Gatherer = promRegistry
	runtime.Metrics = metrics.NewCollector("hitlgate", promRegistry)

	runtime.Protocol = hitl.New(store.GateRepository(), logger,
		hitl.WithEventBus(bus),
		hitl.WithMetrics(runtime.Metrics),
		hitl.WithTracer(runtime.Tracer),
	)

	runtime.Workflows, err = NewRegistry(logger, runtime.Protocol)
	if err != nil {
		_ = runtime.Close(ctx)

		return nil, err
	}

	options := []durable.Option{
		durable.WithEventBus(bus),
		durable.WithMetrics(runtime.Metrics),
		durable.WithExecutor(config.Executor),
	}

	if config.WorkerID != "" {
		options = append(options, durable.WithOwner(config.WorkerID))
	}

	if config.LeaseTTL > 0 {
		options = append(options, durable.WithLeaseTTL(config.LeaseTTL))
	}

	if config.PollInterval > 0 {
		options = append(options, durable.WithPollInterval(config.PollInterval))
	}

	runtime.Engine = durable.NewEngine(store.DB(), store.Dialect(), runtime.Workflows, logger, options...)

	err = runtime.Engine.Subscribe(ctx)
	if err != nil {
		_ = runtime.Close(ctx)

		return nil, fmt.Errorf("failed to subscribe engine to the event bus: %w", err)
	}

	return runtime, nil
}

// Close stops the engine and releases every resource in reverse order of acquisition.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error

	if r.Engine != nil {
		errs = append(errs, r.Engine.Shutdown(ctx))
	}

	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i](ctx))
	}

	return errors.Join(errs...)
}
