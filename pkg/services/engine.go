package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dukex/hitlgate/pkg/durable"
	"github.com/dukex/hitlgate/pkg/eventbus"
	"github.com/dukex/hitlgate/pkg/metrics"
	"github.com/dukex/hitlgate/pkg/otelhelper"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/trace"
)

// Engine is the part of the durable engine the services drive from outside a run.
type Engine interface {
	Enqueue(ctx context.Context, name, workflowID string, input json.RawMessage) (bool, error)
	Send(ctx context.Context, workflowID, topic, dedupeKey string, payload json.RawMessage) (bool, error)
	Status(ctx context.Context, workflowID string) (*durable.WorkflowStatus, error)
	GetEvent(ctx context.Context, workflowID, key string, out any) (bool, error)
	AwaitEvent(ctx context.Context, workflowID, key string, timeout time.Duration, out any) (bool, error)
}

type config struct {
	bus     eventbus.EventPublisher
	metrics *metrics.Collector
	tracer  trace.Tracer
}

type Option func(*config)

func WithEventBus(bus eventbus.EventPublisher) Option {
	return func(c *config) { c.bus = bus }
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(c *config) { c.metrics = collector }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *config) { c.tracer = tracer }
}

func newConfig(opts []Option) config {
	c := config{tracer: otelhelper.NoopTracer()}

	for _, opt := range opts {
		opt(&c)
	}

	return c
}

// validateJSONSchema validates data against schema.
func validateJSONSchema(data json.RawMessage, schema map[string]any) error {
	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		var errors []string
		for _, desc := range result.Errors() {
			errors = append(errors, desc.String())
		}

		return fmt.Errorf("validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

// compileJSONSchema reports whether schema is a usable JSON schema.
func compileJSONSchema(schema map[string]any) error {
	_, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))

	return err
}
