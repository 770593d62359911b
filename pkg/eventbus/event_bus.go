// Package eventbus carries gate and durable-engine notifications between processes.
//
// Notifications are hints: the store stays the source of truth, so a lost or
// duplicated event only delays or repeats a wakeup.
package eventbus

import (
	"context"

	"github.com/dukex/hitlgate/pkg/events"
)

// Event is a typed notification such as events.SignalSent or events.GateOpened.
type Event interface {
	GetType() events.EventType
}

// EventPublisher publishes notifications. key is the workflow id, so every event of one run
// lands on the same partition and is seen in publish order.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber dispatches notifications to the handler registered for their type.
// Handlers must be registered before Subscribe; events of other types are acknowledged and dropped.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives a pointer to the decoded event struct, for example *events.SignalSent.
type EventHandler func(ctx context.Context, event any) error

// EventBus is what the engine and the API wire in: publishing, subscribing and the id source
// used for message ids.
type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
