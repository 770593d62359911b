// Package redis wires the event bus to Redis pub/sub.
//
// Redis pub/sub is fire-and-forget: a process that is not subscribed when a
// message is published never sees it. Gate waits poll the store, so a lost
// notification only delays a wakeup.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	goredis "github.com/redis/go-redis/v9"
)

var ErrClosed = errors.New("redis channel is closed")

// Config selects the Redis server and the channel prefix.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type envelope struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// PubSub implements watermill's Publisher and Subscriber on one Redis client.
type PubSub struct {
	client *goredis.Client
	prefix string
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	closed  bool
	subs    []*goredis.PubSub
	workers sync.WaitGroup
}

func CreateChannel(logger watermill.LoggerAdapter, config Config) (*PubSub, *PubSub, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	err := client.Ping(context.Background()).Err()
	if err != nil {
		_ = client.Close()

		return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", config.Addr, err)
	}

	pubSub := &PubSub{client: client, prefix: config.Prefix, logger: logger}

	return pubSub, pubSub, nil
}

func (p *PubSub) channel(topic string) string {
	return p.prefix + topic
}

func (p *PubSub) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return ErrClosed
	}

	for _, msg := range messages {
		body, err := json.Marshal(envelope{UUID: msg.UUID, Metadata: msg.Metadata, Payload: msg.Payload})
		if err != nil {
			return fmt.Errorf("failed to encode message %s: %w", msg.UUID, err)
		}

		err = p.client.Publish(msg.Context(), p.channel(topic), body).Err()
		if err != nil {
			return fmt.Errorf("failed to publish message %s: %w", msg.UUID, err)
		}
	}

	return nil
}

// Subscribe returns once Redis confirmed the subscription, so anything
// published afterwards is delivered.
func (p *PubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return nil, ErrClosed
	}

	sub := p.client.Subscribe(ctx, p.channel(topic))
	p.subs = append(p.subs, sub)
	p.workers.Add(1)
	p.mu.Unlock()

	_, err := sub.Receive(ctx)
	if err != nil {
		p.workers.Done()
		_ = sub.Close()

		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	output := make(chan *message.Message)

	go func() {
		defer p.workers.Done()
		defer close(output)

		incoming := sub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-incoming:
				if !ok {
					return
				}

				p.deliver(ctx, topic, raw.Payload, output)
			}
		}
	}()

	return output, nil
}

func (p *PubSub) deliver(ctx context.Context, topic string, body string, output chan<- *message.Message) {
	var env envelope

	err := json.Unmarshal([]byte(body), &env)
	if err != nil {
		p.logger.Error("dropping undecodable redis message", err, watermill.LogFields{"topic": topic})

		return
	}

	msg := message.NewMessage(env.UUID, env.Payload)
	for key, value := range env.Metadata {
		msg.Metadata.Set(key, value)
	}

	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msg.SetContext(msgCtx)

	select {
	case output <- msg:
	case <-ctx.Done():
		return
	}

	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		p.logger.Info("redis message nacked, not redelivered", watermill.LogFields{"topic": topic, "uuid": env.UUID})
	case <-ctx.Done():
	}
}

func (p *PubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return nil
	}

	p.closed = true
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	var errs []error

	for _, sub := range subs {
		errs = append(errs, sub.Close())
	}

	p.workers.Wait()

	errs = append(errs, p.client.Close())

	return errors.Join(errs...)
}
