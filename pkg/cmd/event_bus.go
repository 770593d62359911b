package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/hitlgate/pkg/channels/gochannel"
	"github.com/dukex/hitlgate/pkg/channels/kafka"
	"github.com/dukex/hitlgate/pkg/channels/redis"
	"github.com/dukex/hitlgate/pkg/eventbus"
	goredis "github.com/redis/go-redis/v9"
)

var ErrUnsupportedEventBus = errors.New("unsupported event bus provider")

// EventBusConfig selects the transport of cross-process notifications.
type EventBusConfig struct {
	Provider string
	// ConsumerGroup must be unique per process for kafka so that every process sees every event.
	ConsumerGroup string
	KafkaBrokers  string
	RedisURL      string
	OTELEnabled   bool
}

func NewEventBus(config EventBusConfig, logger *slog.Logger) (eventbus.EventBus, error) {
	adapter := watermill.NewSlogLogger(logger)

	switch config.Provider {
	case "", "gochannel", "memory":
		pub, sub, err := gochannel.CreateChannel(adapter)
		if err != nil {
			return nil, err
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	case "kafka":
		pub, sub, err := kafka.CreateChannel(adapter, kafka.Config{
			Brokers:       config.KafkaBrokers,
			ConsumerGroup: config.ConsumerGroup,
			OTELEnabled:   config.OTELEnabled,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	case "redis":
		options, err := goredis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}

		pub, sub, err := redis.CreateChannel(adapter, redis.Config{
			Addr:     options.Addr,
			Password: options.Password,
			DB:       options.DB,
			Prefix:   "hitlgate:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEventBus, config.Provider)
	}
}
