package main

import (
	"context"
	"os"
	"time"

	"github.com/dukex/hitlgate/pkg/cmd"
	"github.com/dukex/hitlgate/pkg/log"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	cmd := &cli.Command{
		Name:                  "hitlgate-api",
		Usage:                 "Serve gate status, replies and external events",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL (postgres://... or sqlite://...)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (gochannel, kafka, redis)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the redis event bus",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.BoolFlag{
				Name:    "embedded-worker",
				Usage:   "Execute workflows inside the API process",
				Sources: cli.EnvVars("EMBEDDED_WORKER"),
			},
			&cli.DurationFlag{
				Name:    "lease-ttl",
				Usage:   "How long a run stays claimed without renewal",
				Value:   30 * time.Second,
				Sources: cli.EnvVars("LEASE_TTL"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("hitlgate-api")

			logger.InfoContext(ctx, "Initializing hitlgate API")

			runtime, err := cmd.NewRuntime(ctx, logger, cmd.RuntimeConfig{
				ServiceName: "hitlgate-api",
				DatabaseURL: command.String("database-url"),
				EventBus: cmd.EventBusConfig{
					Provider:      command.String("event-bus"),
					ConsumerGroup: "api-" + uuid.New().String()[:8],
					KafkaBrokers:  command.String("kafka-brokers"),
					RedisURL:      command.String("redis-url"),
					OTELEnabled:   command.Bool("otel-enabled"),
				},
				OTELEnabled: command.Bool("otel-enabled"),
				Executor:    command.Bool("embedded-worker"),
				LeaseTTL:    command.Duration("lease-ttl"),
			})
			if err != nil {
				return err
			}

			defer func() {
				err := runtime.Close(context.Background())
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
				}
			}()

			if command.Bool("embedded-worker") {
				_, err = runtime.Engine.Dispatch(ctx)
				if err != nil {
					logger.WarnContext(ctx, "Initial dispatch failed", "error", err)
				}
			}

			api := NewAPI(logger, runtime)

			err = api.Start(int(command.Int("port")))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
