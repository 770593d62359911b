package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/hitlgate/pkg/cmd"
	"github.com/dukex/hitlgate/pkg/log"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cmd := &cli.Command{
		Name:                  "hitlgate-worker",
		EnableShellCompletion: true,
		Usage:                 "Execute gate workflows",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
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
			&cli.StringFlag{
				Name:    "dispatch-schedule",
				Usage:   "Cron schedule of the dispatch and recovery sweep",
				Value:   DefaultDispatchSchedule,
				Sources: cli.EnvVars("DISPATCH_SCHEDULE"),
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

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("hitlgate-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing hitlgate worker")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runtime, err := cmd.NewRuntime(ctx, logger, cmd.RuntimeConfig{
				ServiceName: "hitlgate-worker",
				DatabaseURL: command.String("database-url"),
				EventBus: cmd.EventBusConfig{
					Provider:      command.String("event-bus"),
					ConsumerGroup: workerID,
					KafkaBrokers:  command.String("kafka-brokers"),
					RedisURL:      command.String("redis-url"),
					OTELEnabled:   command.Bool("otel-enabled"),
				},
				OTELEnabled: command.Bool("otel-enabled"),
				Executor:    true,
				WorkerID:    workerID,
				LeaseTTL:    command.Duration("lease-ttl"),
			})
			if err != nil {
				return err
			}

			worker := NewWorkerManager(workerID, runtime.Engine, command.String("dispatch-schedule"), logger)

			err = worker.Start(ctx)
			if err != nil {
				_ = runtime.Close(context.Background())

				return err
			}

			<-ctx.Done()
			logger.Info("Shutting down worker...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			worker.Stop(shutdownCtx)

			return runtime.Close(shutdownCtx)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
