// Package main provides the hitlgate API server.
package main

import (
	"log/slog"
	"strconv"

	"github.com/dukex/hitlgate/pkg/cmd"
	"github.com/dukex/hitlgate/pkg/ledger"
	"github.com/dukex/hitlgate/pkg/services"
	"github.com/dukex/hitlgate/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type API struct {
	logger   *slog.Logger
	runtime  *cmd.Runtime
	validate *validator.Validate
}

func NewAPI(logger *slog.Logger, runtime *cmd.Runtime) *API {
	return &API{
		logger:   logger,
		runtime:  runtime,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	store := a.runtime.Store
	engine := a.runtime.Engine

	serviceOptions := []services.Option{
		services.WithEventBus(a.runtime.Bus),
		services.WithMetrics(a.runtime.Metrics),
		services.WithTracer(a.runtime.Tracer),
	}

	interactions := ledger.New(store.InteractionRepository(), a.logger, ledger.WithMetrics(a.runtime.Metrics))

	handlers := web.NewAPIHandlers(
		services.NewIngress(store.GateRepository(), interactions, engine, a.logger, serviceOptions...),
		services.NewGates(store.GateRepository(), store.InteractionRepository(), engine, a.logger, serviceOptions...),
		services.NewRuns(engine, a.validate, a.logger),
		services.NewHealth(store, a.logger),
		a.validate,
		a.logger,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("hitlgate API")
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(a.runtime.Gatherer, promhttp.HandlerOpts{})))

	handlers.Register(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
