package web

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/hitlgate/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	ingress   *services.Ingress
	gates     *services.Gates
	runs      *services.Runs
	health    *services.Health
	validator *validator.Validate
	logger    *slog.Logger
}

func NewAPIHandlers(
	ingress *services.Ingress,
	gates *services.Gates,
	runs *services.Runs,
	health *services.Health,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		ingress:   ingress,
		gates:     gates,
		runs:      runs,
		health:    health,
		validator: validator,
		logger:    logger,
	}
}

// Register mounts the gate routes on router.
func (h *APIHandlers) Register(router fiber.Router) {
	runs := router.Group("/runs")
	runs.Post("/", h.StartRun)
	runs.Get("/:workflowId", h.GetRun)
	runs.Get("/:workflowId/gates/:gateKey", h.GetGate)
	runs.Get("/:workflowId/gates/:gateKey/interactions", h.GetInteractions)
	runs.Post("/:workflowId/gates/:gateKey/reply", h.Reply)

	router.Post("/events/external", h.ExternalEvent)
	router.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) GetGate(c fiber.Ctx) error {
	timeout := time.Duration(0)

	if raw := c.Query("timeoutS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			return badRequest(c, "timeoutS must be an integer")
		}

		timeout = time.Duration(seconds) * time.Second
	}

	view, err := h.gates.Status(c.Context(), c.Params("workflowId"), c.Params("gateKey"), timeout)
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(view)
}

func (h *APIHandlers) GetInteractions(c fiber.Ctx) error {
	interactions, err := h.gates.Interactions(c.Context(), c.Params("workflowId"), c.Params("gateKey"))
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"interactions": interactions})
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	status, err := h.gates.RunStatus(c.Context(), c.Params("workflowId"))
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(status)
}

func (h *APIHandlers) Reply(c fiber.Ctx) error {
	var req ReplyRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, invalidBodyDetail)
	}

	receipt, err := h.ingress.Reply(c.Context(), services.ReplyInput{
		WorkflowID: c.Params("workflowId"),
		GateKey:    c.Params("gateKey"),
		Payload:    req.Payload,
		DedupeKey:  req.DedupeKey,
		Origin:     req.Origin,
	})
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(receipt)
}

func (h *APIHandlers) ExternalEvent(c fiber.Ctx) error {
	var req ExternalEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, invalidBodyDetail)
	}

	receipt, err := h.ingress.External(c.Context(), services.ExternalInput{
		WorkflowID: req.WorkflowID,
		GateKey:    req.GateKey,
		Topic:      req.Topic,
		Payload:    req.Payload,
		DedupeKey:  req.DedupeKey,
		Origin:     req.Origin,
	})
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(receipt)
}

func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	var req StartRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	started, err := h.runs.StartApproval(c.Context(), services.StartApprovalInput{
		WorkflowID: req.WorkflowID,
		Request:    req.Request,
	})
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(started)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.health.HealthCheck(c.Context())

	status := "unhealthy"
	message := "hitlgate API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "hitlgate API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
