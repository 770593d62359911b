package web

import (
	"errors"

	"github.com/dukex/hitlgate/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

const (
	internalDetail    = "an internal error occurred"
	invalidBodyDetail = "request body is missing required fields or has invalid values"
)

func problem(c fiber.Ctx, status int, code, detail string) error {
	body := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(code).
		WithDetail(detail)

	return c.Status(status).JSON(body)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, services.CodeInvalidRequest, detail)
}

// handleServiceError maps service errors to problem responses. Only the service message is
// exposed; wrapped causes stay in the logs.
func (h *APIHandlers) handleServiceError(c fiber.Ctx, err error) error {
	code := services.ErrorCode(err)

	detail := internalDetail

	var serviceErr *services.ServiceError
	if errors.As(err, &serviceErr) && serviceErr.Message != "" {
		detail = serviceErr.Message
	}

	switch {
	case services.IsValidationError(err):
		return problem(c, fiber.StatusBadRequest, code, detail)
	case services.IsNotFoundError(err):
		return problem(c, fiber.StatusNotFound, code, detail)
	case services.IsConflictError(err):
		return problem(c, fiber.StatusConflict, code, detail)
	case services.IsTransientError(err):
		return problem(c, fiber.StatusServiceUnavailable, code, detail)
	default:
		h.logger.ErrorContext(c.Context(), "request failed", "path", c.Path(), "error", err)

		return problem(c, fiber.StatusInternalServerError, services.CodeInternal, internalDetail)
	}
}
