package handler

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/repolens/internal/port"
)

// respondError maps domain errors onto HTTP status codes.
func respondError(c fiber.Ctx, err error) error {
	var verr *port.ValidationError
	switch {
	case errors.Is(err, port.ErrRepoNotFound),
		errors.Is(err, port.ErrCommitNotFound),
		errors.Is(err, port.ErrTaskNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, port.ErrLockTimeout):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, port.ErrBreakerOpen):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
}
