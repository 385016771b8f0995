package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/equitylens/research-orchestrator/pkg/domain"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleDomainError maps the core's sentinel errors onto problem
// responses.
func handleDomainError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidTask),
		errors.Is(err, domain.ErrUnknownAgentType),
		errors.Is(err, domain.ErrUnknownDependency),
		errors.Is(err, domain.ErrCyclicWorkflow):
		return badRequest(c, err.Error())

	case errors.Is(err, domain.ErrDuplicateTask):
		return conflict(c, err.Error())

	case errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrRunNotFound),
		errors.Is(err, domain.ErrSessionNotFound):
		return notFound(c, err.Error())

	case errors.Is(err, domain.ErrSessionLimit):
		problem := problems.NewStatusProblem(429).
			WithInstance(c.Path()).
			WithType("session_limit").
			WithDetail(err.Error())

		return c.Status(fiber.StatusTooManyRequests).JSON(problem)

	default:
		return internalError(c, err)
	}
}
