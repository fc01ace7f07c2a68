package handler

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

// AdminProblemHandler manages problems and instructor actions on attempts.
type AdminProblemHandler struct {
	problems  service.ProblemService
	attempts  service.AttemptService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewAdminProblemHandler constructs the admin handler.
func NewAdminProblemHandler(problems service.ProblemService, attempts service.AttemptService, validator *validator.Validate, logger zerolog.Logger) *AdminProblemHandler {
	return &AdminProblemHandler{
		problems:  problems,
		attempts:  attempts,
		validator: validator,
		logger:    logger.With().Str("component", "admin_problem_handler").Logger(),
	}
}

// Register binds the admin routes.
func (h *AdminProblemHandler) Register(router fiber.Router) {
	router.Put("/problems/:id", h.upsert)
	router.Get("/problems/:id", h.get)
	router.Post("/problems/:id/rescore/:learnerID", h.rescore)
	router.Post("/queue/expire", h.expire)
}

func (h *AdminProblemHandler) upsert(c *fiber.Ctx) error {
	var payload dto.ProblemUpsertRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	problem, err := h.problems.Upsert(requestContext(c), c.Params("id"), payload)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "problem stored", problem)
}

func (h *AdminProblemHandler) get(c *fiber.Ctx) error {
	problem, err := h.problems.Get(requestContext(c), c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "problem retrieved", problem)
}

func (h *AdminProblemHandler) rescore(c *fiber.Ctx) error {
	var payload dto.RescoreRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}

	state, err := h.attempts.Rescore(requestContext(c), c.Params("learnerID"), c.Params("id"), payload.OnlyIfHigher)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "attempt rescored", state)
}

func (h *AdminProblemHandler) expire(c *fiber.Ctx) error {
	var payload dto.ExpirePendingRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	expired, err := h.attempts.ExpirePending(requestContext(c), time.Duration(payload.OlderThanSeconds)*time.Second)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	requestLogger(h.logger, c).Info().Int("expired", expired).Msg("pending submissions swept")
	return utils.SendSuccess(c, "pending submissions expired", dto.ExpirePendingResponse{Expired: expired})
}
