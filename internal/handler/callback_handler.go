package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/pkg/xqueue"
)

// CallbackPath is where graders post verdicts.
const CallbackPath = "/xqueue/callback"

// CallbackHandler receives grader verdicts. It answers only 200, 400 or
// 403 so graders can tell a retryable refusal from an accepted verdict.
type CallbackHandler struct {
	service service.CallbackService
	logger  zerolog.Logger
}

// NewCallbackHandler builds a callback handler.
func NewCallbackHandler(service service.CallbackService, logger zerolog.Logger) *CallbackHandler {
	return &CallbackHandler{
		service: service,
		logger:  logger.With().Str("component", "callback_handler").Logger(),
	}
}

// Register binds the callback route.
func (h *CallbackHandler) Register(router fiber.Router) {
	router.Post(CallbackPath, h.receive)
}

func (h *CallbackHandler) receive(c *fiber.Ctx) error {
	result, err := h.service.Handle(requestContext(c), service.CallbackRequest{
		Method:        c.Method(),
		Authorization: c.Get(fiber.HeaderAuthorization),
		Headers:       xqueue.RequestHeaders(func(key string) string { return c.Get(key) }),
		Fields:        formFields(c),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrCallbackForbidden):
			return c.Status(fiber.StatusForbidden).JSON(xqueue.Reply{ReturnCode: 1, Content: "invalid signature"})
		case errors.Is(err, service.ErrCallbackMalformed):
			return c.Status(fiber.StatusBadRequest).JSON(xqueue.Reply{ReturnCode: 1, Content: err.Error()})
		default:
			// Storage trouble: refuse so the grader delivers again.
			requestLogger(h.logger, c).Error().Err(err).Msg("callback could not be applied")
			return c.Status(fiber.StatusBadRequest).JSON(xqueue.Reply{ReturnCode: 1, Content: "callback not applied"})
		}
	}

	return c.JSON(xqueue.Reply{ReturnCode: 0, Content: result.Outcome})
}
