package handler

import (
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

// AttemptHandler serves the learner side of a problem.
type AttemptHandler struct {
	service   service.AttemptService
	events    service.AttemptEvents
	validator *validator.Validate
	logger    zerolog.Logger
	keepAlive time.Duration
}

// NewAttemptHandler builds an attempt handler. events may be nil, which
// disables the websocket route.
func NewAttemptHandler(service service.AttemptService, events service.AttemptEvents, validator *validator.Validate, logger zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		service:   service,
		events:    events,
		validator: validator,
		logger:    logger.With().Str("component", "attempt_handler").Logger(),
		keepAlive: 30 * time.Second,
	}
}

// Register binds the routes under /problems/:id/attempt. submitGuards run
// before submissions only.
func (h *AttemptHandler) Register(router fiber.Router, submitGuards ...fiber.Handler) {
	router.Get("", h.state)
	router.Post("/submit", append(submitGuards, h.submit)...)
	router.Post("/hint", h.hint)
	router.Post("/demand-hint", h.demandHint)
	router.Post("/reset", h.reset)

	if h.events != nil {
		router.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				c.Locals("learner_id", learnerIDFromContext(c))
				c.Locals("request_ctx", middleware.ContextWithCorrelation(context.Background(), middleware.GetCorrelationID(c)))
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		router.Get("/ws", websocket.New(h.stream))
	}
}

func (h *AttemptHandler) state(c *fiber.Ctx) error {
	learnerID := learnerIDFromContext(c)
	if learnerID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	state, err := h.service.GetState(requestContext(c), learnerID, c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "attempt retrieved", state)
}

func (h *AttemptHandler) submit(c *fiber.Ctx) error {
	learnerID := learnerIDFromContext(c)
	if learnerID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var (
		answers map[string]string
		files   []service.SubmittedFile
	)
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		form, err := c.MultipartForm()
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid multipart form")
		}
		answers = make(map[string]string, len(form.Value))
		for inputID, values := range form.Value {
			if len(values) > 0 {
				answers[inputID] = values[0]
			}
		}
		inputIDs := make([]string, 0, len(form.File))
		for inputID := range form.File {
			inputIDs = append(inputIDs, inputID)
		}
		sort.Strings(inputIDs)
		for _, inputID := range inputIDs {
			for _, header := range form.File[inputID] {
				file, err := header.Open()
				if err != nil {
					return utils.SendError(c, fiber.StatusBadRequest, "unable to read file")
				}
				content, err := io.ReadAll(file)
				_ = file.Close()
				if err != nil {
					return utils.SendError(c, fiber.StatusBadRequest, "unable to read file")
				}
				files = append(files, service.SubmittedFile{InputID: inputID, Name: header.Filename, Content: content})
			}
		}
	} else {
		var payload dto.SubmitRequest
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
		}
		if err := h.validator.Struct(payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		answers = payload.Answers
	}

	state, err := h.service.Submit(requestContext(c), learnerID, c.Params("id"), answers, files)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	message := "attempt graded"
	if state.AnyQueued {
		message = "submission queued for grading"
	}
	return utils.SendSuccess(c, message, state)
}

func (h *AttemptHandler) hint(c *fiber.Ctx) error {
	learnerID := learnerIDFromContext(c)
	if learnerID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.HintRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	hint, err := h.service.Hint(requestContext(c), learnerID, c.Params("id"), payload.InputID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "hint retrieved", hint)
}

func (h *AttemptHandler) demandHint(c *fiber.Ctx) error {
	learnerID := learnerIDFromContext(c)
	if learnerID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.DemandHintRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	hint, err := h.service.DemandHint(requestContext(c), learnerID, c.Params("id"), payload.Index)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "hint retrieved", hint)
}

func (h *AttemptHandler) reset(c *fiber.Ctx) error {
	learnerID := learnerIDFromContext(c)
	if learnerID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	state, err := h.service.Reset(requestContext(c), learnerID, c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "attempt reset", state)
}

// stream pushes every change of the learner's attempt as a JSON text frame
// until the client goes away.
func (h *AttemptHandler) stream(conn *websocket.Conn) {
	learnerID, _ := conn.Locals("learner_id").(string)
	problemID := conn.Params("id")
	if learnerID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user id missing"))
		_ = conn.Close()
		return
	}

	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	updates, unsubscribe := h.events.Subscribe(learnerID, problemID)
	defer unsubscribe()

	logger := h.logger.With().
		Str("learner_id", learnerID).
		Str("problem_id", problemID).
		Str("correlation_id", middleware.CorrelationIDFromContext(baseCtx)).
		Logger()
	logger.Info().Msg("attempt websocket connected")
	defer logger.Info().Msg("attempt websocket disconnected")

	// The reader only notices the close frame; learners never send data.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if state, err := h.service.GetState(ctx, learnerID, problemID); err == nil {
		if err := conn.WriteJSON(dto.AttemptEvent{Type: dto.AttemptEventState, LearnerID: learnerID, ProblemID: problemID, State: state, SentAt: time.Now().UTC()}); err != nil {
			return
		}
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug().Err(err).Msg("failed to write attempt event")
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
