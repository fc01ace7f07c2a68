package graderpool

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/pkg/xqueue"
)

// Server exposes the pool over the XQueue submit protocol.
type Server struct {
	pool   *Pool
	signer xqueue.Signer
	logger zerolog.Logger
}

// NewServer creates the HTTP front of pool.
func NewServer(pool *Pool, signer xqueue.Signer, logger zerolog.Logger) *Server {
	return &Server{
		pool:   pool,
		signer: signer,
		logger: logger.With().Str("component", "grader_pool_http").Logger(),
	}
}

// Register wires the pool routes.
func (s *Server) Register(app fiber.Router) {
	app.Post(xqueue.SubmitPath, s.Submit)
	app.Get("/healthz", s.Health)
	app.Get("/metrics", observability.MetricsHandler())
}

// Submit verifies and accepts one submission. Refusals that the sender
// may retry are acknowledged with a non-zero return_code.
func (s *Server) Submit(c *fiber.Ctx) error {
	fields := FormFields(c)

	headers := xqueue.RequestHeaders(func(key string) string { return c.Get(key) })
	if err := s.signer.Verify(c.Get(fiber.HeaderAuthorization), c.Method(), headers, fields); err != nil {
		s.logger.Warn().Err(err).Msg("submission signature rejected")
		return c.Status(fiber.StatusForbidden).JSON(xqueue.Reply{ReturnCode: 1, Content: "invalid signature"})
	}

	submission, err := xqueue.ParseSubmission(fields)
	if err != nil {
		s.logger.Warn().Err(err).Msg("malformed submission")
		return c.Status(fiber.StatusBadRequest).JSON(xqueue.Reply{ReturnCode: 1, Content: err.Error()})
	}

	if err := s.pool.Enqueue(submission); err != nil {
		level := s.logger.Warn()
		if !errors.Is(err, ErrQueueFull) && !errors.Is(err, ErrStopped) {
			level = s.logger.Error()
		}
		level.Err(err).Str("lms_key", submission.Header.LMSKey).Msg("submission not accepted")
		return c.JSON(xqueue.Reply{ReturnCode: 1, Content: err.Error()})
	}

	s.logger.Info().
		Str("lms_key", submission.Header.LMSKey).
		Str("queue", submission.Header.QueueName).
		Msg("submission accepted")
	return c.JSON(xqueue.Reply{ReturnCode: 0, Content: ""})
}

// Health reports liveness.
func (s *Server) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "held": len(s.pool.Held())})
}

// FormFields copies the urlencoded body of c into a map.
func FormFields(c *fiber.Ctx) map[string]string {
	fields := make(map[string]string)
	c.Request().PostArgs().VisitAll(func(key, value []byte) {
		fields[string(key)] = string(value)
	})
	return fields
}
