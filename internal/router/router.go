package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	AttemptHandler  *handler.AttemptHandler
	CallbackHandler *handler.CallbackHandler
	AdminHandler    *handler.AdminProblemHandler
	HealthProbes    map[string]handler.HealthProbe
	JWTMiddleware   fiber.Handler
	AdminMiddleware fiber.Handler
	SubmitLimiter   fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes))
	app.Get("/metrics", observability.MetricsHandler())

	// Graders authenticate with the XQueue signature, not a JWT.
	if deps.CallbackHandler != nil {
		deps.CallbackHandler.Register(app)
	}

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.AttemptHandler != nil {
		attempt := app.Group("/api/v2/problems/:id/attempt", jwtMiddleware, middleware.RequireAuth(middleware.AuthOptions{Role: middleware.AuthRoleAny}))
		var guards []fiber.Handler
		if deps.SubmitLimiter != nil {
			guards = append(guards, deps.SubmitLimiter)
		}
		deps.AttemptHandler.Register(attempt, guards...)
	}

	if deps.AdminHandler != nil {
		handlers := []fiber.Handler{jwtMiddleware}
		if deps.AdminMiddleware != nil {
			handlers = append(handlers, deps.AdminMiddleware)
		}
		admin := app.Group("/api/v2/admin", handlers...)
		deps.AdminHandler.Register(admin)
	}
}
