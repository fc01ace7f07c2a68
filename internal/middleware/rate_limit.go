package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimit creates a per-user rate limiter middleware instance.
func RateLimit(identifier string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			return fmt.Sprintf("%s:%s", identifier, limiterSubject(c))
		},
	})
}

// limiterSubject keys authenticated callers by user and everyone else by IP.
func limiterSubject(c *fiber.Ctx) string {
	userID := c.Locals("user_id")
	if userID == nil {
		return c.IP()
	}
	subject := fmt.Sprintf("%v", userID)
	if subject == "" || subject == "0" {
		return c.IP()
	}
	return subject
}
