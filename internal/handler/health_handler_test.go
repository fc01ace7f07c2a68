package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/handler"
)

func TestHealthCheck(t *testing.T) {
	cfg := config.Config{AppName: "GEMA Grader", AppEnv: "test"}
	healthy := func(context.Context) error { return nil }

	app := fiber.New()
	app.Get("/health", handler.HealthCheck(cfg, map[string]handler.HealthProbe{"database": healthy}))

	resp, err := app.Test(jsonRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body handler.HealthResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, resp).Data, &body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, "GEMA Grader", body.Service)
	require.Equal(t, map[string]string{"database": "ok"}, body.Checks)
}

func TestHealthCheckDegraded(t *testing.T) {
	app := fiber.New()
	app.Get("/health", handler.HealthCheck(config.Config{}, map[string]handler.HealthProbe{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}))

	resp, err := app.Test(jsonRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	env := decodeEnvelope(t, resp)
	require.False(t, env.Success)
	var body handler.HealthResponse
	require.NoError(t, json.Unmarshal(env.Data, &body))
	require.Equal(t, "degraded", body.Status)
	require.Equal(t, "connection refused", body.Checks["redis"])
}
