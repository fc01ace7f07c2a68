package handler_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/service"
)

func startFiberServer(t *testing.T, app *fiber.App) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("fiber listener stopped: %v", err)
		}
		close(done)
	}()

	t.Cleanup(func() {
		_ = app.Shutdown()
		_ = listener.Close()
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
		}
	})

	return "http://" + listener.Addr().String()
}

func TestAttemptWebsocketStreamsEvents(t *testing.T) {
	events := service.NewAttemptEvents(nil, nil, "", zerolog.Nop())
	svc := &stubAttemptService{state: sampleState()}

	app := fiber.New()
	app.Use(middleware.CorrelationID())
	group := app.Group("/api/v2/problems/:id/attempt", func(c *fiber.Ctx) error {
		c.Locals("user_id", "learner-1")
		return c.Next()
	})
	handler.NewAttemptHandler(svc, events, validator.New(), zerolog.Nop()).Register(group)

	baseURL := startFiberServer(t, app)
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/v2/problems/p1/attempt/ws"

	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, http.Header{"X-Correlation-ID": {"ws-test"}})
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var initial dto.AttemptEvent
	require.NoError(t, conn.ReadJSON(&initial))
	require.Equal(t, dto.AttemptEventState, initial.Type)
	require.Equal(t, "p1", initial.State.ProblemID)

	graded := sampleState()
	graded.Score = 0.5
	// Events for another learner or problem never reach this socket.
	events.Publish(context.Background(), dto.AttemptEvent{Type: dto.AttemptEventGraded, LearnerID: "learner-2", ProblemID: "p1", State: graded})
	events.Publish(context.Background(), dto.AttemptEvent{Type: dto.AttemptEventGraded, LearnerID: "learner-1", ProblemID: "p2", State: graded})
	events.Publish(context.Background(), dto.AttemptEvent{Type: dto.AttemptEventGraded, LearnerID: "learner-1", ProblemID: "p1", State: graded})

	var update dto.AttemptEvent
	require.NoError(t, conn.ReadJSON(&update))
	require.Equal(t, dto.AttemptEventGraded, update.Type)
	require.Equal(t, "learner-1", update.LearnerID)
	require.Equal(t, "p1", update.ProblemID)
	require.Equal(t, 0.5, update.State.Score)
}

func TestAttemptWebsocketRequiresUpgrade(t *testing.T) {
	events := service.NewAttemptEvents(nil, nil, "", zerolog.Nop())
	app := fiber.New()
	group := app.Group("/api/v2/problems/:id/attempt", func(c *fiber.Ctx) error {
		c.Locals("user_id", "learner-1")
		return c.Next()
	})
	handler.NewAttemptHandler(&stubAttemptService{}, events, validator.New(), zerolog.Nop()).Register(group)

	resp, err := app.Test(jsonRequest(http.MethodGet, "/api/v2/problems/p1/attempt/ws", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
