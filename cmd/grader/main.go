package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/graderpool"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/sandbox"
	"github.com/noah-isme/gema-grader/pkg/xqueue"
)

func main() {
	cfg, err := config.LoadGrader()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "grader").Logger()
	observability.RegisterMetrics()

	grader, closeGrader, err := buildGrader(cfg, logger)
	if err != nil {
		log.Fatalf("failed to build %s grader: %v", cfg.GraderMode, err)
	}
	defer closeGrader()

	signer := xqueue.NewSigner(cfg.XQueueAccessKey, cfg.XQueueSecretKey)
	poster := xqueue.NewClient("", signer, cfg.XQueueTimeout)

	pool := graderpool.New(graderpool.Config{
		Workers:      cfg.GraderWorkers,
		QueueSize:    cfg.GraderQueueSize,
		GradeTimeout: cfg.GraderGradeTimeout,
	}, grader, poster, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName + " grader",
		ServerHeader: cfg.AppName,
	})
	middleware.Register(app, middleware.Config{Logger: &logger})
	graderpool.NewServer(pool, signer, logger).Register(app)

	logger.Info().
		Str("mode", cfg.GraderMode).
		Int("workers", cfg.GraderWorkers).
		Str("address", cfg.GraderAddress()).
		Msg("grader pool configured")

	go func() {
		if err := app.Listen(cfg.GraderAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

func buildGrader(cfg config.Config, logger zerolog.Logger) (graderpool.Grader, func(), error) {
	switch cfg.GraderMode {
	case config.GraderModeSandbox:
		scripts, err := graderpool.LoadScripts(cfg.GraderScriptsDir)
		if err != nil {
			return nil, nil, err
		}
		executor, err := sandbox.NewDockerExecutor(sandbox.DockerConfig{
			Host:          cfg.DockerHost,
			Timeout:       cfg.ExecutionTimeout,
			MemoryLimitMB: int64(cfg.CodeRunMemoryMB),
			CPUShares:     int64(cfg.CodeRunCPUShares),
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, err
		}
		runner := sandbox.NewRunner(executor, sandbox.Config{
			Image:         cfg.SandboxImage,
			Timeout:       cfg.ExecutionTimeout,
			MemoryLimitMB: int64(cfg.CodeRunMemoryMB),
			CPUShares:     int64(cfg.CodeRunCPUShares),
		}, logger)
		logger.Info().Int("scripts", len(scripts)).Msg("sandbox grader scripts loaded")
		return graderpool.NewSandboxGrader(runner, scripts), func() { _ = executor.Close() }, nil

	case config.GraderModeAI:
		model, err := ai.NewOpenAIGrader(ai.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return graderpool.NewAIGrader(model), func() {}, nil

	default:
		return graderpool.AnswerKeyGrader{}, func() {}, nil
	}
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
