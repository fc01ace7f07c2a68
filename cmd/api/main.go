package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/capa/problem"
	"github.com/noah-isme/gema-grader/internal/capa/responses"
	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/service"
	cloud "github.com/noah-isme/gema-grader/pkg/cloudinary"
	"github.com/noah-isme/gema-grader/pkg/sandbox"
	"github.com/noah-isme/gema-grader/pkg/xqueue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "api").Logger()
	observability.RegisterMetrics()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Drain()
	}

	var box responses.Sandbox
	if cfg.SandboxEnabled() {
		executor, err := sandbox.NewDockerExecutor(sandbox.DockerConfig{
			Host:          cfg.DockerHost,
			Timeout:       cfg.ExecutionTimeout,
			MemoryLimitMB: int64(cfg.CodeRunMemoryMB),
			CPUShares:     int64(cfg.CodeRunCPUShares),
			Logger:        logger,
		})
		if err != nil {
			log.Fatalf("failed to create sandbox: %v", err)
		}
		defer executor.Close()

		box = sandbox.NewRunner(executor, sandbox.Config{
			Image:         cfg.SandboxImage,
			Timeout:       cfg.ExecutionTimeout,
			MemoryLimitMB: int64(cfg.CodeRunMemoryMB),
			CPUShares:     int64(cfg.CodeRunCPUShares),
		}, logger)
	}

	var files service.FileStore
	if cfg.CloudinaryEnabled() {
		store, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			log.Fatalf("failed to create cloudinary client: %v", err)
		}
		files = store
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	signer := xqueue.NewSigner(cfg.XQueueAccessKey, cfg.XQueueSecretKey)
	queueClient := xqueue.NewClient(cfg.XQueueURL, signer, cfg.XQueueTimeout)
	engine := problem.NewEngine(responses.DefaultRegistry(), box, cfg.XQueueQueueName, logger)

	problemRepo := repository.NewProblemRepository(db)
	attemptRepo := repository.NewAttemptRepository(db)

	locker := service.NewMemoryLocker()
	if cfg.LockBackend == config.LockBackendRedis {
		locker = service.NewRedisLocker(redisClient, cfg.EventsChannel+":lock:", cfg.LockTTL)
	}

	events := service.NewAttemptEvents(redisClient, natsConn, cfg.EventsChannel, logger)
	problemService := service.NewProblemService(problemRepo, engine, validate, logger)
	dispatcher := service.NewSubmissionDispatcher(queueClient, attemptRepo, cfg.XQueueCallbackURL, logger)
	attemptService := service.NewAttemptService(problemService, attemptRepo, engine, dispatcher, locker, events, files, service.AttemptConfig{
		QueueWait:  cfg.XQueueWaitTime,
		PendingTTL: cfg.XQueuePendingTTL,
		MaxFileMB:  cfg.MaxFileMB,
	}, logger)
	callbackService := service.NewCallbackService(signer, problemService, attemptRepo, engine, locker, events, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events.Start(ctx)
	if cfg.XQueuePendingTTL > 0 {
		go sweepPending(ctx, attemptService, cfg.XQueuePendingTTL, logger)
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    (cfg.MaxFileMB + 1) * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		AttemptHandler:  handler.NewAttemptHandler(attemptService, events, validate, logger),
		CallbackHandler: handler.NewCallbackHandler(callbackService, logger),
		AdminHandler:    handler.NewAdminProblemHandler(problemService, attemptService, validate, logger),
		HealthProbes:    healthProbes(db, redisClient, natsConn),
		JWTMiddleware:   middleware.JWTProtected(cfg.JWTSecret),
		AdminMiddleware: middleware.RequireRole("admin", "teacher"),
		SubmitLimiter:   middleware.RateLimit("submit", cfg.SubmitRateLimit, cfg.SubmitRateWindow),
	})

	logger.Info().
		Str("xqueue_url", cfg.XQueueURL).
		Str("queue", cfg.XQueueQueueName).
		Str("lock_backend", cfg.LockBackend).
		Bool("sandbox", box != nil).
		Bool("file_store", files != nil).
		Msg("grading platform configured")

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

// sweepPending expires queued inputs whose grader never answered.
func sweepPending(ctx context.Context, attempts service.AttemptService, ttl time.Duration, logger zerolog.Logger) {
	interval := ttl / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := attempts.ExpirePending(ctx, 0)
			if err != nil {
				logger.Error().Err(err).Msg("pending sweep failed")
				continue
			}
			if expired > 0 {
				logger.Warn().Int("expired", expired).Msg("expired pending submissions")
			}
		}
	}
}

func healthProbes(db *gorm.DB, redisClient *redis.Client, natsConn *nats.Conn) map[string]handler.HealthProbe {
	probes := map[string]handler.HealthProbe{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if redisClient != nil {
		probes["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	if natsConn != nil {
		probes["nats"] = func(context.Context) error {
			if !natsConn.IsConnected() {
				return nats.ErrConnectionClosed
			}
			return nil
		}
	}
	return probes
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
