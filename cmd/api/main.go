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
	"github.com/rs/zerolog"

	"github.com/noah-isme/peereval-go-api/internal/config"
	"github.com/noah-isme/peereval-go-api/internal/database"
	"github.com/noah-isme/peereval-go-api/internal/handler"
	"github.com/noah-isme/peereval-go-api/internal/middleware"
	"github.com/noah-isme/peereval-go-api/internal/models"
	"github.com/noah-isme/peereval-go-api/internal/repository"
	"github.com/noah-isme/peereval-go-api/internal/router"
	"github.com/noah-isme/peereval-go-api/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(
		&models.Submission{},
		&models.EvaluationTask{},
		&models.EvaluationScore{},
		&models.PairExclusion{},
		&models.AuditLog{},
	); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	natsConn, err := database.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	if natsConn != nil {
		defer natsConn.Close()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	submissionRepo := repository.NewSubmissionRepository(db)
	evaluationRepo := repository.NewEvaluationRepository(db)
	exclusionRepo := repository.NewPairExclusionRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)

	publisher := service.NewNATSEventPublisher(natsConn, logger)
	audit := service.NewAuditService(auditRepo, logger)
	locker := service.NewRedisRunLock(redisClient, cfg.RunLockTTL, logger)
	builder := service.NewGraphBuilder(logger)

	runService := service.NewRunService(
		submissionRepo,
		evaluationRepo,
		exclusionRepo,
		locker,
		builder,
		publisher,
		audit,
		validate,
		redisClient,
		service.RunConfig{
			MaxRetryRounds:      cfg.MaxRetryRounds,
			DefaultDeadlineDays: cfg.DefaultDeadlineDays,
			StatusCacheTTL:      cfg.StatusCacheTTL,
		},
		logger,
	)
	lifecycleService := service.NewLifecycleService(evaluationRepo, validate, publisher, audit, cfg.SubmissionGrace, logger)

	evaluationHandler := handler.NewEvaluationHandler(runService, lifecycleService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		EvaluationHandler: evaluationHandler,
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
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
