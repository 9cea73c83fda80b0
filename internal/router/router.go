package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/peereval-go-api/internal/config"
	"github.com/noah-isme/peereval-go-api/internal/handler"
	"github.com/noah-isme/peereval-go-api/internal/middleware"
	"github.com/noah-isme/peereval-go-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	EvaluationHandler *handler.EvaluationHandler
	JWTMiddleware     fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))
	api.Get("/metrics", observability.MetricsHandler())

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.EvaluationHandler != nil {
		instructorOnly := middleware.RequireRole("teacher", "admin")

		assignments := api.Group("/assignments", jwtMiddleware)
		runLimiter := middleware.RateLimit("evaluation_run", 5, time.Minute)
		deps.EvaluationHandler.RegisterAssignmentRoutes(assignments, instructorOnly, runLimiter)

		evaluations := api.Group("/evaluations", jwtMiddleware)
		deps.EvaluationHandler.RegisterTaskRoutes(evaluations)
	}
}
