package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/peereval-go-api/internal/dto"
	"github.com/noah-isme/peereval-go-api/internal/service"
	"github.com/noah-isme/peereval-go-api/internal/utils"
)

// EvaluationHandler wires the peer evaluation engine routes.
type EvaluationHandler struct {
	runs      service.RunService
	lifecycle service.LifecycleService
	logger    zerolog.Logger
}

// NewEvaluationHandler constructs the handler.
func NewEvaluationHandler(runs service.RunService, lifecycle service.LifecycleService, logger zerolog.Logger) *EvaluationHandler {
	return &EvaluationHandler{
		runs:      runs,
		lifecycle: lifecycle,
		logger:    logger.With().Str("component", "evaluation_handler").Logger(),
	}
}

// RegisterAssignmentRoutes attaches the per-assignment endpoints.
// instructorOnly guards run and list; status stays open to every
// authenticated caller so evaluators can poll run progress.
// runLimiter, when non-nil, throttles the run endpoint only.
func (h *EvaluationHandler) RegisterAssignmentRoutes(router fiber.Router, instructorOnly fiber.Handler, runLimiter fiber.Handler) {
	if instructorOnly == nil {
		instructorOnly = func(c *fiber.Ctx) error { return c.Next() }
	}
	if runLimiter != nil {
		router.Post("/:id/evaluations/run", instructorOnly, runLimiter, h.run)
	} else {
		router.Post("/:id/evaluations/run", instructorOnly, h.run)
	}
	router.Get("/:id/evaluations", instructorOnly, h.listForAssignment)
	router.Get("/:id/evaluations/status", h.status)
}

// RegisterTaskRoutes attaches the per-task endpoints.
func (h *EvaluationHandler) RegisterTaskRoutes(router fiber.Router) {
	router.Get("/mine", h.listMine)
	router.Get("/:id", h.get)
	router.Post("/:id/transition", h.transition)
}

func (h *EvaluationHandler) run(c *fiber.Ctx) error {
	assignmentID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid assignment id")
	}

	var payload dto.RunAssignmentRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.runs.Run(c.Context(), assignmentID, payload, actorFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "evaluation tasks assigned", result)
}

func (h *EvaluationHandler) status(c *fiber.Ctx) error {
	assignmentID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid assignment id")
	}

	result, err := h.runs.Status(c.Context(), assignmentID)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "assignment evaluation status", result)
}

func (h *EvaluationHandler) listForAssignment(c *fiber.Ctx) error {
	assignmentID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid assignment id")
	}

	tasks, err := h.lifecycle.ListForAssignment(c.Context(), assignmentID)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "evaluation tasks retrieved", tasks)
}

func (h *EvaluationHandler) listMine(c *fiber.Ctx) error {
	actor := actorFromContext(c)
	if actor.ID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	tasks, err := h.lifecycle.ListForEvaluator(c.Context(), actor.ID)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "evaluation tasks retrieved", tasks)
}

func (h *EvaluationHandler) get(c *fiber.Ctx) error {
	taskID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid task id")
	}

	task, err := h.lifecycle.Get(c.Context(), taskID, actorFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "evaluation task retrieved", task)
}

func (h *EvaluationHandler) transition(c *fiber.Ctx) error {
	taskID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid task id")
	}

	var payload dto.TransitionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	task, err := h.lifecycle.Transition(c.Context(), taskID, payload, actorFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "evaluation task transitioned", task)
}

func (h *EvaluationHandler) handleError(c *fiber.Ctx, err error) error {
	var validation *service.ValidationError
	if errors.As(err, &validation) {
		return utils.SendError(c, fiber.StatusBadRequest, validation.Error())
	}

	var shortfall *service.CapacityShortfallError
	if errors.As(err, &shortfall) {
		return utils.SendError(c, fiber.StatusUnprocessableEntity, shortfall.Error())
	}

	var transition *service.InvalidTransitionError
	if errors.As(err, &transition) {
		return utils.SendError(c, fiber.StatusConflict, transition.Error())
	}

	switch {
	case errors.Is(err, service.ErrRunInProgress):
		return utils.SendError(c, fiber.StatusConflict, "an assignment run is already in progress")
	case errors.Is(err, service.ErrTaskNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "evaluation task not found")
	case errors.Is(err, service.ErrPersistFailed):
		requestLogger(h.logger, c).Error().Err(err).Msg("task persistence failed")
		return utils.SendError(c, fiber.StatusServiceUnavailable, "failed to persist evaluation tasks, retry later")
	}

	requestLogger(h.logger, c).Error().Err(err).Msg("unexpected engine error")
	return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
}
