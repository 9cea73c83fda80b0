package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/peereval-go-api/internal/dto"
	"github.com/noah-isme/peereval-go-api/internal/models"
	"github.com/noah-isme/peereval-go-api/internal/observability"
	"github.com/noah-isme/peereval-go-api/internal/repository"
)

// LifecycleService drives evaluation tasks through their state machine:
// assigned -> in_progress -> submitted -> reviewed -> finalized.
// Transitions are monotonic; anything backward is rejected and the
// task is left unchanged.
type LifecycleService interface {
	Transition(ctx context.Context, taskID uint, req dto.TransitionRequest, actor Actor) (dto.EvaluationTaskResponse, error)
	Get(ctx context.Context, taskID uint, actor Actor) (dto.EvaluationTaskResponse, error)
	ListForAssignment(ctx context.Context, assignmentID uint) ([]dto.EvaluationTaskResponse, error)
	ListForEvaluator(ctx context.Context, evaluatorID uint) ([]dto.EvaluationTaskResponse, error)
}

type lifecycleService struct {
	repo      repository.EvaluationRepository
	validator *validator.Validate
	publisher TaskEventPublisher
	audit     AuditRecorder
	sanitizer *bluemonday.Policy
	// gracePeriod extends the submission window past the due date.
	// Zero disables the grace window entirely.
	gracePeriod time.Duration
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewLifecycleService constructs the lifecycle manager.
func NewLifecycleService(repo repository.EvaluationRepository, validate *validator.Validate, publisher TaskEventPublisher, audit AuditRecorder, gracePeriod time.Duration, logger zerolog.Logger) LifecycleService {
	return &lifecycleService{
		repo:        repo,
		validator:   validate,
		publisher:   publisher,
		audit:       audit,
		sanitizer:   bluemonday.StrictPolicy(),
		gracePeriod: gracePeriod,
		logger:      logger.With().Str("component", "lifecycle_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/peereval-go-api/internal/service/lifecycle"),
		now:         time.Now,
	}
}

var transitionTargets = map[string]string{
	dto.TransitionActionStart:    models.EvaluationStatusInProgress,
	dto.TransitionActionSubmit:   models.EvaluationStatusSubmitted,
	dto.TransitionActionReview:   models.EvaluationStatusReviewed,
	dto.TransitionActionFinalize: models.EvaluationStatusFinalized,
}

func (s *lifecycleService) Transition(ctx context.Context, taskID uint, req dto.TransitionRequest, actor Actor) (dto.EvaluationTaskResponse, error) {
	ctx, span := s.tracer.Start(ctx, "evaluation.transition", trace.WithAttributes(
		attribute.Int64("task.id", int64(taskID)),
		attribute.String("task.action", req.Action),
	))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		observability.Transitions().WithLabelValues(req.Action, "invalid").Inc()
		return dto.EvaluationTaskResponse{}, &ValidationError{Field: "transition", Reason: err.Error()}
	}

	task, err := s.repo.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.EvaluationTaskResponse{}, ErrTaskNotFound
		}
		span.RecordError(err)
		return dto.EvaluationTaskResponse{}, err
	}

	target := transitionTargets[req.Action]
	currentRank := models.EvaluationStatusRank(task.Status)
	targetRank := models.EvaluationStatusRank(target)

	// Instructor review and finalization are idempotent: acting on a
	// task already in or past the target state is a no-op. The shortcut
	// only applies to callers who hold the instructor role.
	if isInstructorAction(req.Action) && actor.IsInstructor() && currentRank >= targetRank {
		observability.Transitions().WithLabelValues(req.Action, "noop").Inc()
		return s.responseFor(task, actor), nil
	}

	if err := s.checkGuards(task, req, actor, target); err != nil {
		span.SetStatus(codes.Error, "guard_rejected")
		observability.Transitions().WithLabelValues(req.Action, "rejected").Inc()
		return dto.EvaluationTaskResponse{}, err
	}

	previousStatus := task.Status
	s.applyTransition(&task, req, target)

	if err := s.repo.TransitionStatus(ctx, &task, previousStatus); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			// Lost the race: re-read and re-apply the idempotency rule
			// rather than overwriting a concurrent transition.
			current, readErr := s.repo.GetByID(ctx, taskID)
			if readErr == nil && isInstructorAction(req.Action) && actor.IsInstructor() && models.EvaluationStatusRank(current.Status) >= targetRank {
				observability.Transitions().WithLabelValues(req.Action, "noop").Inc()
				return s.responseFor(current, actor), nil
			}
			observability.Transitions().WithLabelValues(req.Action, "conflict").Inc()
			return dto.EvaluationTaskResponse{}, &InvalidTransitionError{
				TaskID: taskID,
				From:   previousStatus,
				Action: req.Action,
				Reason: "task status changed concurrently",
			}
		}
		span.RecordError(err)
		observability.Transitions().WithLabelValues(req.Action, "error").Inc()
		return dto.EvaluationTaskResponse{}, err
	}

	observability.Transitions().WithLabelValues(req.Action, "applied").Inc()
	s.logger.Info().
		Uint("task_id", task.ID).
		Str("from", previousStatus).
		Str("to", task.Status).
		Uint("actor_id", actor.ID).
		Msg("evaluation task transitioned")

	if s.publisher != nil {
		s.publisher.PublishTaskTransitioned(ctx, TaskTransitionedEvent{
			TaskID:       task.ID,
			AssignmentID: task.AssignmentID,
			EvaluatorID:  task.EvaluatorID,
			FromStatus:   previousStatus,
			ToStatus:     task.Status,
			ActorID:      actor.ID,
			OccurredAt:   s.now(),
		})
	}

	if s.audit != nil && isInstructorAction(req.Action) {
		entityID := task.ID
		_ = s.audit.Record(ctx, AuditEntry{
			Actor:      actor,
			Action:     "evaluation." + req.Action,
			EntityType: "evaluation_task",
			EntityID:   &entityID,
			Metadata: map[string]interface{}{
				"from": previousStatus,
				"to":   task.Status,
			},
		})
	}

	return s.responseFor(task, actor), nil
}

// checkGuards validates actor, source state, required fields and the
// due date policy for one transition.
func (s *lifecycleService) checkGuards(task models.EvaluationTask, req dto.TransitionRequest, actor Actor, target string) error {
	currentRank := models.EvaluationStatusRank(task.Status)
	targetRank := models.EvaluationStatusRank(target)

	if targetRank <= currentRank {
		return &InvalidTransitionError{
			TaskID: task.ID,
			From:   task.Status,
			Action: req.Action,
			Reason: "lifecycle transitions are monotonic",
		}
	}
	if targetRank != currentRank+1 {
		return &InvalidTransitionError{
			TaskID: task.ID,
			From:   task.Status,
			Action: req.Action,
			Reason: "lifecycle states cannot be skipped",
		}
	}

	switch req.Action {
	case dto.TransitionActionStart, dto.TransitionActionSubmit:
		if actor.ID != task.EvaluatorID {
			return &InvalidTransitionError{
				TaskID: task.ID,
				From:   task.Status,
				Action: req.Action,
				Reason: "only the assigned evaluator may perform this action",
			}
		}
	case dto.TransitionActionReview, dto.TransitionActionFinalize:
		if !actor.IsInstructor() {
			return &InvalidTransitionError{
				TaskID: task.ID,
				From:   task.Status,
				Action: req.Action,
				Reason: "instructor role required",
			}
		}
	}

	if req.Action != dto.TransitionActionSubmit {
		return nil
	}

	if strings.TrimSpace(s.sanitizer.Sanitize(req.OverallFeedback)) == "" {
		return &InvalidTransitionError{
			TaskID: task.ID,
			From:   task.Status,
			Action: req.Action,
			Reason: "overall feedback is required",
		}
	}
	if len(req.Scores) == 0 {
		return &InvalidTransitionError{
			TaskID: task.ID,
			From:   task.Status,
			Action: req.Action,
			Reason: "at least one criterion score is required",
		}
	}
	for _, score := range req.Scores {
		if score.Score < 0 || score.Score > score.MaxScore {
			return &InvalidTransitionError{
				TaskID: task.ID,
				From:   task.Status,
				Action: req.Action,
				Reason: "scores must be within [0, max_score]",
			}
		}
	}

	deadline := task.DueDate.Add(s.gracePeriod)
	if s.now().After(deadline) {
		return &InvalidTransitionError{
			TaskID: task.ID,
			From:   task.Status,
			Action: req.Action,
			Reason: "submission window has closed",
		}
	}

	return nil
}

func (s *lifecycleService) applyTransition(task *models.EvaluationTask, req dto.TransitionRequest, target string) {
	now := s.now()
	task.Status = target
	task.UpdatedAt = now

	switch req.Action {
	case dto.TransitionActionStart:
		task.StartedAt = &now
	case dto.TransitionActionSubmit:
		task.SubmittedAt = &now
		task.OverallFeedback = strings.TrimSpace(s.sanitizer.Sanitize(req.OverallFeedback))
		task.Grade = req.Grade
		scores := make([]models.EvaluationScore, 0, len(req.Scores))
		for _, score := range req.Scores {
			scores = append(scores, models.EvaluationScore{
				EvaluationTaskID: task.ID,
				CriterionName:    strings.TrimSpace(score.CriterionName),
				Score:            score.Score,
				MaxScore:         score.MaxScore,
				Feedback:         strings.TrimSpace(s.sanitizer.Sanitize(score.Feedback)),
			})
		}
		task.Scores = scores
	}
}

func (s *lifecycleService) responseFor(task models.EvaluationTask, actor Actor) dto.EvaluationTaskResponse {
	if actor.ID == task.EvaluatorID && !actor.IsInstructor() {
		return dto.NewEvaluationTaskResponseForEvaluator(task, s.now())
	}
	return dto.NewEvaluationTaskResponse(task, s.now())
}

func isInstructorAction(action string) bool {
	return action == dto.TransitionActionReview || action == dto.TransitionActionFinalize
}

func (s *lifecycleService) Get(ctx context.Context, taskID uint, actor Actor) (dto.EvaluationTaskResponse, error) {
	task, err := s.repo.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.EvaluationTaskResponse{}, ErrTaskNotFound
		}
		return dto.EvaluationTaskResponse{}, err
	}

	return s.responseFor(task, actor), nil
}

func (s *lifecycleService) ListForAssignment(ctx context.Context, assignmentID uint) ([]dto.EvaluationTaskResponse, error) {
	tasks, err := s.repo.ListByAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	return dto.NewEvaluationTaskResponseSlice(tasks, s.now()), nil
}

func (s *lifecycleService) ListForEvaluator(ctx context.Context, evaluatorID uint) ([]dto.EvaluationTaskResponse, error) {
	tasks, err := s.repo.ListByEvaluator(ctx, evaluatorID)
	if err != nil {
		return nil, err
	}

	responses := make([]dto.EvaluationTaskResponse, 0, len(tasks))
	for _, task := range tasks {
		responses = append(responses, dto.NewEvaluationTaskResponseForEvaluator(task, s.now()))
	}

	return responses, nil
}
