package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/peereval-go-api/internal/dto"
	"github.com/noah-isme/peereval-go-api/internal/models"
	"github.com/noah-isme/peereval-go-api/internal/observability"
	"github.com/noah-isme/peereval-go-api/internal/repository"
)

// Relaxation stages applied by the retry coordinator, in strict order.
const (
	relaxationBalance      = "relax_balance"
	relaxationCrossPairs   = "allow_cross_assignment_pairs"
	relaxationReduceDemand = "reduce_demand"
)

// RunService runs the peer evaluation assignment workflow for an
// assignment and reports aggregate progress.
type RunService interface {
	Run(ctx context.Context, assignmentID uint, req dto.RunAssignmentRequest, actor Actor) (dto.RunAssignmentResponse, error)
	Status(ctx context.Context, assignmentID uint) (dto.AssignmentStatusResponse, error)
}

// RunConfig carries the engine knobs resolved from configuration.
type RunConfig struct {
	// MaxRetryRounds bounds constraint-relaxation retries after the
	// strict first attempt.
	MaxRetryRounds int
	// DefaultDeadlineDays applies when a run omits deadline_days.
	DefaultDeadlineDays int
	// StatusCacheTTL bounds staleness of the aggregate status view.
	StatusCacheTTL time.Duration
}

type runService struct {
	submissions repository.SubmissionRepository
	evaluations repository.EvaluationRepository
	exclusions  repository.PairExclusionRepository
	locker      RunLocker
	builder     *GraphBuilder
	publisher   TaskEventPublisher
	audit       AuditRecorder
	validator   *validator.Validate
	cache       *redis.Client
	cfg         RunConfig
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewRunService constructs the assignment run coordinator.
func NewRunService(
	submissions repository.SubmissionRepository,
	evaluations repository.EvaluationRepository,
	exclusions repository.PairExclusionRepository,
	locker RunLocker,
	builder *GraphBuilder,
	publisher TaskEventPublisher,
	audit AuditRecorder,
	validate *validator.Validate,
	cache *redis.Client,
	cfg RunConfig,
	logger zerolog.Logger,
) RunService {
	if cfg.MaxRetryRounds <= 0 {
		cfg.MaxRetryRounds = 3
	}
	if cfg.DefaultDeadlineDays <= 0 {
		cfg.DefaultDeadlineDays = 7
	}
	if cfg.StatusCacheTTL <= 0 {
		cfg.StatusCacheTTL = time.Minute
	}

	return &runService{
		submissions: submissions,
		evaluations: evaluations,
		exclusions:  exclusions,
		locker:      locker,
		builder:     builder,
		publisher:   publisher,
		audit:       audit,
		validator:   validate,
		cache:       cache,
		cfg:         cfg,
		logger:      logger.With().Str("component", "run_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/peereval-go-api/internal/service/run"),
		now:         time.Now,
	}
}

func (s *runService) Run(ctx context.Context, assignmentID uint, req dto.RunAssignmentRequest, actor Actor) (dto.RunAssignmentResponse, error) {
	ctx, span := s.tracer.Start(ctx, "evaluation.run", trace.WithAttributes(
		attribute.Int64("run.assignment_id", int64(assignmentID)),
		attribute.Int("run.evaluations_per_submission", req.EvaluationsPerSubmission),
		attribute.Int("run.max_evaluations_per_user", req.MaxEvaluationsPerUser),
	))
	defer span.End()

	start := s.now()

	if err := s.validateParams(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		observability.Runs().WithLabelValues("validation_error").Inc()
		return dto.RunAssignmentResponse{}, err
	}

	release, err := s.locker.Acquire(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			span.SetStatus(codes.Error, "already_in_progress")
			observability.Runs().WithLabelValues("already_in_progress").Inc()
		}
		return dto.RunAssignmentResponse{}, err
	}
	defer release(ctx)

	pool, err := s.submissions.ListEligible(ctx, assignmentID)
	if err != nil {
		span.RecordError(err)
		return dto.RunAssignmentResponse{}, err
	}
	if len(pool) < 2 {
		err := &ValidationError{Field: "submissions", Reason: fmt.Sprintf("peer evaluation requires at least 2 submissions, found %d", len(pool))}
		span.SetStatus(codes.Error, "pool_too_small")
		observability.Runs().WithLabelValues("validation_error").Inc()
		return dto.RunAssignmentResponse{}, err
	}

	reviewers := reviewerPool(pool)

	priorPairs, err := s.evaluations.ListPriorPairs(ctx, assignmentID)
	if err != nil {
		span.RecordError(err)
		return dto.RunAssignmentResponse{}, err
	}
	crossPairs, err := s.evaluations.ListCrossAssignmentPairs(ctx, assignmentID, reviewers)
	if err != nil {
		span.RecordError(err)
		return dto.RunAssignmentResponse{}, err
	}
	excluded, err := s.exclusions.ListByAssignment(ctx, assignmentID)
	if err != nil {
		span.RecordError(err)
		return dto.RunAssignmentResponse{}, err
	}

	var rng *rand.Rand
	if req.RandomizeAssignment {
		seed := start.UnixNano()
		if req.RandomSeed != nil {
			seed = *req.RandomSeed
		}
		rng = rand.New(rand.NewSource(seed))
	}

	outcome, err := s.solve(pool, reviewers, priorPairs, crossPairs, excluded, req, rng)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "infeasible")
		observability.Runs().WithLabelValues("capacity_shortfall").Inc()
		return dto.RunAssignmentResponse{}, err
	}

	runID := uuid.NewString()
	deadlineDays := req.DeadlineDays
	if deadlineDays <= 0 {
		deadlineDays = s.cfg.DefaultDeadlineDays
	}

	factory := NewTaskFactory(deadlineDays, s.now)
	tasks := factory.BuildTasks(assignmentID, outcome.edges, req.IsAnonymous)

	if err := s.evaluations.CreateBatch(ctx, tasks); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist_failed")
		observability.Runs().WithLabelValues("persistence_error").Inc()
		return dto.RunAssignmentResponse{}, fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}

	s.invalidateStatusCache(ctx, assignmentID)
	s.recordRunAudit(ctx, assignmentID, runID, actor, outcome, len(tasks))
	s.publishAssigned(ctx, assignmentID, runID, tasks)

	observability.Runs().WithLabelValues("success").Inc()
	observability.RunDuration().Observe(s.now().Sub(start).Seconds())
	for _, stage := range outcome.relaxations {
		observability.Relaxations().WithLabelValues(stage).Inc()
	}

	s.logger.Info().
		Uint("assignment_id", assignmentID).
		Str("run_id", runID).
		Int("created", len(tasks)).
		Int("rounds_used", outcome.roundsUsed).
		Strs("relaxations", outcome.relaxations).
		Msg("assignment run completed")

	span.SetAttributes(
		attribute.Int("run.created_count", len(tasks)),
		attribute.Int("run.rounds_used", outcome.roundsUsed),
	)

	return dto.RunAssignmentResponse{
		AssignmentID:       assignmentID,
		RunID:              runID,
		CreatedCount:       len(tasks),
		RoundsUsed:         outcome.roundsUsed,
		RelaxationsApplied: outcome.relaxations,
		Unsatisfied:        outcome.reduced,
	}, nil
}

func (s *runService) validateParams(req dto.RunAssignmentRequest) error {
	if req.EvaluationsPerSubmission < 1 {
		return &ValidationError{Field: "evaluations_per_submission", Reason: "must be at least 1"}
	}
	if req.MaxEvaluationsPerUser < 1 {
		return &ValidationError{Field: "max_evaluations_per_user", Reason: "must be at least 1"}
	}
	if req.AllowSelfEvaluation {
		return &ValidationError{Field: "allow_self_evaluation", Reason: "self evaluation is not supported"}
	}
	if err := s.validator.Struct(req); err != nil {
		return &ValidationError{Field: "params", Reason: err.Error()}
	}
	return nil
}

// solveOutcome is the accepted edge set plus how it was reached.
type solveOutcome struct {
	edges       []Edge
	roundsUsed  int
	relaxations []string
	// reduced lists submissions whose demand was lowered by the final
	// relaxation; they end the run explicitly under-assigned.
	reduced []uint
}

// solve wraps the graph builder with the bounded relaxation retries:
// (a) drop the workload-balance bound, (b) allow pairings repeated
// from unrelated assignments, (c) lower demand on the least
// constrained submissions. The strict attempt counts as round one.
func (s *runService) solve(pool []models.Submission, reviewers []uint, priorPairs, crossPairs []repository.EvaluationPair, excluded []models.PairExclusion, req dto.RunAssignmentRequest, rng *rand.Rand) (solveOutcome, error) {
	stages := make([]string, 0, 3)
	if req.BalanceWorkload {
		stages = append(stages, relaxationBalance)
	}
	stages = append(stages, relaxationCrossPairs, relaxationReduceDemand)
	if len(stages) > s.cfg.MaxRetryRounds {
		stages = stages[:s.cfg.MaxRetryRounds]
	}

	balance := req.BalanceWorkload
	allowCross := false
	demandOverrides := map[uint]int{}
	applied := make([]string, 0, len(stages))

	var lastUnsatisfied []uint
	stageIndex := 0

	for attempt := 0; ; attempt++ {
		conflicts := NewConflictModel(priorPairs, crossPairs, excluded, req.AllowRepeatPairing)
		if allowCross {
			conflicts.AllowCrossAssignmentPairs()
		}

		params := GraphBuildParams{
			DefaultDemand:         req.EvaluationsPerSubmission,
			DemandOverrides:       demandOverrides,
			MaxEvaluationsPerUser: req.MaxEvaluationsPerUser,
			BalanceWorkload:       balance,
			Randomize:             req.RandomizeAssignment,
			Rand:                  rng,
			Round:                 attempt,
		}

		edges, unsatisfied, err := s.builder.Build(pool, reviewers, conflicts, params)

		if err == nil && len(unsatisfied) == 0 {
			return solveOutcome{
				edges:       edges,
				roundsUsed:  attempt + 1,
				relaxations: applied,
				reduced:     sortedKeys(demandOverrides),
			}, nil
		}

		var shortfall *CapacityShortfallError
		if errors.As(err, &shortfall) && len(shortfall.Unsatisfied) > 0 {
			// Hard conflicts leave these submissions short of reviewers
			// under every relaxation.
			return solveOutcome{}, shortfall
		}

		if len(unsatisfied) > 0 {
			lastUnsatisfied = unsatisfied
		}

		if stageIndex >= len(stages) {
			if len(lastUnsatisfied) == 0 && shortfall != nil {
				return solveOutcome{}, shortfall
			}
			return solveOutcome{}, &CapacityShortfallError{Unsatisfied: lastUnsatisfied}
		}

		// An aggregate capacity shortfall is only ever repaired by
		// lowering demand; skip ahead to the final stage.
		if shortfall != nil {
			for stageIndex < len(stages) && stages[stageIndex] != relaxationReduceDemand {
				stageIndex++
			}
			if stageIndex >= len(stages) {
				return solveOutcome{}, shortfall
			}
		}

		stage := stages[stageIndex]
		stageIndex++
		applied = append(applied, stage)

		switch stage {
		case relaxationBalance:
			balance = false
		case relaxationCrossPairs:
			allowCross = true
		case relaxationReduceDemand:
			conflicts := NewConflictModel(priorPairs, crossPairs, excluded, req.AllowRepeatPairing)
			if allowCross {
				conflicts.AllowCrossAssignmentPairs()
			}
			demandOverrides = s.reduceDemand(pool, reviewers, conflicts, req, shortfall, lastUnsatisfied)
			if len(demandOverrides) == 0 {
				if shortfall != nil {
					return solveOutcome{}, shortfall
				}
				return solveOutcome{}, &CapacityShortfallError{Unsatisfied: lastUnsatisfied}
			}
		}

		s.logger.Warn().
			Str("relaxation", stage).
			Int("attempt", attempt+1).
			Msg("assignment constraints relaxed for retry")
	}
}

// reduceDemand lowers the review demand of the least constrained
// submissions (most eligible reviewers) until the estimated capacity
// gap is covered. Every reduction is logged; reduced submissions are
// reported to the caller, never silently under-assigned.
func (s *runService) reduceDemand(pool []models.Submission, reviewers []uint, conflicts *ConflictModel, req dto.RunAssignmentRequest, shortfall *CapacityShortfallError, unsatisfied []uint) map[uint]int {
	gap := 0
	if shortfall != nil {
		gap = shortfall.RequiredSlots - shortfall.AvailableSlots
	}
	if gap <= 0 {
		gap = len(unsatisfied)
	}
	if gap <= 0 {
		return nil
	}

	short := make(map[uint]struct{}, len(unsatisfied))
	for _, id := range unsatisfied {
		short[id] = struct{}{}
	}

	type candidate struct {
		submissionID uint
		eligible     int
	}
	candidates := make([]candidate, 0, len(pool))
	for _, submission := range pool {
		if _, isShort := short[submission.ID]; isShort {
			continue
		}
		eligible := 0
		for _, reviewerID := range reviewers {
			if !conflicts.IsConflicting(reviewerID, submission) {
				eligible++
			}
		}
		candidates = append(candidates, candidate{submissionID: submission.ID, eligible: eligible})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].eligible != candidates[j].eligible {
			return candidates[i].eligible > candidates[j].eligible
		}
		return candidates[i].submissionID < candidates[j].submissionID
	})

	overrides := make(map[uint]int)
	freed := 0
	for _, cand := range candidates {
		if freed >= gap {
			break
		}
		if req.EvaluationsPerSubmission <= 1 {
			break
		}
		overrides[cand.submissionID] = req.EvaluationsPerSubmission - 1
		freed++
		s.logger.Warn().
			Uint("submission_id", cand.submissionID).
			Int("reduced_demand", req.EvaluationsPerSubmission-1).
			Msg("review demand reduced for least constrained submission")
	}

	if freed < gap {
		return nil
	}

	return overrides
}

func (s *runService) recordRunAudit(ctx context.Context, assignmentID uint, runID string, actor Actor, outcome solveOutcome, created int) {
	if s.audit == nil {
		return
	}
	entityID := assignmentID
	_ = s.audit.Record(ctx, AuditEntry{
		Actor:      actor,
		Action:     "evaluation.run_completed",
		EntityType: "assignment",
		EntityID:   &entityID,
		RunID:      runID,
		Metadata: map[string]interface{}{
			"created_count": created,
			"rounds_used":   outcome.roundsUsed,
			"relaxations":   outcome.relaxations,
			"reduced":       outcome.reduced,
		},
	})
}

func (s *runService) publishAssigned(ctx context.Context, assignmentID uint, runID string, tasks []*models.EvaluationTask) {
	if s.publisher == nil || len(tasks) == 0 {
		return
	}

	taskIDs := make([]uint, 0, len(tasks))
	evaluatorIDs := make([]uint, 0, len(tasks))
	for _, task := range tasks {
		taskIDs = append(taskIDs, task.ID)
		evaluatorIDs = append(evaluatorIDs, task.EvaluatorID)
	}

	s.publisher.PublishTasksAssigned(ctx, TasksAssignedEvent{
		AssignmentID: assignmentID,
		RunID:        runID,
		TaskIDs:      taskIDs,
		EvaluatorIDs: evaluatorIDs,
		DueDate:      tasks[0].DueDate,
		AssignedAt:   tasks[0].AssignedAt,
	})
}

func statusCacheKey(assignmentID uint) string {
	return fmt.Sprintf("peereval:status:%d", assignmentID)
}

func (s *runService) invalidateStatusCache(ctx context.Context, assignmentID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, statusCacheKey(assignmentID)).Err(); err != nil {
		s.logger.Warn().Err(err).Uint("assignment_id", assignmentID).Msg("failed to invalidate status cache")
	}
}

func (s *runService) Status(ctx context.Context, assignmentID uint) (dto.AssignmentStatusResponse, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, statusCacheKey(assignmentID)).Result()
		if err == nil {
			var response dto.AssignmentStatusResponse
			if unmarshalErr := json.Unmarshal([]byte(cached), &response); unmarshalErr == nil {
				return response, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Msg("status cache read failed")
		}
	}

	counts, err := s.evaluations.StatusCounts(ctx, assignmentID)
	if err != nil {
		return dto.AssignmentStatusResponse{}, err
	}

	var total, completed int64
	for status, count := range counts {
		total += count
		if models.EvaluationStatusRank(status) >= models.EvaluationStatusRank(models.EvaluationStatusSubmitted) {
			completed += count
		}
	}

	average, err := s.evaluations.AverageGrade(ctx, assignmentID)
	if err != nil {
		return dto.AssignmentStatusResponse{}, err
	}

	response := dto.AssignmentStatusResponse{
		AssignmentID:    assignmentID,
		ToEvaluateCount: total,
		CompletedCount:  completed,
		PendingCount:    total - completed,
		AverageScore:    average,
	}

	if s.cache != nil {
		if payload, marshalErr := json.Marshal(response); marshalErr == nil {
			if err := s.cache.Set(ctx, statusCacheKey(assignmentID), payload, s.cfg.StatusCacheTTL).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("status cache write failed")
			}
		}
	}

	return response, nil
}

func reviewerPool(pool []models.Submission) []uint {
	seen := make(map[uint]struct{}, len(pool))
	reviewers := make([]uint, 0, len(pool))
	for _, submission := range pool {
		if _, ok := seen[submission.StudentID]; ok {
			continue
		}
		seen[submission.StudentID] = struct{}{}
		reviewers = append(reviewers, submission.StudentID)
	}
	sort.Slice(reviewers, func(i, j int) bool { return reviewers[i] < reviewers[j] })
	return reviewers
}

func sortedKeys(values map[uint]int) []uint {
	if len(values) == 0 {
		return nil
	}
	keys := make([]uint, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
