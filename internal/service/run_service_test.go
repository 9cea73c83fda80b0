package service

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/peereval-go-api/internal/dto"
	"github.com/noah-isme/peereval-go-api/internal/models"
	"github.com/noah-isme/peereval-go-api/internal/repository"
)

type runSubmissionRepoStub struct {
	items []models.Submission
}

func (s *runSubmissionRepoStub) ListEligible(_ context.Context, _ uint) ([]models.Submission, error) {
	return s.items, nil
}

func (s *runSubmissionRepoStub) CountEligible(_ context.Context, _ uint) (int64, error) {
	return int64(len(s.items)), nil
}

type runEvalRepoStub struct {
	created    []*models.EvaluationTask
	failCreate bool
	priorPairs []repository.EvaluationPair
	crossPairs []repository.EvaluationPair
	counts     map[string]int64
	average    *float64
}

func (s *runEvalRepoStub) CreateBatch(_ context.Context, tasks []*models.EvaluationTask) error {
	if s.failCreate {
		return errors.New("disk full")
	}
	for i, task := range tasks {
		task.ID = uint(len(s.created) + i + 1)
	}
	s.created = append(s.created, tasks...)
	return nil
}

func (s *runEvalRepoStub) GetByID(_ context.Context, _ uint) (models.EvaluationTask, error) {
	return models.EvaluationTask{}, nil
}

func (s *runEvalRepoStub) ListByAssignment(_ context.Context, _ uint) ([]models.EvaluationTask, error) {
	return nil, nil
}

func (s *runEvalRepoStub) ListByEvaluator(_ context.Context, _ uint) ([]models.EvaluationTask, error) {
	return nil, nil
}

func (s *runEvalRepoStub) ListPriorPairs(_ context.Context, _ uint) ([]repository.EvaluationPair, error) {
	return s.priorPairs, nil
}

func (s *runEvalRepoStub) ListCrossAssignmentPairs(_ context.Context, _ uint, _ []uint) ([]repository.EvaluationPair, error) {
	return s.crossPairs, nil
}

func (s *runEvalRepoStub) TransitionStatus(_ context.Context, _ *models.EvaluationTask, _ string) error {
	return nil
}

func (s *runEvalRepoStub) StatusCounts(_ context.Context, _ uint) (map[string]int64, error) {
	return s.counts, nil
}

func (s *runEvalRepoStub) AverageGrade(_ context.Context, _ uint) (*float64, error) {
	return s.average, nil
}

type runExclusionRepoStub struct {
	items []models.PairExclusion
}

func (s *runExclusionRepoStub) ListByAssignment(_ context.Context, _ uint) ([]models.PairExclusion, error) {
	return s.items, nil
}

type runFixture struct {
	svc         RunService
	submissions *runSubmissionRepoStub
	evaluations *runEvalRepoStub
	exclusions  *runExclusionRepoStub
	redis       *redis.Client
	mini        *miniredis.Miniredis
}

func newRunFixture(t *testing.T, submissionCount int) *runFixture {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	submissions := &runSubmissionRepoStub{}
	for i := 1; i <= submissionCount; i++ {
		submissions.items = append(submissions.items, models.Submission{
			ID:           uint(i),
			AssignmentID: 1,
			StudentID:    uint(i),
			Status:       models.SubmissionStatusSubmitted,
		})
	}

	evaluations := &runEvalRepoStub{}
	exclusions := &runExclusionRepoStub{}
	locker := NewRedisRunLock(client, time.Minute, zerolog.Nop())

	svc := NewRunService(
		submissions,
		evaluations,
		exclusions,
		locker,
		NewGraphBuilder(zerolog.Nop()),
		nil,
		nil,
		validator.New(validator.WithRequiredStructEnabled()),
		client,
		RunConfig{},
		zerolog.Nop(),
	)

	return &runFixture{
		svc:         svc,
		submissions: submissions,
		evaluations: evaluations,
		exclusions:  exclusions,
		redis:       client,
		mini:        server,
	}
}

func instructor() Actor {
	return Actor{ID: 50, Role: RoleTeacher}
}

func TestRunServiceAssignsTasks(t *testing.T) {
	fixture := newRunFixture(t, 10)

	resp, err := fixture.svc.Run(context.Background(), 1, dto.RunAssignmentRequest{
		EvaluationsPerSubmission: 2,
		MaxEvaluationsPerUser:    3,
	}, instructor())
	require.NoError(t, err)
	require.Equal(t, 20, resp.CreatedCount)
	require.Equal(t, 1, resp.RoundsUsed)
	require.Empty(t, resp.RelaxationsApplied)
	require.Empty(t, resp.Unsatisfied)
	require.NotEmpty(t, resp.RunID)
	require.Len(t, fixture.evaluations.created, 20)

	perEvaluator := make(map[uint]int)
	for _, task := range fixture.evaluations.created {
		require.Equal(t, models.EvaluationStatusAssigned, task.Status)
		require.NotEqual(t, task.SubmitterID, task.EvaluatorID)
		require.True(t, task.DueDate.After(task.AssignedAt))
		perEvaluator[task.EvaluatorID]++
		require.LessOrEqual(t, perEvaluator[task.EvaluatorID], 3)
	}
}

func TestRunServiceRequiresTwoSubmissions(t *testing.T) {
	fixture := newRunFixture(t, 1)

	_, err := fixture.svc.Run(context.Background(), 1, dto.RunAssignmentRequest{
		EvaluationsPerSubmission: 1,
		MaxEvaluationsPerUser:    1,
	}, instructor())

	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	require.Equal(t, "submissions", validation.Field)
	require.Empty(t, fixture.evaluations.created)
}

func TestRunServiceRejectsInvalidParams(t *testing.T) {
	fixture := newRunFixture(t, 3)

	_, err := fixture.svc.Run(context.Background(), 1, dto.RunAssignmentRequest{
		EvaluationsPerSubmission: 0,
		MaxEvaluationsPerUser:    2,
	}, instructor())
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	require.Equal(t, "evaluations_per_submission", validation.Field)

	_, err = fixture.svc.Run(context.Background(), 1, dto.RunAssignmentRequest{
		EvaluationsPerSubmission: 1,
		MaxEvaluationsPerUser:    1,
		AllowSelfEvaluation:      true,
	}, instructor())
	require.ErrorAs(t, err, &validation)
	require.Equal(t, "allow_self_evaluation", validation.Field)
}

func TestRunServiceCapacityShortfallPersistsNothing(t *testing.T) {
	fixture := newRunFixture(t, 2)

	_, err := fixture.svc.Run(context.Background(), 1, dto.RunAssignmentRequest{
		EvaluationsPerSubmission: 2,
		MaxEvaluationsPerUser:    3,
	}, instructor())

	var shortfall *CapacityShortfallError
	require.ErrorAs(t, err, &shortfall)
	require.Equal(t, []uint{1, 2}, shortfall.Unsatisfied)
	require.Empty(t, fixture.evaluations.created)
}

func TestRunServiceRejectsConcurrentRuns(t *testing.T) {
	fixture := newRunFixture(t, 3)

	locker := NewRedisRunLock(fixture.redis, time.Minute, zerolog.Nop())
	release, err := locker.Acquire(context.Background(), 1)
	require.NoError(t, err)

	_, err = fixture.svc.Run(context.Background(), 1, dto.RunAssignmentRequest{
		EvaluationsPerSubmission: 2,
		MaxEvaluationsPerUser:    2,
	}, instructor())
	require.ErrorIs(t, err, ErrRunInProgress)
	require.Empty(t, fixture.evaluations.created)

	release(context.Background())

	resp, err := fixture.svc.Run(context.Background(), 1, dto.RunAssignmentRequest{
		EvaluationsPerSubmission: 2,
		MaxEvaluationsPerUser:    2,
	}, instructor())
	require.NoError(t, err)
	require.Equal(t, 6, resp.CreatedCount)
}

func TestRunServicePersistFailure(t *testing.T) {
	fixture := newRunFixture(t, 3)
	fixture.evaluations.failCreate = true

	_, err := fixture.svc.Run(context.Background(), 1, dto.RunAssignmentRequest{
		EvaluationsPerSubmission: 2,
		MaxEvaluationsPerUser:    2,
	}, instructor())
	require.ErrorIs(t, err, ErrPersistFailed)
}

func TestRunServiceReducesDemandWhenCapacityShort(t *testing.T) {
	fixture := newRunFixture(t, 4)

	resp, err := fixture.svc.Run(context.Background(), 1, dto.RunAssignmentRequest{
		EvaluationsPerSubmission: 2,
		MaxEvaluationsPerUser:    1,
	}, instructor())
	require.NoError(t, err)
	require.Equal(t, 4, resp.CreatedCount)
	require.Equal(t, []string{relaxationReduceDemand}, resp.RelaxationsApplied)
	require.Equal(t, []uint{1, 2, 3, 4}, resp.Unsatisfied)
	require.Equal(t, 2, resp.RoundsUsed)
}

func TestRunServiceRelaxesBalanceBound(t *testing.T) {
	fixture := newRunFixture(t, 4)
	fixture.exclusions.items = []models.PairExclusion{
		{AssignmentID: 1, ReviewerID: 4, SubmitterID: 1},
		{AssignmentID: 1, ReviewerID: 4, SubmitterID: 2},
	}

	resp, err := fixture.svc.Run(context.Background(), 1, dto.RunAssignmentRequest{
		EvaluationsPerSubmission: 2,
		MaxEvaluationsPerUser:    8,
		BalanceWorkload:          true,
	}, instructor())
	require.NoError(t, err)
	require.Equal(t, 8, resp.CreatedCount)
	require.Equal(t, []string{relaxationBalance}, resp.RelaxationsApplied)
	require.Equal(t, 2, resp.RoundsUsed)
}

func TestRunServiceBalancedRunNeedsNoRelaxation(t *testing.T) {
	fixture := newRunFixture(t, 10)

	resp, err := fixture.svc.Run(context.Background(), 1, dto.RunAssignmentRequest{
		EvaluationsPerSubmission: 2,
		MaxEvaluationsPerUser:    3,
		BalanceWorkload:          true,
	}, instructor())
	require.NoError(t, err)
	require.Equal(t, 20, resp.CreatedCount)
	require.Equal(t, 1, resp.RoundsUsed)
	require.Empty(t, resp.RelaxationsApplied, "an evenly divisible pool must not trip the balance relaxation")

	perEvaluator := make(map[uint]int)
	for _, task := range fixture.evaluations.created {
		perEvaluator[task.EvaluatorID]++
	}
	minLoad, maxLoad := 0, 0
	for _, count := range perEvaluator {
		if minLoad == 0 || count < minLoad {
			minLoad = count
		}
		if count > maxLoad {
			maxLoad = count
		}
	}
	require.LessOrEqual(t, maxLoad-minLoad, 1)
}

func TestRunServiceExhaustedReductionReportsSlotNumbers(t *testing.T) {
	fixture := newRunFixture(t, 4)

	_, err := fixture.svc.Run(context.Background(), 1, dto.RunAssignmentRequest{
		EvaluationsPerSubmission: 3,
		MaxEvaluationsPerUser:    1,
	}, instructor())

	var shortfall *CapacityShortfallError
	require.ErrorAs(t, err, &shortfall)
	require.Equal(t, 12, shortfall.RequiredSlots)
	require.Equal(t, 4, shortfall.AvailableSlots)
	require.Empty(t, fixture.evaluations.created)
}

func TestRunServiceSeededRunsAreReproducible(t *testing.T) {
	seed := int64(1234)
	request := dto.RunAssignmentRequest{
		EvaluationsPerSubmission: 2,
		MaxEvaluationsPerUser:    3,
		RandomizeAssignment:      true,
		RandomSeed:               &seed,
	}

	pairings := func() map[[2]uint]struct{} {
		fixture := newRunFixture(t, 6)
		_, err := fixture.svc.Run(context.Background(), 1, request, instructor())
		require.NoError(t, err)

		pairs := make(map[[2]uint]struct{}, len(fixture.evaluations.created))
		for _, task := range fixture.evaluations.created {
			pairs[[2]uint{task.EvaluatorID, task.SubmissionID}] = struct{}{}
		}
		return pairs
	}

	require.Equal(t, pairings(), pairings())
}

func TestRunServiceStatusAggregatesAndCaches(t *testing.T) {
	fixture := newRunFixture(t, 3)
	average := 85.5
	fixture.evaluations.counts = map[string]int64{
		models.EvaluationStatusAssigned:  2,
		models.EvaluationStatusSubmitted: 1,
		models.EvaluationStatusReviewed:  1,
	}
	fixture.evaluations.average = &average

	status, err := fixture.svc.Status(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(4), status.ToEvaluateCount)
	require.Equal(t, int64(2), status.CompletedCount)
	require.Equal(t, int64(2), status.PendingCount)
	require.NotNil(t, status.AverageScore)
	require.InDelta(t, 85.5, *status.AverageScore, 0.001)

	// Served from cache until the TTL expires or a run invalidates it.
	fixture.evaluations.counts = map[string]int64{models.EvaluationStatusAssigned: 9}
	cached, err := fixture.svc.Status(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(4), cached.ToEvaluateCount)

	fixture.mini.FlushAll()
	fresh, err := fixture.svc.Status(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(9), fresh.ToEvaluateCount)
}

func TestRunServiceRunInvalidatesStatusCache(t *testing.T) {
	fixture := newRunFixture(t, 3)
	fixture.evaluations.counts = map[string]int64{}

	_, err := fixture.svc.Status(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, fixture.mini.Exists("peereval:status:1"))

	_, err = fixture.svc.Run(context.Background(), 1, dto.RunAssignmentRequest{
		EvaluationsPerSubmission: 2,
		MaxEvaluationsPerUser:    2,
	}, instructor())
	require.NoError(t, err)
	require.False(t, fixture.mini.Exists("peereval:status:1"))
}
