package service

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/peereval-go-api/internal/dto"
	"github.com/noah-isme/peereval-go-api/internal/models"
	"github.com/noah-isme/peereval-go-api/internal/repository"
)

type taskRepoStub struct {
	task          models.EvaluationTask
	missing       bool
	forceConflict bool
	// concurrent is the state revealed by the re-read after a lost
	// compare-and-set race.
	concurrent   *models.EvaluationTask
	transitioned bool
}

func (s *taskRepoStub) CreateBatch(_ context.Context, _ []*models.EvaluationTask) error {
	return nil
}

func (s *taskRepoStub) GetByID(_ context.Context, id uint) (models.EvaluationTask, error) {
	if s.missing || id != s.task.ID {
		return models.EvaluationTask{}, gorm.ErrRecordNotFound
	}
	return s.task, nil
}

func (s *taskRepoStub) ListByAssignment(_ context.Context, _ uint) ([]models.EvaluationTask, error) {
	return []models.EvaluationTask{s.task}, nil
}

func (s *taskRepoStub) ListByEvaluator(_ context.Context, _ uint) ([]models.EvaluationTask, error) {
	return []models.EvaluationTask{s.task}, nil
}

func (s *taskRepoStub) ListPriorPairs(_ context.Context, _ uint) ([]repository.EvaluationPair, error) {
	return nil, nil
}

func (s *taskRepoStub) ListCrossAssignmentPairs(_ context.Context, _ uint, _ []uint) ([]repository.EvaluationPair, error) {
	return nil, nil
}

func (s *taskRepoStub) TransitionStatus(_ context.Context, task *models.EvaluationTask, expectedStatus string) error {
	if s.forceConflict {
		if s.concurrent != nil {
			s.task = *s.concurrent
		}
		return repository.ErrStatusConflict
	}
	if s.task.Status != expectedStatus {
		return repository.ErrStatusConflict
	}
	s.task = *task
	s.transitioned = true
	return nil
}

func (s *taskRepoStub) StatusCounts(_ context.Context, _ uint) (map[string]int64, error) {
	return nil, nil
}

func (s *taskRepoStub) AverageGrade(_ context.Context, _ uint) (*float64, error) {
	return nil, nil
}

func lifecycleFixture(t *testing.T, status string, grace time.Duration) (*lifecycleService, *taskRepoStub, time.Time) {
	t.Helper()

	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	repo := &taskRepoStub{task: models.EvaluationTask{
		ID:           11,
		AssignmentID: 1,
		SubmissionID: 4,
		SubmitterID:  4,
		EvaluatorID:  2,
		Status:       status,
		AssignedAt:   now.Add(-24 * time.Hour),
		DueDate:      now.Add(48 * time.Hour),
	}}

	validate := validator.New(validator.WithRequiredStructEnabled())
	svc := NewLifecycleService(repo, validate, nil, nil, grace, zerolog.Nop()).(*lifecycleService)
	svc.now = func() time.Time { return now }

	return svc, repo, now
}

func submitPayload() dto.TransitionRequest {
	return dto.TransitionRequest{
		Action:          dto.TransitionActionSubmit,
		OverallFeedback: "<b>solid</b> work overall",
		Scores: []dto.ScoreEntryRequest{
			{CriterionName: "Correctness", Score: 8, MaxScore: 10},
			{CriterionName: "Clarity", Score: 9, MaxScore: 10, Feedback: "well structured"},
		},
	}
}

func TestLifecycleStartByEvaluator(t *testing.T) {
	svc, repo, _ := lifecycleFixture(t, models.EvaluationStatusAssigned, 0)

	resp, err := svc.Transition(context.Background(), 11, dto.TransitionRequest{Action: dto.TransitionActionStart}, Actor{ID: 2, Role: RoleStudent})
	require.NoError(t, err)
	require.Equal(t, models.EvaluationStatusInProgress, resp.Status)
	require.NotNil(t, resp.StartedAt)
	require.True(t, repo.transitioned)
	require.Equal(t, models.EvaluationStatusInProgress, repo.task.Status)
}

func TestLifecycleSubmitStoresScoresAndSanitizesFeedback(t *testing.T) {
	svc, repo, _ := lifecycleFixture(t, models.EvaluationStatusInProgress, 0)

	resp, err := svc.Transition(context.Background(), 11, submitPayload(), Actor{ID: 2, Role: RoleStudent})
	require.NoError(t, err)
	require.Equal(t, models.EvaluationStatusSubmitted, resp.Status)
	require.NotNil(t, resp.SubmittedAt)
	require.Equal(t, "solid work overall", repo.task.OverallFeedback)
	require.Len(t, repo.task.Scores, 2)
	require.Equal(t, "Correctness", repo.task.Scores[0].CriterionName)
}

func TestLifecycleSubmitRequiresFeedback(t *testing.T) {
	svc, repo, _ := lifecycleFixture(t, models.EvaluationStatusInProgress, 0)

	payload := submitPayload()
	payload.OverallFeedback = "  "

	_, err := svc.Transition(context.Background(), 11, payload, Actor{ID: 2, Role: RoleStudent})
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, models.EvaluationStatusInProgress, repo.task.Status)
}

func TestLifecycleSubmitRequiresScores(t *testing.T) {
	svc, _, _ := lifecycleFixture(t, models.EvaluationStatusInProgress, 0)

	payload := submitPayload()
	payload.Scores = nil

	_, err := svc.Transition(context.Background(), 11, payload, Actor{ID: 2, Role: RoleStudent})
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

func TestLifecycleSubmitRejectsScoreAboveMax(t *testing.T) {
	svc, _, _ := lifecycleFixture(t, models.EvaluationStatusInProgress, 0)

	payload := submitPayload()
	payload.Scores[0].Score = 11

	_, err := svc.Transition(context.Background(), 11, payload, Actor{ID: 2, Role: RoleStudent})
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

func TestLifecycleSubmitWindowClosesAfterGrace(t *testing.T) {
	svc, repo, now := lifecycleFixture(t, models.EvaluationStatusInProgress, 0)
	repo.task.DueDate = now.Add(-time.Hour)

	_, err := svc.Transition(context.Background(), 11, submitPayload(), Actor{ID: 2, Role: RoleStudent})
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)

	svc, repo, now = lifecycleFixture(t, models.EvaluationStatusInProgress, 48*time.Hour)
	repo.task.DueDate = now.Add(-time.Hour)

	resp, err := svc.Transition(context.Background(), 11, submitPayload(), Actor{ID: 2, Role: RoleStudent})
	require.NoError(t, err)
	require.Equal(t, models.EvaluationStatusSubmitted, resp.Status)
}

func TestLifecycleBackwardTransitionRejected(t *testing.T) {
	svc, repo, _ := lifecycleFixture(t, models.EvaluationStatusSubmitted, 0)

	_, err := svc.Transition(context.Background(), 11, dto.TransitionRequest{Action: dto.TransitionActionStart}, Actor{ID: 2, Role: RoleStudent})
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, models.EvaluationStatusSubmitted, repo.task.Status)
	require.False(t, repo.transitioned)
}

func TestLifecycleSkippedStateRejected(t *testing.T) {
	svc, _, _ := lifecycleFixture(t, models.EvaluationStatusAssigned, 0)

	_, err := svc.Transition(context.Background(), 11, submitPayload(), Actor{ID: 2, Role: RoleStudent})
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

func TestLifecycleStartRequiresAssignedEvaluator(t *testing.T) {
	svc, _, _ := lifecycleFixture(t, models.EvaluationStatusAssigned, 0)

	_, err := svc.Transition(context.Background(), 11, dto.TransitionRequest{Action: dto.TransitionActionStart}, Actor{ID: 99, Role: RoleStudent})
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

func TestLifecycleReviewRequiresInstructor(t *testing.T) {
	svc, _, _ := lifecycleFixture(t, models.EvaluationStatusSubmitted, 0)

	_, err := svc.Transition(context.Background(), 11, dto.TransitionRequest{Action: dto.TransitionActionReview}, Actor{ID: 2, Role: RoleStudent})
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

func TestLifecycleReviewIsIdempotent(t *testing.T) {
	svc, repo, _ := lifecycleFixture(t, models.EvaluationStatusReviewed, 0)

	resp, err := svc.Transition(context.Background(), 11, dto.TransitionRequest{Action: dto.TransitionActionReview}, Actor{ID: 50, Role: RoleTeacher})
	require.NoError(t, err)
	require.Equal(t, models.EvaluationStatusReviewed, resp.Status)
	require.False(t, repo.transitioned)
}

func TestLifecycleIdempotentReviewStillRequiresInstructor(t *testing.T) {
	svc, repo, _ := lifecycleFixture(t, models.EvaluationStatusReviewed, 0)

	_, err := svc.Transition(context.Background(), 11, dto.TransitionRequest{Action: dto.TransitionActionReview}, Actor{ID: 2, Role: RoleStudent})
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	require.False(t, repo.transitioned)
}

func TestLifecycleConcurrentConflictRejectsEvaluatorAction(t *testing.T) {
	svc, repo, _ := lifecycleFixture(t, models.EvaluationStatusAssigned, 0)
	repo.forceConflict = true

	_, err := svc.Transition(context.Background(), 11, dto.TransitionRequest{Action: dto.TransitionActionStart}, Actor{ID: 2, Role: RoleStudent})
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "task status changed concurrently", invalid.Reason)
}

func TestLifecycleConcurrentInstructorActionBecomesNoop(t *testing.T) {
	svc, repo, _ := lifecycleFixture(t, models.EvaluationStatusSubmitted, 0)
	reviewed := repo.task
	reviewed.Status = models.EvaluationStatusReviewed
	repo.forceConflict = true
	repo.concurrent = &reviewed

	resp, err := svc.Transition(context.Background(), 11, dto.TransitionRequest{Action: dto.TransitionActionReview}, Actor{ID: 50, Role: RoleTeacher})
	require.NoError(t, err)
	require.Equal(t, models.EvaluationStatusReviewed, resp.Status)
}

func TestLifecycleUnknownActionRejected(t *testing.T) {
	svc, _, _ := lifecycleFixture(t, models.EvaluationStatusAssigned, 0)

	_, err := svc.Transition(context.Background(), 11, dto.TransitionRequest{Action: "archive"}, Actor{ID: 2, Role: RoleStudent})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestLifecycleTransitionUnknownTask(t *testing.T) {
	svc, repo, _ := lifecycleFixture(t, models.EvaluationStatusAssigned, 0)
	repo.missing = true

	_, err := svc.Transition(context.Background(), 11, dto.TransitionRequest{Action: dto.TransitionActionStart}, Actor{ID: 2, Role: RoleStudent})
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestLifecycleAnonymousTaskHidesSubmitterFromEvaluator(t *testing.T) {
	svc, repo, _ := lifecycleFixture(t, models.EvaluationStatusAssigned, 0)
	repo.task.IsAnonymous = true

	asEvaluator, err := svc.Get(context.Background(), 11, Actor{ID: 2, Role: RoleStudent})
	require.NoError(t, err)
	require.Zero(t, asEvaluator.SubmitterID)

	asInstructor, err := svc.Get(context.Background(), 11, Actor{ID: 50, Role: RoleTeacher})
	require.NoError(t, err)
	require.Equal(t, uint(4), asInstructor.SubmitterID)
}

func TestLifecycleOverdueFlagIsDerived(t *testing.T) {
	svc, repo, now := lifecycleFixture(t, models.EvaluationStatusInProgress, 0)
	repo.task.DueDate = now.Add(-time.Hour)

	resp, err := svc.Get(context.Background(), 11, Actor{ID: 50, Role: RoleTeacher})
	require.NoError(t, err)
	require.True(t, resp.IsOverdue)
	require.Equal(t, models.EvaluationStatusInProgress, resp.Status)
}
