package dto

import (
	"time"

	"github.com/noah-isme/peereval-go-api/internal/models"
)

// RunAssignmentRequest carries the parameters of one peer evaluation
// assignment run.
type RunAssignmentRequest struct {
	EvaluationsPerSubmission int    `json:"evaluations_per_submission" validate:"required,gte=1"`
	MaxEvaluationsPerUser    int    `json:"max_evaluations_per_user" validate:"required,gte=1"`
	DeadlineDays             int    `json:"deadline_days" validate:"omitempty,gte=1,lte=365"`
	AllowSelfEvaluation      bool   `json:"allow_self_evaluation" validate:"omitempty"`
	AllowRepeatPairing       bool   `json:"allow_repeat_pairing"`
	RandomizeAssignment      bool   `json:"randomize_assignment"`
	BalanceWorkload          bool   `json:"balance_workload"`
	IsAnonymous              bool   `json:"is_anonymous"`
	RandomSeed               *int64 `json:"random_seed" validate:"omitempty"`
}

// RunAssignmentResponse summarizes a completed assignment run.
type RunAssignmentResponse struct {
	AssignmentID       uint     `json:"assignment_id"`
	RunID              string   `json:"run_id"`
	CreatedCount       int      `json:"created_count"`
	RoundsUsed         int      `json:"rounds_used"`
	RelaxationsApplied []string `json:"relaxations_applied"`
	Unsatisfied        []uint   `json:"unsatisfied"`
}

// ScoreEntryRequest is one criterion score inside a transition payload.
type ScoreEntryRequest struct {
	CriterionName string  `json:"criterion_name" validate:"required,min=1,max=255"`
	Score         float64 `json:"score" validate:"gte=0"`
	MaxScore      float64 `json:"max_score" validate:"required,gt=0"`
	Feedback      string  `json:"feedback" validate:"omitempty,max=4000"`
}

// TransitionRequest drives one lifecycle transition on an evaluation task.
type TransitionRequest struct {
	Action          string              `json:"action" validate:"required,oneof=start submit review finalize"`
	OverallFeedback string              `json:"overall_feedback" validate:"omitempty,max=8000"`
	Grade           *float64            `json:"grade" validate:"omitempty,gte=0"`
	Scores          []ScoreEntryRequest `json:"scores" validate:"omitempty,dive"`
}

// Transition actions accepted by the lifecycle manager.
const (
	TransitionActionStart    = "start"
	TransitionActionSubmit   = "submit"
	TransitionActionReview   = "review"
	TransitionActionFinalize = "finalize"
)

// ScoreEntryResponse serializes one criterion score.
type ScoreEntryResponse struct {
	CriterionName string  `json:"criterion_name"`
	Score         float64 `json:"score"`
	MaxScore      float64 `json:"max_score"`
	Feedback      string  `json:"feedback,omitempty"`
}

// EvaluationTaskResponse is returned to API clients viewing a task.
// SubmitterID is zeroed when the task is anonymous and the viewer is
// the evaluator.
type EvaluationTaskResponse struct {
	ID              uint                 `json:"id"`
	AssignmentID    uint                 `json:"assignment_id"`
	SubmissionID    uint                 `json:"submission_id"`
	SubmitterID     uint                 `json:"submitter_id,omitempty"`
	EvaluatorID     uint                 `json:"evaluator_id"`
	Status          string               `json:"status"`
	AssignedAt      time.Time            `json:"assigned_at"`
	StartedAt       *time.Time           `json:"started_at"`
	SubmittedAt     *time.Time           `json:"submitted_at"`
	DueDate         time.Time            `json:"due_date"`
	IsAnonymous     bool                 `json:"is_anonymous"`
	IsOverdue       bool                 `json:"is_overdue"`
	ColorGroup      int                  `json:"color_group"`
	AssignmentRound int                  `json:"assignment_round"`
	Priority        int                  `json:"priority"`
	OverallFeedback string               `json:"overall_feedback,omitempty"`
	Grade           *float64             `json:"grade"`
	Scores          []ScoreEntryResponse `json:"scores"`
}

// AssignmentStatusResponse aggregates evaluation progress for one assignment.
type AssignmentStatusResponse struct {
	AssignmentID    uint     `json:"assignment_id"`
	ToEvaluateCount int64    `json:"to_evaluate_count"`
	CompletedCount  int64    `json:"completed_count"`
	PendingCount    int64    `json:"pending_count"`
	AverageScore    *float64 `json:"average_score,omitempty"`
}

// NewEvaluationTaskResponse converts a task model into a DTO. The
// reference time drives the derived overdue flag.
func NewEvaluationTaskResponse(model models.EvaluationTask, reference time.Time) EvaluationTaskResponse {
	scores := make([]ScoreEntryResponse, 0, len(model.Scores))
	for _, score := range model.Scores {
		scores = append(scores, ScoreEntryResponse{
			CriterionName: score.CriterionName,
			Score:         score.Score,
			MaxScore:      score.MaxScore,
			Feedback:      score.Feedback,
		})
	}

	return EvaluationTaskResponse{
		ID:              model.ID,
		AssignmentID:    model.AssignmentID,
		SubmissionID:    model.SubmissionID,
		SubmitterID:     model.SubmitterID,
		EvaluatorID:     model.EvaluatorID,
		Status:          model.Status,
		AssignedAt:      model.AssignedAt,
		StartedAt:       model.StartedAt,
		SubmittedAt:     model.SubmittedAt,
		DueDate:         model.DueDate,
		IsAnonymous:     model.IsAnonymous,
		IsOverdue:       model.IsOverdue(reference),
		ColorGroup:      model.ColorGroup,
		AssignmentRound: model.AssignmentRound,
		Priority:        model.Priority,
		OverallFeedback: model.OverallFeedback,
		Grade:           model.Grade,
		Scores:          scores,
	}
}

// NewEvaluationTaskResponseForEvaluator converts a task for the
// assigned evaluator, hiding the submitter identity on anonymous tasks.
func NewEvaluationTaskResponseForEvaluator(model models.EvaluationTask, reference time.Time) EvaluationTaskResponse {
	response := NewEvaluationTaskResponse(model, reference)
	if model.IsAnonymous {
		response.SubmitterID = 0
	}
	return response
}

// NewEvaluationTaskResponseSlice converts a batch of task models.
func NewEvaluationTaskResponseSlice(items []models.EvaluationTask, reference time.Time) []EvaluationTaskResponse {
	responses := make([]EvaluationTaskResponse, 0, len(items))
	for _, item := range items {
		responses = append(responses, NewEvaluationTaskResponse(item, reference))
	}
	return responses
}
