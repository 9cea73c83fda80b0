package models

import "time"

// EvaluationTask is one reviewer-submission pairing produced by an
// assignment run, with its own lifecycle. Tasks are never deleted,
// only transitioned forward.
type EvaluationTask struct {
	ID           uint `gorm:"primaryKey" json:"id"`
	AssignmentID uint `gorm:"not null;index" json:"assignment_id"`
	SubmissionID uint `gorm:"not null;index" json:"submission_id"`
	SubmitterID  uint `gorm:"not null" json:"submitter_id"`
	EvaluatorID  uint `gorm:"not null;index" json:"evaluator_id"`

	Status      string     `gorm:"size:32;not null" json:"status"`
	AssignedAt  time.Time  `gorm:"not null" json:"assigned_at"`
	StartedAt   *time.Time `json:"started_at"`
	SubmittedAt *time.Time `json:"submitted_at"`
	DueDate     time.Time  `gorm:"not null" json:"due_date"`
	IsAnonymous bool       `gorm:"not null;default:false" json:"is_anonymous"`

	// Provenance of the pairing: the color (selection pass) and round
	// of the run that fixed this edge, and a priority that rises for
	// tasks created in later retry rounds.
	ColorGroup      int `gorm:"not null" json:"color_group"`
	AssignmentRound int `gorm:"not null" json:"assignment_round"`
	Priority        int `gorm:"not null;default:0" json:"priority"`

	OverallFeedback string            `gorm:"type:text" json:"overall_feedback"`
	Grade           *float64          `json:"grade"`
	Scores          []EvaluationScore `gorm:"constraint:OnDelete:CASCADE" json:"scores"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EvaluationScore is one criterion score attached to an evaluation task.
type EvaluationScore struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	EvaluationTaskID uint      `gorm:"not null;index" json:"evaluation_task_id"`
	CriterionName    string    `gorm:"size:255;not null" json:"criterion_name"`
	Score            float64   `gorm:"not null" json:"score"`
	MaxScore         float64   `gorm:"not null" json:"max_score"`
	Feedback         string    `gorm:"type:text" json:"feedback"`
	CreatedAt        time.Time `json:"created_at"`
}

const (
	// EvaluationStatusAssigned is the initial state of a freshly created task.
	EvaluationStatusAssigned = "assigned"
	// EvaluationStatusInProgress indicates the evaluator opened the task.
	EvaluationStatusInProgress = "in_progress"
	// EvaluationStatusSubmitted indicates scores and feedback were handed in.
	EvaluationStatusSubmitted = "submitted"
	// EvaluationStatusReviewed indicates an instructor checked the evaluation.
	EvaluationStatusReviewed = "reviewed"
	// EvaluationStatusFinalized indicates the evaluation grade is locked.
	EvaluationStatusFinalized = "finalized"
)

var evaluationStatusRank = map[string]int{
	EvaluationStatusAssigned:   0,
	EvaluationStatusInProgress: 1,
	EvaluationStatusSubmitted:  2,
	EvaluationStatusReviewed:   3,
	EvaluationStatusFinalized:  4,
}

// EvaluationStatusRank returns the ordinal position of a lifecycle
// status, or -1 for an unknown status. Transitions are only legal in
// ascending rank order.
func EvaluationStatusRank(status string) int {
	rank, ok := evaluationStatusRank[status]
	if !ok {
		return -1
	}
	return rank
}

// IsCompleted reports whether the evaluation has been handed in.
func (t EvaluationTask) IsCompleted() bool {
	return EvaluationStatusRank(t.Status) >= evaluationStatusRank[EvaluationStatusSubmitted]
}

// IsOverdue reports whether the task is past due and still unsubmitted.
// Overdue tasks keep their current state; the flag is derived for
// reporting and escalation only.
func (t EvaluationTask) IsOverdue(reference time.Time) bool {
	return !t.IsCompleted() && reference.After(t.DueDate)
}
