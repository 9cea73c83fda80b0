package models

import "time"

// Submission is a student's finalized work product for an assignment.
// Rows are owned by the submission subsystem; the evaluation engine
// reads them and never mutates them.
type Submission struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AssignmentID uint      `gorm:"not null;index" json:"assignment_id"`
	StudentID    uint      `gorm:"not null;index" json:"student_id"`
	FileURL      string    `gorm:"size:512" json:"file_url"`
	Status       string    `gorm:"size:32;not null" json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const (
	// SubmissionStatusDraft indicates work that has not been handed in.
	SubmissionStatusDraft = "draft"
	// SubmissionStatusSubmitted indicates the submission has been handed in.
	SubmissionStatusSubmitted = "submitted"
	// SubmissionStatusGraded indicates the submission has received a final grade.
	SubmissionStatusGraded = "graded"
)

// IsEligibleForReview reports whether the submission may enter a peer
// evaluation run. Only finalized work (submitted or later) qualifies.
func (s Submission) IsEligibleForReview() bool {
	return s.Status == SubmissionStatusSubmitted || s.Status == SubmissionStatusGraded
}
