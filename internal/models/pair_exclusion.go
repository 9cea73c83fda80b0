package models

import "time"

// PairExclusion is an instructor-declared do-not-pair override: the
// reviewer must never be assigned the submitter's work within the
// given assignment.
type PairExclusion struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AssignmentID uint      `gorm:"not null;index" json:"assignment_id"`
	ReviewerID   uint      `gorm:"not null" json:"reviewer_id"`
	SubmitterID  uint      `gorm:"not null" json:"submitter_id"`
	Reason       string    `gorm:"size:255" json:"reason"`
	CreatedBy    uint      `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
}
