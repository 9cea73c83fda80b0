package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/peereval-go-api/internal/models"
)

// SubmissionRepository loads the submission pool for an assignment.
// The engine only ever reads submissions.
type SubmissionRepository interface {
	ListEligible(ctx context.Context, assignmentID uint) ([]models.Submission, error)
	CountEligible(ctx context.Context, assignmentID uint) (int64, error)
}

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository instantiates a GORM-backed repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) eligibleQuery(ctx context.Context, assignmentID uint) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Submission{}).
		Where("assignment_id = ?", assignmentID).
		Where("status IN ?", []string{models.SubmissionStatusSubmitted, models.SubmissionStatusGraded})
}

func (r *submissionRepository) ListEligible(ctx context.Context, assignmentID uint) ([]models.Submission, error) {
	var submissions []models.Submission
	if err := r.eligibleQuery(ctx, assignmentID).Order("id ASC").Find(&submissions).Error; err != nil {
		return nil, err
	}

	return submissions, nil
}

func (r *submissionRepository) CountEligible(ctx context.Context, assignmentID uint) (int64, error) {
	var total int64
	if err := r.eligibleQuery(ctx, assignmentID).Count(&total).Error; err != nil {
		return 0, err
	}

	return total, nil
}
