package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/peereval-go-api/internal/models"
)

// PairExclusionRepository reads instructor do-not-pair overrides.
type PairExclusionRepository interface {
	ListByAssignment(ctx context.Context, assignmentID uint) ([]models.PairExclusion, error)
}

type pairExclusionRepository struct {
	db *gorm.DB
}

// NewPairExclusionRepository instantiates the repository.
func NewPairExclusionRepository(db *gorm.DB) PairExclusionRepository {
	return &pairExclusionRepository{db: db}
}

func (r *pairExclusionRepository) ListByAssignment(ctx context.Context, assignmentID uint) ([]models.PairExclusion, error) {
	var exclusions []models.PairExclusion
	if err := r.db.WithContext(ctx).
		Where("assignment_id = ?", assignmentID).
		Find(&exclusions).Error; err != nil {
		return nil, err
	}

	return exclusions, nil
}
