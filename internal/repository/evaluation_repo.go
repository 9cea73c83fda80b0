package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/noah-isme/peereval-go-api/internal/models"
)

// ErrStatusConflict indicates a compare-and-set status update lost the
// race: the task no longer carries the expected current status.
var ErrStatusConflict = errors.New("evaluation task status changed concurrently")

// EvaluationPair identifies one historical (evaluator, submitter)
// pairing and the round that produced it.
type EvaluationPair struct {
	EvaluatorID uint
	SubmitterID uint
	Round       int
}

// EvaluationRepository defines persistence operations for evaluation tasks.
type EvaluationRepository interface {
	CreateBatch(ctx context.Context, tasks []*models.EvaluationTask) error
	GetByID(ctx context.Context, id uint) (models.EvaluationTask, error)
	ListByAssignment(ctx context.Context, assignmentID uint) ([]models.EvaluationTask, error)
	ListByEvaluator(ctx context.Context, evaluatorID uint) ([]models.EvaluationTask, error)
	ListPriorPairs(ctx context.Context, assignmentID uint) ([]EvaluationPair, error)
	ListCrossAssignmentPairs(ctx context.Context, excludeAssignmentID uint, evaluatorIDs []uint) ([]EvaluationPair, error)
	TransitionStatus(ctx context.Context, task *models.EvaluationTask, expectedStatus string) error
	StatusCounts(ctx context.Context, assignmentID uint) (map[string]int64, error)
	AverageGrade(ctx context.Context, assignmentID uint) (*float64, error)
}

type evaluationRepository struct {
	db *gorm.DB
}

// NewEvaluationRepository instantiates a GORM-backed repository.
func NewEvaluationRepository(db *gorm.DB) EvaluationRepository {
	return &evaluationRepository{db: db}
}

// CreateBatch persists every task of one assignment run in a single
// transaction. A failure on any row rolls back the whole batch.
func (r *evaluationRepository) CreateBatch(ctx context.Context, tasks []*models.EvaluationTask) error {
	if len(tasks) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, task := range tasks {
			if err := tx.Create(task).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *evaluationRepository) GetByID(ctx context.Context, id uint) (models.EvaluationTask, error) {
	var task models.EvaluationTask
	if err := r.db.WithContext(ctx).Preload("Scores").First(&task, id).Error; err != nil {
		return models.EvaluationTask{}, err
	}

	return task, nil
}

func (r *evaluationRepository) ListByAssignment(ctx context.Context, assignmentID uint) ([]models.EvaluationTask, error) {
	var tasks []models.EvaluationTask
	if err := r.db.WithContext(ctx).Preload("Scores").
		Where("assignment_id = ?", assignmentID).
		Order("priority DESC, id ASC").
		Find(&tasks).Error; err != nil {
		return nil, err
	}

	return tasks, nil
}

func (r *evaluationRepository) ListByEvaluator(ctx context.Context, evaluatorID uint) ([]models.EvaluationTask, error) {
	var tasks []models.EvaluationTask
	if err := r.db.WithContext(ctx).Preload("Scores").
		Where("evaluator_id = ?", evaluatorID).
		Order("due_date ASC, priority DESC").
		Find(&tasks).Error; err != nil {
		return nil, err
	}

	return tasks, nil
}

func (r *evaluationRepository) ListPriorPairs(ctx context.Context, assignmentID uint) ([]EvaluationPair, error) {
	var pairs []EvaluationPair
	if err := r.db.WithContext(ctx).Model(&models.EvaluationTask{}).
		Select("evaluator_id", "submitter_id", "assignment_round AS round").
		Where("assignment_id = ?", assignmentID).
		Scan(&pairs).Error; err != nil {
		return nil, err
	}

	return pairs, nil
}

func (r *evaluationRepository) ListCrossAssignmentPairs(ctx context.Context, excludeAssignmentID uint, evaluatorIDs []uint) ([]EvaluationPair, error) {
	if len(evaluatorIDs) == 0 {
		return nil, nil
	}

	var pairs []EvaluationPair
	if err := r.db.WithContext(ctx).Model(&models.EvaluationTask{}).
		Select("evaluator_id", "submitter_id", "assignment_round AS round").
		Where("assignment_id <> ?", excludeAssignmentID).
		Where("evaluator_id IN ?", evaluatorIDs).
		Scan(&pairs).Error; err != nil {
		return nil, err
	}

	return pairs, nil
}

// TransitionStatus applies the task's new state with a compare-and-set
// on the expected current status, so concurrent transitions of the
// same task cannot silently overwrite each other. Score rows are
// replaced inside the same transaction.
func (r *evaluationRepository) TransitionStatus(ctx context.Context, task *models.EvaluationTask, expectedStatus string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":           task.Status,
			"started_at":       task.StartedAt,
			"submitted_at":     task.SubmittedAt,
			"overall_feedback": task.OverallFeedback,
			"grade":            task.Grade,
			"updated_at":       task.UpdatedAt,
		}

		result := tx.Model(&models.EvaluationTask{}).
			Where("id = ?", task.ID).
			Where("status = ?", expectedStatus).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStatusConflict
		}

		if len(task.Scores) == 0 {
			return nil
		}

		if err := tx.Where("evaluation_task_id = ?", task.ID).Delete(&models.EvaluationScore{}).Error; err != nil {
			return err
		}
		for i := range task.Scores {
			task.Scores[i].ID = 0
			task.Scores[i].EvaluationTaskID = task.ID
			if err := tx.Create(&task.Scores[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *evaluationRepository) StatusCounts(ctx context.Context, assignmentID uint) (map[string]int64, error) {
	type statusCount struct {
		Status string
		Total  int64
	}

	var rows []statusCount
	if err := r.db.WithContext(ctx).Model(&models.EvaluationTask{}).
		Select("status", "COUNT(*) AS total").
		Where("assignment_id = ?", assignmentID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}

	return counts, nil
}

func (r *evaluationRepository) AverageGrade(ctx context.Context, assignmentID uint) (*float64, error) {
	var average *float64
	if err := r.db.WithContext(ctx).Model(&models.EvaluationTask{}).
		Select("AVG(grade)").
		Where("assignment_id = ?", assignmentID).
		Where("grade IS NOT NULL").
		Scan(&average).Error; err != nil {
		return nil, err
	}

	return average, nil
}
