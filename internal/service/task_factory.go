package service

import (
	"time"

	"github.com/noah-isme/peereval-go-api/internal/models"
)

// TaskFactory turns accepted edges into persistable evaluation tasks.
type TaskFactory struct {
	deadlineDays int
	now          func() time.Time
}

// NewTaskFactory constructs a factory with the run's deadline policy.
func NewTaskFactory(deadlineDays int, now func() time.Time) *TaskFactory {
	if now == nil {
		now = time.Now
	}
	return &TaskFactory{deadlineDays: deadlineDays, now: now}
}

// BuildTasks materializes one evaluation task per edge, all in the
// assigned state. Tasks created in later retry rounds carry a higher
// priority so at-risk assignments surface first.
func (f *TaskFactory) BuildTasks(assignmentID uint, edges []Edge, isAnonymous bool) []*models.EvaluationTask {
	now := f.now()
	dueDate := now.AddDate(0, 0, f.deadlineDays)

	tasks := make([]*models.EvaluationTask, 0, len(edges))
	for _, edge := range edges {
		tasks = append(tasks, &models.EvaluationTask{
			AssignmentID:    assignmentID,
			SubmissionID:    edge.SubmissionID,
			SubmitterID:     edge.SubmitterID,
			EvaluatorID:     edge.ReviewerID,
			Status:          models.EvaluationStatusAssigned,
			AssignedAt:      now,
			DueDate:         dueDate,
			IsAnonymous:     isAnonymous,
			ColorGroup:      edge.ColorGroup,
			AssignmentRound: edge.Round,
			Priority:        edge.Round,
		})
	}

	return tasks
}
