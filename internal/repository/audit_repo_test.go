package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/noah-isme/peereval-go-api/internal/models"
)

func TestAuditLogRepositoryFiltersByRun(t *testing.T) {
	db := setupEvalTestDB(t, &models.AuditLog{})
	repo := NewAuditLogRepository(db)

	entries := []models.AuditLog{
		{
			ActorID:    50,
			ActorRole:  "teacher",
			Action:     "evaluation.run_completed",
			EntityType: "assignment",
			RunID:      "run-aaa",
			Metadata:   datatypes.JSONMap{"created_count": 20},
		},
		{
			ActorID:    50,
			ActorRole:  "teacher",
			Action:     "evaluation.review",
			EntityType: "evaluation_task",
			RunID:      "run-bbb",
		},
	}
	for i := range entries {
		require.NoError(t, repo.Create(context.Background(), &entries[i]))
	}

	byRun, total, err := repo.List(context.Background(), AuditLogFilter{RunID: "run-aaa"})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Len(t, byRun, 1)
	require.Equal(t, "evaluation.run_completed", byRun[0].Action)
	require.EqualValues(t, 20, byRun[0].Metadata["created_count"])

	byAction, total, err := repo.List(context.Background(), AuditLogFilter{Action: "evaluation.review"})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "run-bbb", byAction[0].RunID)
}
