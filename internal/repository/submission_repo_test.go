package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/peereval-go-api/internal/models"
)

func TestSubmissionRepositoryListEligibleFiltersDrafts(t *testing.T) {
	db := setupEvalTestDB(t, &models.Submission{})
	repo := NewSubmissionRepository(db)

	submissions := []models.Submission{
		{AssignmentID: 200, StudentID: 1, Status: models.SubmissionStatusSubmitted},
		{AssignmentID: 200, StudentID: 2, Status: models.SubmissionStatusGraded},
		{AssignmentID: 200, StudentID: 3, Status: models.SubmissionStatusDraft},
		{AssignmentID: 201, StudentID: 4, Status: models.SubmissionStatusSubmitted},
	}
	for i := range submissions {
		require.NoError(t, db.Create(&submissions[i]).Error)
	}

	eligible, err := repo.ListEligible(context.Background(), 200)
	require.NoError(t, err)
	require.Len(t, eligible, 2)
	require.Equal(t, uint(1), eligible[0].StudentID)
	require.Equal(t, uint(2), eligible[1].StudentID)

	total, err := repo.CountEligible(context.Background(), 200)
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
}

func TestPairExclusionRepositoryListByAssignment(t *testing.T) {
	db := setupEvalTestDB(t, &models.PairExclusion{})
	repo := NewPairExclusionRepository(db)

	exclusions := []models.PairExclusion{
		{AssignmentID: 210, ReviewerID: 1, SubmitterID: 2, Reason: "group partners"},
		{AssignmentID: 211, ReviewerID: 3, SubmitterID: 4},
	}
	for i := range exclusions {
		require.NoError(t, db.Create(&exclusions[i]).Error)
	}

	listed, err := repo.ListByAssignment(context.Background(), 210)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, uint(1), listed[0].ReviewerID)
	require.Equal(t, "group partners", listed[0].Reason)
}
