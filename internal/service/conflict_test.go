package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/peereval-go-api/internal/models"
	"github.com/noah-isme/peereval-go-api/internal/repository"
)

func TestConflictModelSelfReviewAlwaysBlocked(t *testing.T) {
	model := NewConflictModel(nil, nil, nil, true)
	submission := models.Submission{ID: 1, StudentID: 7}

	require.True(t, model.IsConflicting(7, submission))
	require.True(t, model.IsHardConflict(7, submission))

	model.AllowCrossAssignmentPairs()
	require.True(t, model.IsConflicting(7, submission))
}

func TestConflictModelExclusionAlwaysBlocked(t *testing.T) {
	exclusions := []models.PairExclusion{{ReviewerID: 3, SubmitterID: 9}}
	model := NewConflictModel(nil, nil, exclusions, true)
	submission := models.Submission{ID: 1, StudentID: 9}

	require.True(t, model.IsConflicting(3, submission))
	require.True(t, model.IsHardConflict(3, submission))
	require.False(t, model.IsConflicting(4, submission))
}

func TestConflictModelRepeatPairing(t *testing.T) {
	prior := []repository.EvaluationPair{{EvaluatorID: 2, SubmitterID: 5}}
	submission := models.Submission{ID: 1, StudentID: 5}

	strict := NewConflictModel(prior, nil, nil, false)
	require.True(t, strict.IsConflicting(2, submission))
	require.True(t, strict.IsHardConflict(2, submission))

	relaxed := NewConflictModel(prior, nil, nil, true)
	require.False(t, relaxed.IsConflicting(2, submission))
}

func TestConflictModelCrossAssignmentPairsAreSoft(t *testing.T) {
	cross := []repository.EvaluationPair{{EvaluatorID: 2, SubmitterID: 5}}
	model := NewConflictModel(nil, cross, nil, false)
	submission := models.Submission{ID: 1, StudentID: 5}

	require.True(t, model.IsConflicting(2, submission))
	require.False(t, model.IsHardConflict(2, submission))

	model.AllowCrossAssignmentPairs()
	require.False(t, model.IsConflicting(2, submission))
}

func TestConflictModelRecordPairBlocksRepeat(t *testing.T) {
	model := NewConflictModel(nil, nil, nil, false)
	submission := models.Submission{ID: 1, StudentID: 5}

	require.False(t, model.IsConflicting(2, submission))
	model.RecordPair(2, 5)
	require.True(t, model.IsConflicting(2, submission))
}
