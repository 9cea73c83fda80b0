package service

import (
	"github.com/noah-isme/peereval-go-api/internal/models"
	"github.com/noah-isme/peereval-go-api/internal/repository"
)

type pairKey struct {
	evaluatorID uint
	submitterID uint
}

// ConflictModel answers, per candidate (reviewer, submission) pair,
// whether the pairing is forbidden. It is pure and side-effect-free;
// the graph builder queries it on every candidate edge.
//
// Self-review and do-not-pair exclusions are always conflicts. Pairs
// repeated within the same assignment conflict unless repeat pairing
// was requested. Pairs known from unrelated assignments are soft
// conflicts: they only apply until AllowCrossAssignmentPairs is
// called, the relaxation the coordinator reaches for before declaring
// partial failure.
type ConflictModel struct {
	allowRepeatPairing bool
	allowCrossPairs    bool
	samePairs          map[pairKey]struct{}
	crossPairs         map[pairKey]struct{}
	excluded           map[pairKey]struct{}
}

// NewConflictModel builds a conflict model from the prior pairings of
// this assignment, pairings seen in unrelated assignments, and the
// instructor do-not-pair list.
func NewConflictModel(priorPairs, crossPairs []repository.EvaluationPair, exclusions []models.PairExclusion, allowRepeatPairing bool) *ConflictModel {
	model := &ConflictModel{
		allowRepeatPairing: allowRepeatPairing,
		samePairs:          make(map[pairKey]struct{}, len(priorPairs)),
		crossPairs:         make(map[pairKey]struct{}, len(crossPairs)),
		excluded:           make(map[pairKey]struct{}, len(exclusions)),
	}

	for _, pair := range priorPairs {
		model.samePairs[pairKey{pair.EvaluatorID, pair.SubmitterID}] = struct{}{}
	}
	for _, pair := range crossPairs {
		model.crossPairs[pairKey{pair.EvaluatorID, pair.SubmitterID}] = struct{}{}
	}
	for _, exclusion := range exclusions {
		model.excluded[pairKey{exclusion.ReviewerID, exclusion.SubmitterID}] = struct{}{}
	}

	return model
}

// IsConflicting reports whether assigning the reviewer to the
// submission would violate a pairing constraint.
func (m *ConflictModel) IsConflicting(reviewerID uint, submission models.Submission) bool {
	if reviewerID == submission.StudentID {
		return true
	}

	key := pairKey{reviewerID, submission.StudentID}
	if _, ok := m.excluded[key]; ok {
		return true
	}

	if !m.allowRepeatPairing {
		if _, ok := m.samePairs[key]; ok {
			return true
		}
	}

	if !m.allowCrossPairs {
		if _, ok := m.crossPairs[key]; ok {
			return true
		}
	}

	return false
}

// IsHardConflict reports whether the pairing stays forbidden under
// every relaxation the coordinator may apply.
func (m *ConflictModel) IsHardConflict(reviewerID uint, submission models.Submission) bool {
	if reviewerID == submission.StudentID {
		return true
	}

	key := pairKey{reviewerID, submission.StudentID}
	if _, ok := m.excluded[key]; ok {
		return true
	}

	if !m.allowRepeatPairing {
		if _, ok := m.samePairs[key]; ok {
			return true
		}
	}

	return false
}

// AllowCrossAssignmentPairs relaxes the soft constraint against
// reviewers who already evaluated the same submitter in an unrelated
// assignment.
func (m *ConflictModel) AllowCrossAssignmentPairs() {
	m.allowCrossPairs = true
}

// RecordPair registers an accepted edge so later rounds of the same
// run cannot duplicate it.
func (m *ConflictModel) RecordPair(reviewerID, submitterID uint) {
	m.samePairs[pairKey{reviewerID, submitterID}] = struct{}{}
}
