package service

import (
	"errors"
	"math/rand"
	"sort"

	"github.com/rs/zerolog"

	"github.com/noah-isme/peereval-go-api/internal/models"
)

// ErrWorkloadImbalance indicates a complete assignment exists but its
// per-reviewer load spread exceeds the ±1 bound requested by
// balanceWorkload. The coordinator may retry with the bound relaxed.
var ErrWorkloadImbalance = errors.New("reviewer workload spread exceeds balance bound")

// GraphBuildParams tunes one bipartite assignment construction.
type GraphBuildParams struct {
	// DefaultDemand is evaluationsPerSubmission.
	DefaultDemand int
	// DemandOverrides lowers the demand of individual submissions. Set
	// by the coordinator's final relaxation; absent entries use
	// DefaultDemand.
	DemandOverrides       map[uint]int
	MaxEvaluationsPerUser int
	// BalanceWorkload enforces the ±1 load spread across reviewers
	// with at least one eligible submission.
	BalanceWorkload bool
	// Randomize breaks selection ties uniformly at random; otherwise
	// ties break by ascending reviewer id for deterministic output.
	Randomize bool
	Rand      *rand.Rand
	// Round is the coordinator retry round, stamped on every edge.
	Round int
}

// Edge is one accepted reviewer-submission pairing.
type Edge struct {
	ReviewerID   uint
	SubmissionID uint
	SubmitterID  uint
	ColorGroup   int
	Round        int
}

// GraphBuilder constructs a bipartite review assignment: reviewers on
// one side, submissions on the other, edges colored in passes. Each
// pass gives every under-served submission at most one new reviewer,
// chosen greedily by lowest current load.
type GraphBuilder struct {
	logger zerolog.Logger
}

// NewGraphBuilder constructs the builder.
func NewGraphBuilder(logger zerolog.Logger) *GraphBuilder {
	return &GraphBuilder{logger: logger.With().Str("component", "graph_builder").Logger()}
}

type submissionState struct {
	submission models.Submission
	demand     int
	assigned   map[uint]struct{}
	// deferred is set after a pass found no eligible reviewer; the
	// next attempt for this submission may use reviewers already
	// paired with the submitter in unrelated assignments.
	deferred bool
}

// Build produces the edge set. It fails fast with a capacity shortfall
// when the constraints are structurally unsatisfiable, returns
// ErrWorkloadImbalance when only the balance bound is violated, and
// otherwise reports submissions left under-served in unsatisfied.
func (b *GraphBuilder) Build(submissions []models.Submission, reviewers []uint, conflicts *ConflictModel, params GraphBuildParams) ([]Edge, []uint, error) {
	states := make([]*submissionState, 0, len(submissions))
	requiredSlots := 0
	for _, submission := range submissions {
		demand := params.DefaultDemand
		if override, ok := params.DemandOverrides[submission.ID]; ok {
			demand = override
		}
		requiredSlots += demand
		states = append(states, &submissionState{
			submission: submission,
			demand:     demand,
			assigned:   make(map[uint]struct{}, demand),
		})
	}

	// Reviewers with zero hard-eligible submissions cannot carry load
	// and are excluded from both capacity and balance accounting.
	eligibleReviewers := make([]uint, 0, len(reviewers))
	for _, reviewerID := range reviewers {
		for _, state := range states {
			if !conflicts.IsHardConflict(reviewerID, state.submission) {
				eligibleReviewers = append(eligibleReviewers, reviewerID)
				break
			}
		}
	}

	availableSlots := len(eligibleReviewers) * params.MaxEvaluationsPerUser
	if requiredSlots > availableSlots {
		return nil, nil, &CapacityShortfallError{RequiredSlots: requiredSlots, AvailableSlots: availableSlots}
	}

	// A submission with fewer hard-eligible reviewers than demand can
	// never be satisfied, under any relaxation.
	var structurallyShort []uint
	for _, state := range states {
		eligible := 0
		for _, reviewerID := range eligibleReviewers {
			if !conflicts.IsHardConflict(reviewerID, state.submission) {
				eligible++
			}
		}
		if eligible < state.demand {
			structurallyShort = append(structurallyShort, state.submission.ID)
		}
	}
	if len(structurallyShort) > 0 {
		return nil, nil, &CapacityShortfallError{Unsatisfied: structurallyShort}
	}

	load := make(map[uint]int, len(eligibleReviewers))
	for _, reviewerID := range eligibleReviewers {
		load[reviewerID] = 0
	}

	var edges []Edge
	for color := 0; ; color++ {
		pending := pendingStates(states)
		if len(pending) == 0 {
			break
		}

		if params.Randomize && params.Rand != nil {
			params.Rand.Shuffle(len(pending), func(i, j int) {
				pending[i], pending[j] = pending[j], pending[i]
			})
		}

		progressed := false
		for _, state := range pending {
			reviewerID, found := b.selectReviewer(state, eligibleReviewers, load, conflicts, params)
			if !found {
				if !state.deferred {
					state.deferred = true
					b.logger.Debug().
						Uint("submission_id", state.submission.ID).
						Int("color", color).
						Msg("submission deferred with relaxed pairing history")
				}
				continue
			}

			edges = append(edges, Edge{
				ReviewerID:   reviewerID,
				SubmissionID: state.submission.ID,
				SubmitterID:  state.submission.StudentID,
				ColorGroup:   color,
				Round:        params.Round,
			})
			state.assigned[reviewerID] = struct{}{}
			state.demand--
			load[reviewerID]++
			conflicts.RecordPair(reviewerID, state.submission.StudentID)
			progressed = true
		}

		if !progressed {
			// Every pending submission has already been retried with
			// its pairing history relaxed; remaining demand is
			// unsatisfiable with the current constraints.
			if allDeferred(pending) {
				break
			}
		}
	}

	var unsatisfied []uint
	for _, state := range states {
		if state.demand > 0 {
			unsatisfied = append(unsatisfied, state.submission.ID)
		}
	}
	sort.Slice(unsatisfied, func(i, j int) bool { return unsatisfied[i] < unsatisfied[j] })

	if len(unsatisfied) == 0 && params.BalanceWorkload {
		if loadSpread(load) > 1 {
			b.rebalanceLoads(edges, states, eligibleReviewers, load, conflicts, params)
		}
		if spread := loadSpread(load); spread > 1 {
			b.logger.Debug().Int("spread", spread).Msg("workload spread exceeds balance bound")
			return nil, nil, ErrWorkloadImbalance
		}
	}

	return edges, unsatisfied, nil
}

// rebalanceLoads narrows the per-reviewer load spread by moving edges
// away from the most loaded reviewers. A move requires the target to
// sit at least two edges below the source, so every move is strictly
// downhill and the loop terminates.
func (b *GraphBuilder) rebalanceLoads(edges []Edge, states []*submissionState, reviewers []uint, load map[uint]int, conflicts *ConflictModel, params GraphBuildParams) {
	index := make(map[uint]*submissionState, len(states))
	for _, state := range states {
		index[state.submission.ID] = state
	}

	for moved := true; moved && loadSpread(load) > 1; {
		moved = false
		for i := range edges {
			edge := &edges[i]
			state := index[edge.SubmissionID]
			target, ok := b.moveTarget(edge, state, reviewers, load, conflicts, params)
			if !ok {
				continue
			}

			delete(state.assigned, edge.ReviewerID)
			load[edge.ReviewerID]--
			state.assigned[target] = struct{}{}
			load[target]++
			conflicts.RecordPair(target, state.submission.StudentID)
			b.logger.Debug().
				Uint("submission_id", edge.SubmissionID).
				Uint("from", edge.ReviewerID).
				Uint("to", target).
				Msg("edge moved to narrow workload spread")
			edge.ReviewerID = target
			moved = true
		}
	}
}

// moveTarget picks the lightest reviewer that can legally take over
// the edge, or reports that none exists.
func (b *GraphBuilder) moveTarget(edge *Edge, state *submissionState, reviewers []uint, load map[uint]int, conflicts *ConflictModel, params GraphBuildParams) (uint, bool) {
	var best uint
	found := false

	for _, reviewerID := range reviewers {
		if load[reviewerID] >= load[edge.ReviewerID]-1 {
			continue
		}
		if load[reviewerID] >= params.MaxEvaluationsPerUser {
			continue
		}
		if _, taken := state.assigned[reviewerID]; taken {
			continue
		}
		if conflicts.IsConflicting(reviewerID, state.submission) {
			continue
		}
		if !found || load[reviewerID] < load[best] {
			best = reviewerID
			found = true
		}
	}

	return best, found
}

// selectReviewer picks the lowest-loaded reviewer that can take the
// submission, breaking ties randomly or by ascending id.
func (b *GraphBuilder) selectReviewer(state *submissionState, reviewers []uint, load map[uint]int, conflicts *ConflictModel, params GraphBuildParams) (uint, bool) {
	var candidates []uint
	bestLoad := params.MaxEvaluationsPerUser

	for _, reviewerID := range reviewers {
		if load[reviewerID] >= params.MaxEvaluationsPerUser {
			continue
		}
		if _, taken := state.assigned[reviewerID]; taken {
			continue
		}
		if state.deferred {
			if conflicts.IsHardConflict(reviewerID, state.submission) {
				continue
			}
		} else if conflicts.IsConflicting(reviewerID, state.submission) {
			continue
		}

		switch {
		case load[reviewerID] < bestLoad:
			bestLoad = load[reviewerID]
			candidates = candidates[:0]
			candidates = append(candidates, reviewerID)
		case load[reviewerID] == bestLoad:
			candidates = append(candidates, reviewerID)
		}
	}

	if len(candidates) == 0 {
		return 0, false
	}

	if params.Randomize && params.Rand != nil {
		return candidates[params.Rand.Intn(len(candidates))], true
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	return candidates[0], true
}

func pendingStates(states []*submissionState) []*submissionState {
	pending := make([]*submissionState, 0, len(states))
	for _, state := range states {
		if state.demand > 0 {
			pending = append(pending, state)
		}
	}
	return pending
}

func allDeferred(states []*submissionState) bool {
	for _, state := range states {
		if !state.deferred {
			return false
		}
	}
	return true
}

func loadSpread(load map[uint]int) int {
	if len(load) == 0 {
		return 0
	}
	first := true
	minLoad, maxLoad := 0, 0
	for _, value := range load {
		if first {
			minLoad, maxLoad = value, value
			first = false
			continue
		}
		if value < minLoad {
			minLoad = value
		}
		if value > maxLoad {
			maxLoad = value
		}
	}
	return maxLoad - minLoad
}
