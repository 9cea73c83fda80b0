package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRunInProgress indicates a concurrent assignment run holds the
	// per-assignment lock. Callers must retry later, the attempt is not
	// queued.
	ErrRunInProgress = errors.New("assignment run already in progress")

	// ErrTaskNotFound indicates the evaluation task does not exist.
	ErrTaskNotFound = errors.New("evaluation task not found")

	// ErrPersistFailed marks storage failures during the all-or-nothing
	// task write. The run is fully rolled back and may be retried.
	ErrPersistFailed = errors.New("failed to persist evaluation tasks")
)

// ValidationError reports invalid run parameters or an unusable
// submission pool. No work is performed after it is raised.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CapacityShortfallError reports structural infeasibility: the
// constraints cannot be satisfied even after every relaxation. No
// tasks are persisted for the run.
type CapacityShortfallError struct {
	RequiredSlots  int
	AvailableSlots int
	Unsatisfied    []uint
}

func (e *CapacityShortfallError) Error() string {
	if len(e.Unsatisfied) > 0 {
		ids := make([]string, 0, len(e.Unsatisfied))
		for _, id := range e.Unsatisfied {
			ids = append(ids, fmt.Sprintf("%d", id))
		}
		return fmt.Sprintf("capacity shortfall: submissions [%s] cannot receive the required reviews", strings.Join(ids, ", "))
	}
	return fmt.Sprintf("capacity shortfall: %d review slots required, %d available", e.RequiredSlots, e.AvailableSlots)
}

// InvalidTransitionError reports an illegal lifecycle transition. The
// task state is left unchanged.
type InvalidTransitionError struct {
	TaskID uint
	From   string
	Action string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %q from status %q on task %d: %s", e.Action, e.From, e.TaskID, e.Reason)
}
