package service

import "strings"

// Roles recognised by the engine. Lifecycle guard checks only
// distinguish the assigned evaluator from instructor-level actors.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

// Actor is the authenticated principal invoking an engine operation.
// The surrounding application layer resolves it (from JWT claims over
// HTTP); the engine only checks it against transition guards.
type Actor struct {
	ID   uint
	Role string
}

// IsInstructor reports whether the actor may perform instructor-only
// transitions (review, finalize) and trigger assignment runs.
func (a Actor) IsInstructor() bool {
	switch strings.ToLower(strings.TrimSpace(a.Role)) {
	case RoleTeacher, RoleAdmin:
		return true
	default:
		return false
	}
}
