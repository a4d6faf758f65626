// Package task implements the idempotent, check-then-make host
// operations an agent runs to realize or withdraw one parameter of a
// pushed configuration: bridges, device interfaces, CAN routing and
// container executors.
package task

import "context"

// Fulfilled reports whether a task's target state already holds.
type Fulfilled int

const (
	// FulfilledYes means no action is needed.
	FulfilledYes Fulfilled = iota
	// FulfilledNo means the corresponding make func must run.
	FulfilledNo
	// FulfilledUnchecked means the task has no reliable state check and
	// should always run; a failing make is still reported as such, and a
	// successful one passes without a post-check.
	FulfilledUnchecked
)

// Task is one host-level operation realizing or withdrawing a single
// parameter. CheckPresent/MakePresent are used when a parameter targets
// Present; CheckAbsent/MakeAbsent when it targets Absent.
type Task interface {
	Description() string
	CheckPresent(ctx context.Context) (Fulfilled, error)
	MakePresent(ctx context.Context) error
	CheckAbsent(ctx context.Context) (Fulfilled, error)
	MakeAbsent(ctx context.Context) error
}
