package board

import (
	"errors"
	"fmt"
)

var (
	// ErrMoveInFlight is returned when a task already has an unresolved move.
	ErrMoveInFlight = errors.New("task already has a move in flight")
	// ErrGestureActive is returned when a task is already mid-drag.
	ErrGestureActive = errors.New("task already has an active drag gesture")
	// ErrUnknownGesture is returned for gesture IDs the controller does not track.
	ErrUnknownGesture = errors.New("unknown drag gesture")
	// ErrUnknownTask is returned by task actions addressing an ID the store does not hold.
	ErrUnknownTask = errors.New("unknown task")
	// ErrUnknownColumn is returned by column actions addressing an ID the store does not hold.
	ErrUnknownColumn = errors.New("unknown column")
	// ErrNoPendingMove is returned when a revert targets a task with nothing in flight.
	ErrNoPendingMove = errors.New("no pending move for task")
	// ErrLastColumn is returned when a delete would leave the board without columns.
	ErrLastColumn = errors.New("cannot delete the last column")
	// ErrOrderMismatch is returned when a reorder does not list exactly the board's columns.
	ErrOrderMismatch = errors.New("ordering does not match board columns")
)

// RejectedMoveError is returned when WIP admission control refuses a drop.
// The refusal is synchronous and happens before any state mutation.
type RejectedMoveError struct {
	TaskID   string
	ColumnID string
	Limit    int
	Count    int
}

func (e *RejectedMoveError) Error() string {
	return fmt.Sprintf("move of %s rejected: column %s is at its limit (%d/%d)", e.TaskID, e.ColumnID, e.Count, e.Limit)
}

// WipLimitExceeded marks the error for API-level classification.
func (e *RejectedMoveError) WipLimitExceeded() {}

// InvariantViolationError reports a task that derives into zero or multiple
// columns. The gesture that observed it aborts and the engine schedules a
// full resync.
type InvariantViolationError struct {
	TaskID      string
	Occurrences int
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("task %s derives into %d columns, want exactly 1", e.TaskID, e.Occurrences)
}

// StructuralInconsistency marks the error for API-level classification.
func (e *InvariantViolationError) StructuralInconsistency() {}
