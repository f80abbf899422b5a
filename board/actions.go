package board

import "github.com/cabril87/100-days-of-fullstack-sub005/domain"

// Action is the closed set of state transitions the store accepts. The
// interface is sealed; nothing outside this package can add a transition.
type Action interface {
	actionName() string
}

// SetBoard replaces board metadata and the column layout wholesale, as
// fetched from the source of truth.
type SetBoard struct {
	Board domain.Board
}

// SetColumns replaces the column layout wholesale.
type SetColumns struct {
	Columns []domain.Column
}

// MoveTask sets a task's status and intra-column position. A nil Order
// appends the task to the end of the column its status derives into.
type MoveTask struct {
	TaskID string
	Status domain.Status
	Order  *int
}

// RevertMove undoes the optimistic mutation of the task's pending move,
// restoring the exact prior status and order recorded when the move began.
// It consumes the pending record and stores Cause as the task's move error.
type RevertMove struct {
	TaskID string
	Seq    uint64
	Cause  error
}

// SetTasks replaces the task list wholesale. Tasks with an in-flight move
// keep their optimistic status and order; a refresh never clobbers them.
type SetTasks struct {
	Tasks []domain.Task
}

// AddColumn appends a column to the layout.
type AddColumn struct {
	Column domain.Column
}

// UpdateColumn replaces a column in place, matched by ID.
type UpdateColumn struct {
	Column domain.Column
}

// DeleteColumn removes a column from the layout.
type DeleteColumn struct {
	ColumnID string
}

// ReorderColumns applies a new total ordering. OrderedIDs must be a
// permutation of the current column IDs.
type ReorderColumns struct {
	OrderedIDs []string
}

func (SetBoard) actionName() string       { return "set-board" }
func (SetColumns) actionName() string     { return "set-columns" }
func (MoveTask) actionName() string       { return "move-task" }
func (RevertMove) actionName() string     { return "revert-move" }
func (SetTasks) actionName() string       { return "set-tasks" }
func (AddColumn) actionName() string      { return "add-column" }
func (UpdateColumn) actionName() string   { return "update-column" }
func (DeleteColumn) actionName() string   { return "delete-column" }
func (ReorderColumns) actionName() string { return "reorder-columns" }
