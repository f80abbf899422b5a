package board

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/cabril87/100-days-of-fullstack-sub005/domain"
)

// GestureState is a drag gesture's FSM state. Idle gestures are not tracked;
// a gesture exists only between begin and drop/cancel.
type GestureState string

const (
	GestureIdle      GestureState = "idle"
	GestureDragging  GestureState = "dragging"
	GestureDropped   GestureState = "dropped"
	GestureCancelled GestureState = "cancelled"
)

// TargetKind discriminates what the pointer is over.
type TargetKind string

const (
	TargetColumn TargetKind = "column"
	TargetTask   TargetKind = "task"
)

// DropTarget identifies a hover or drop destination. A task target resolves
// to the column containing that task.
type DropTarget struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

// Gesture is one tracked drag.
type Gesture struct {
	ID                string       `json:"id"`
	TaskID            string       `json:"taskId"`
	SourceColumnID    string       `json:"sourceColumnId"`
	CandidateColumnID string       `json:"candidateColumnId,omitempty"`
	State             GestureState `json:"state"`
	StartedAt         time.Time    `json:"startedAt"`
}

// DropOutcome classifies what a drop decided.
type DropOutcome string

const (
	// DropMoved is a cross-column move admitted by the WIP guard; the caller
	// hands it to the syncer.
	DropMoved DropOutcome = "moved"
	// DropReordered is a same-column drop on the column surface: the task is
	// appended to the end of its column, locally only.
	DropReordered DropOutcome = "reordered"
	// DropNoop is a same-column drop on a sibling task.
	DropNoop DropOutcome = "noop"
	// DropCancelled ends the gesture with zero mutation.
	DropCancelled DropOutcome = "cancelled"
)

// DropDecision is the controller's verdict on a drop. The controller never
// mutates the store; the engine executes the decision.
type DropDecision struct {
	Outcome        DropOutcome `json:"outcome"`
	TaskID         string      `json:"taskId"`
	SourceColumnID string      `json:"sourceColumnId,omitempty"`
	DestColumnID   string      `json:"destColumnId,omitempty"`
}

// Controller drives drag gestures through begin, hover, and drop against the
// store's derived placement. One gesture per task at a time.
type Controller struct {
	store  *Store
	logger *log.Logger

	mu       sync.Mutex
	gestures map[string]Gesture
	byTask   map[string]string
}

func NewController(store *Store, logger *log.Logger) *Controller {
	if logger == nil {
		panic("logger is required")
	}
	return &Controller{
		store:    store,
		logger:   logger,
		gestures: map[string]Gesture{},
		byTask:   map[string]string{},
	}
}

// Begin starts a drag for a task. The task must derive into exactly one
// column, have no move in flight, and not already be mid-drag.
func (c *Controller) Begin(taskID string) (Gesture, error) {
	p := c.store.Placement()
	if occ := p.Occurrences(taskID); occ != 1 {
		return Gesture{}, &InvariantViolationError{TaskID: taskID, Occurrences: occ}
	}
	if c.store.HasPendingMove(taskID) {
		return Gesture{}, ErrMoveInFlight
	}
	srcID, _ := p.ColumnOf(taskID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byTask[taskID]; ok {
		return Gesture{}, ErrGestureActive
	}
	g := Gesture{
		ID:             uuid.NewString(),
		TaskID:         taskID,
		SourceColumnID: srcID,
		State:          GestureDragging,
		StartedAt:      time.Now().UTC(),
	}
	c.gestures[g.ID] = g
	c.byTask[taskID] = g.ID
	return g, nil
}

// Hover records the candidate destination. It is advisory: an unresolvable
// target clears the candidate and is not an error.
func (c *Controller) Hover(gestureID string, target DropTarget) (Gesture, error) {
	p := c.store.Placement()

	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gestures[gestureID]
	if !ok {
		return Gesture{}, ErrUnknownGesture
	}
	candID, _ := resolveTarget(p, target)
	g.CandidateColumnID = candID
	c.gestures[gestureID] = g
	return g, nil
}

// Cancel ends the gesture with zero mutation.
func (c *Controller) Cancel(gestureID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gestures[gestureID]
	if !ok {
		return ErrUnknownGesture
	}
	delete(c.gestures, gestureID)
	delete(c.byTask, g.TaskID)
	return nil
}

// Drop ends the gesture and decides what happens. The decision is made
// against the placement derived at drop time, not the one recorded at begin:
// a task a collaborator moved mid-drag is judged from where it is now.
func (c *Controller) Drop(gestureID string, target DropTarget) (DropDecision, error) {
	p := c.store.Placement()
	policy := c.store.Board().EnableWipLimits

	c.mu.Lock()
	g, ok := c.gestures[gestureID]
	if ok {
		delete(c.gestures, gestureID)
		delete(c.byTask, g.TaskID)
	}
	c.mu.Unlock()
	if !ok {
		return DropDecision{}, ErrUnknownGesture
	}

	if occ := p.Occurrences(g.TaskID); occ != 1 {
		return DropDecision{Outcome: DropCancelled, TaskID: g.TaskID}, &InvariantViolationError{TaskID: g.TaskID, Occurrences: occ}
	}
	curID, _ := p.ColumnOf(g.TaskID)

	destID, resolved := resolveTarget(p, target)
	if !resolved {
		return DropDecision{Outcome: DropCancelled, TaskID: g.TaskID, SourceColumnID: curID}, nil
	}

	if destID == curID {
		outcome := DropReordered
		if target.Kind == TargetTask {
			outcome = DropNoop
		}
		return DropDecision{Outcome: outcome, TaskID: g.TaskID, SourceColumnID: curID, DestColumnID: destID}, nil
	}

	var dest domain.Column
	for _, col := range p.Columns() {
		if col.ID == destID {
			dest = col
			break
		}
	}
	count := p.Count(destID)
	if !CanAdmit(dest, count, policy) {
		return DropDecision{Outcome: DropCancelled, TaskID: g.TaskID, SourceColumnID: curID, DestColumnID: destID},
			&RejectedMoveError{TaskID: g.TaskID, ColumnID: destID, Limit: dest.TaskLimit, Count: count}
	}
	return DropDecision{Outcome: DropMoved, TaskID: g.TaskID, SourceColumnID: curID, DestColumnID: destID}, nil
}

// Gesture returns a tracked gesture by ID.
func (c *Controller) Gesture(gestureID string) (Gesture, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gestures[gestureID]
	return g, ok
}

// SweepAbandoned drops gestures older than maxAge so clients that vanish
// mid-drag cannot leak entries.
func (c *Controller) SweepAbandoned(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, g := range c.gestures {
		if g.StartedAt.Before(cutoff) {
			delete(c.gestures, id)
			delete(c.byTask, g.TaskID)
			n++
		}
	}
	if n > 0 {
		c.logger.WithField("count", n).Info("swept abandoned drag gestures")
	}
	return n
}

func resolveTarget(p domain.Placement, target DropTarget) (string, bool) {
	switch target.Kind {
	case TargetColumn:
		for _, col := range p.Columns() {
			if col.ID == target.ID {
				return col.ID, true
			}
		}
	case TargetTask:
		if colID, ok := p.ColumnOf(target.ID); ok {
			return colID, true
		}
	}
	return "", false
}
