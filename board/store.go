package board

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cabril87/100-days-of-fullstack-sub005/domain"
)

// MoveState is the lifecycle of a pending move.
type MoveState string

const (
	MoveInFlight  MoveState = "in-flight"
	MoveConfirmed MoveState = "confirmed"
	MoveFailed    MoveState = "failed"
)

// PendingMove is the bookkeeping for one optimistic move awaiting the remote
// outcome. Prior status and order are recorded at begin time so a failed move
// can be undone exactly.
type PendingMove struct {
	TaskID         string        `json:"taskId"`
	SourceColumnID string        `json:"sourceColumnId"`
	DestColumnID   string        `json:"destColumnId"`
	Seq            uint64        `json:"seq"`
	State          MoveState     `json:"state"`
	PriorStatus    domain.Status `json:"-"`
	PriorOrder     int           `json:"-"`
	StartedAt      time.Time     `json:"startedAt"`
}

// MoveError is the per-task record of the most recent failed move.
type MoveError struct {
	TaskID  string    `json:"taskId"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ColumnSnapshot is one column of a snapshot with its derived tasks.
type ColumnSnapshot struct {
	domain.Column
	Tasks []domain.Task   `json:"tasks"`
	Count int             `json:"count"`
	Wip   domain.WipState `json:"wip"`
}

// Snapshot is a consistent read of the whole board state.
type Snapshot struct {
	BoardID         string           `json:"boardId"`
	Name            string           `json:"name"`
	EnableWipLimits bool             `json:"enableWipLimits"`
	Columns         []ColumnSnapshot `json:"columns"`
	PendingMoves    []PendingMove    `json:"pendingMoves,omitempty"`
	MoveErrors      []MoveError      `json:"moveErrors,omitempty"`
	Version         uint64           `json:"version"`
}

// Store holds the authoritative in-memory state of one board. All mutation
// funnels through Dispatch under a single lock, so dispatched actions apply
// in a total order. Dispatch performs no I/O and either applies an action
// fully or returns an error leaving state untouched.
type Store struct {
	mu         sync.Mutex
	board      domain.Board
	columns    []domain.Column
	tasks      []domain.Task
	byID       map[string]int
	pending    map[string]PendingMove
	moveErrors map[string]MoveError
	nextSeq    uint64
	version    uint64
	changed    chan struct{}
	logger     *log.Logger
}

// NewStore creates an empty store. State arrives via SetBoard and SetTasks.
func NewStore(logger *log.Logger) *Store {
	if logger == nil {
		panic("logger is required")
	}
	return &Store{
		byID:       map[string]int{},
		pending:    map[string]PendingMove{},
		moveErrors: map[string]MoveError{},
		changed:    make(chan struct{}, 1),
		logger:     logger,
	}
}

// Dispatch applies one action.
func (s *Store) Dispatch(a Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch act := a.(type) {
	case SetBoard:
		err = s.applySetBoard(act)
	case SetColumns:
		err = s.applySetColumns(act)
	case MoveTask:
		err = s.applyMoveTask(act)
	case RevertMove:
		err = s.applyRevertMove(act)
	case SetTasks:
		s.applySetTasks(act)
	case AddColumn:
		err = s.applyAddColumn(act)
	case UpdateColumn:
		err = s.applyUpdateColumn(act)
	case DeleteColumn:
		err = s.applyDeleteColumn(act)
	case ReorderColumns:
		err = s.applyReorderColumns(act)
	default:
		err = fmt.Errorf("unsupported action %T", a)
	}
	if err != nil {
		return err
	}

	s.version++
	s.notifyLocked()
	s.logger.WithFields(log.Fields{"action": a.actionName(), "version": s.version}).Debug("action applied")
	return nil
}

func (s *Store) applySetBoard(a SetBoard) error {
	cols := domain.CloneColumns(a.Board.Columns)
	domain.NormalizeColumnOrder(cols)
	s.warnAmbiguousLocked(cols)
	s.board = domain.Board{ID: a.Board.ID, Name: a.Board.Name, EnableWipLimits: a.Board.EnableWipLimits}
	s.columns = cols
	return nil
}

func (s *Store) applySetColumns(a SetColumns) error {
	cols := domain.CloneColumns(a.Columns)
	domain.NormalizeColumnOrder(cols)
	s.warnAmbiguousLocked(cols)
	s.columns = cols
	return nil
}

// Bulk loads accept the server's layout even when it is ambiguous; derivation
// resolves ambiguity by first claimant. Incremental column actions reject it.
func (s *Store) warnAmbiguousLocked(cols []domain.Column) {
	if len(cols) == 0 {
		return
	}
	if _, err := domain.NewStatusIndex(cols); err != nil {
		var dup *domain.DuplicateStatusError
		if errors.As(err, &dup) {
			s.logger.WithFields(log.Fields{
				"status":  string(dup.Status),
				"columns": fmt.Sprintf("%s,%s", dup.ColumnIDs[0], dup.ColumnIDs[1]),
			}).Warn("ambiguous column layout loaded")
		}
	}
}

func (s *Store) applyMoveTask(a MoveTask) error {
	i, ok := s.byID[a.TaskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, a.TaskID)
	}
	s.tasks[i].Status = a.Status
	if a.Order != nil {
		s.tasks[i].Order = *a.Order
		return nil
	}
	s.tasks[i].Order = s.appendOrderLocked(a.TaskID)
	return nil
}

// appendOrderLocked computes the order placing the task after every other
// task in the column its current status derives into.
func (s *Store) appendOrderLocked(taskID string) int {
	p := domain.DeriveBoard(s.tasks, s.columns)
	colID, ok := p.ColumnOf(taskID)
	if !ok {
		return 0
	}
	max := -1
	for _, t := range p.Tasks(colID) {
		if t.ID == taskID {
			continue
		}
		if t.Order > max {
			max = t.Order
		}
	}
	return max + 1
}

func (s *Store) applyRevertMove(a RevertMove) error {
	rec, ok := s.pending[a.TaskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingMove, a.TaskID)
	}
	if rec.Seq != a.Seq {
		return fmt.Errorf("pending move for %s is seq %d, not %d", a.TaskID, rec.Seq, a.Seq)
	}
	if i, ok := s.byID[a.TaskID]; ok {
		s.tasks[i].Status = rec.PriorStatus
		s.tasks[i].Order = rec.PriorOrder
	}
	delete(s.pending, a.TaskID)
	msg := "move rejected by remote"
	if a.Cause != nil {
		msg = a.Cause.Error()
	}
	s.moveErrors[a.TaskID] = MoveError{TaskID: a.TaskID, Message: msg, At: time.Now().UTC()}
	return nil
}

func (s *Store) applySetTasks(a SetTasks) {
	fresh := domain.CloneTasks(a.Tasks)
	for i := range fresh {
		rec, ok := s.pending[fresh[i].ID]
		if !ok || rec.State != MoveInFlight {
			continue
		}
		if j, ok := s.byID[fresh[i].ID]; ok {
			fresh[i].Status = s.tasks[j].Status
			fresh[i].Order = s.tasks[j].Order
		}
	}
	s.tasks = fresh
	s.reindexLocked()
}

func (s *Store) applyAddColumn(a AddColumn) error {
	col := a.Column
	if col.ID == "" {
		return errors.New("column id is required")
	}
	for _, c := range s.columns {
		if c.ID == col.ID {
			return fmt.Errorf("column %s already exists", col.ID)
		}
	}
	if err := s.checkStatusUniqueLocked(col.MappedStatus, col.ID); err != nil {
		return err
	}
	s.columns = append(s.columns, col)
	domain.NormalizeColumnOrder(s.columns)
	return nil
}

func (s *Store) applyUpdateColumn(a UpdateColumn) error {
	idx := -1
	for i, c := range s.columns {
		if c.ID == a.Column.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownColumn, a.Column.ID)
	}
	if err := s.checkStatusUniqueLocked(a.Column.MappedStatus, a.Column.ID); err != nil {
		return err
	}
	s.columns[idx] = a.Column
	domain.NormalizeColumnOrder(s.columns)
	return nil
}

func (s *Store) applyDeleteColumn(a DeleteColumn) error {
	kept := make([]domain.Column, 0, len(s.columns))
	found := false
	for _, c := range s.columns {
		if c.ID == a.ColumnID {
			found = true
			continue
		}
		kept = append(kept, c)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownColumn, a.ColumnID)
	}
	s.columns = kept
	domain.NormalizeColumnOrder(s.columns)
	return nil
}

func (s *Store) applyReorderColumns(a ReorderColumns) error {
	if len(a.OrderedIDs) != len(s.columns) {
		return fmt.Errorf("reorder lists %d columns, board has %d", len(a.OrderedIDs), len(s.columns))
	}
	pos := make(map[string]int, len(a.OrderedIDs))
	for i, id := range a.OrderedIDs {
		if _, dup := pos[id]; dup {
			return fmt.Errorf("duplicate column %s in reorder", id)
		}
		pos[id] = i
	}
	for _, c := range s.columns {
		if _, ok := pos[c.ID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownColumn, c.ID)
		}
	}
	for i := range s.columns {
		s.columns[i].Order = pos[s.columns[i].ID]
	}
	domain.SortColumns(s.columns)
	return nil
}

func (s *Store) checkStatusUniqueLocked(status domain.Status, columnID string) error {
	key := status.Normalize()
	for _, c := range s.columns {
		if c.ID == columnID {
			continue
		}
		if c.MappedStatus.Normalize() == key {
			return &domain.DuplicateStatusError{Status: key, ColumnIDs: [2]string{c.ID, columnID}}
		}
	}
	return nil
}

func (s *Store) reindexLocked() {
	s.byID = make(map[string]int, len(s.tasks))
	for i, t := range s.tasks {
		s.byID[t.ID] = i
	}
}

func (s *Store) notifyLocked() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// BeginMove allocates the pending record for an optimistic move, capturing
// the task's prior status and order. At most one move per task may be in
// flight; a second attempt fails with ErrMoveInFlight.
func (s *Store) BeginMove(taskID, sourceColumnID, destColumnID string) (PendingMove, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[taskID]; ok {
		return PendingMove{}, ErrMoveInFlight
	}
	i, ok := s.byID[taskID]
	if !ok {
		return PendingMove{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	s.nextSeq++
	rec := PendingMove{
		TaskID:         taskID,
		SourceColumnID: sourceColumnID,
		DestColumnID:   destColumnID,
		Seq:            s.nextSeq,
		State:          MoveInFlight,
		PriorStatus:    s.tasks[i].Status,
		PriorOrder:     s.tasks[i].Order,
		StartedAt:      time.Now().UTC(),
	}
	s.pending[taskID] = rec
	delete(s.moveErrors, taskID)
	s.version++
	s.notifyLocked()
	return rec, nil
}

// ResolveMove confirms a pending move: the optimistic value stands and only
// the bookkeeping is removed. The boolean is false when no pending move with
// that seq exists.
func (s *Store) ResolveMove(taskID string, seq uint64) (PendingMove, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.pending[taskID]
	if !ok || rec.Seq != seq {
		return PendingMove{}, false
	}
	delete(s.pending, taskID)
	delete(s.moveErrors, taskID)
	rec.State = MoveConfirmed
	s.version++
	s.notifyLocked()
	return rec, true
}

// HasPendingMove reports whether the task has an unresolved move.
func (s *Store) HasPendingMove(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[taskID]
	return ok
}

// PendingMoves lists unresolved moves ordered by seq.
func (s *Store) PendingMoves() []PendingMove {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingListLocked()
}

func (s *Store) pendingListLocked() []PendingMove {
	if len(s.pending) == 0 {
		return nil
	}
	out := make([]PendingMove, 0, len(s.pending))
	for _, rec := range s.pending {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *Store) moveErrorListLocked() []MoveError {
	if len(s.moveErrors) == 0 {
		return nil
	}
	out := make([]MoveError, 0, len(s.moveErrors))
	for _, me := range s.moveErrors {
		out = append(out, me)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// MoveErrors lists per-task move failures ordered by task ID.
func (s *Store) MoveErrors() []MoveError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moveErrorListLocked()
}

// Board returns board metadata with the current column layout.
func (s *Store) Board() domain.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.board
	b.Columns = domain.CloneColumns(s.columns)
	return b
}

// Columns returns the column layout in board order.
func (s *Store) Columns() []domain.Column {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CloneColumns(s.columns)
}

// Task returns one task by ID.
func (s *Store) Task(taskID string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[taskID]
	if !ok {
		return domain.Task{}, false
	}
	return s.tasks[i].Clone(), true
}

// Tasks returns all tasks in storage order.
func (s *Store) Tasks() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CloneTasks(s.tasks)
}

// Placement derives the current column membership.
func (s *Store) Placement() domain.Placement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.DeriveBoard(s.tasks, s.columns)
}

// TasksByColumn derives the ordered tasks of every column.
func (s *Store) TasksByColumn() map[string][]domain.Task {
	p := s.Placement()
	out := make(map[string][]domain.Task, len(p.Columns()))
	for _, col := range p.Columns() {
		out[col.ID] = p.Tasks(col.ID)
	}
	return out
}

// WipReport derives the WIP state of every column.
func (s *Store) WipReport() []ColumnWip {
	return wipReport(s.Placement())
}

// Version returns the dispatch counter. It increases on every applied
// mutation, including pending-move bookkeeping.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Changed returns a channel that receives a coalesced signal after every
// applied mutation.
func (s *Store) Changed() <-chan struct{} {
	return s.changed
}

// Snapshot returns a consistent copy of the whole board state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := domain.DeriveBoard(s.tasks, s.columns)
	cols := p.Columns()
	snap := Snapshot{
		BoardID:         s.board.ID,
		Name:            s.board.Name,
		EnableWipLimits: s.board.EnableWipLimits,
		Columns:         make([]ColumnSnapshot, 0, len(cols)),
		PendingMoves:    s.pendingListLocked(),
		MoveErrors:      s.moveErrorListLocked(),
		Version:         s.version,
	}
	for _, col := range cols {
		tasks := p.Tasks(col.ID)
		snap.Columns = append(snap.Columns, ColumnSnapshot{
			Column: col,
			Tasks:  tasks,
			Count:  len(tasks),
			Wip:    domain.WipStateFor(col.TaskLimit, len(tasks)),
		})
	}
	return snap
}
