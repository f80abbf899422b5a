package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/cabril87/100-days-of-fullstack-sub005/domain"
)

// Config assembles one board engine.
type Config struct {
	BoardID string
	Tasks   TaskFetcher
	Boards  BoardFetcher
	Updater TaskUpdater
	Columns ColumnService
	Sink    EventSink

	// DefaultColumns seed the layout when the fetched board has none.
	DefaultColumns []domain.Column

	MoveTimeout time.Duration
	GestureTTL  time.Duration
	SweepEvery  time.Duration

	Logger *log.Logger
}

// Engine composes the store, drag controller, syncer, and merger for one
// board and runs their background work: gesture sweeping and scheduled
// resyncs.
type Engine struct {
	boardID string
	origin  string

	store  *Store
	ctrl   *Controller
	syncer *Syncer
	merger *Merger

	boards         BoardFetcher
	tasks          TaskFetcher
	columnSvc      ColumnService
	sink           EventSink
	defaultColumns []domain.Column

	moveTimeout time.Duration
	gestureTTL  time.Duration
	sweepEvery  time.Duration

	resync   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *log.Logger
}

// NewEngine builds the engine and starts its background loop. State arrives
// on Load.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.BoardID == "" {
		return nil, errors.New("board id is required")
	}
	if cfg.Tasks == nil || cfg.Boards == nil || cfg.Updater == nil {
		return nil, errors.New("task fetcher, board fetcher and task updater are required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.MoveTimeout <= 0 {
		cfg.MoveTimeout = 30 * time.Second
	}
	if cfg.GestureTTL <= 0 {
		cfg.GestureTTL = 2 * time.Minute
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 30 * time.Second
	}

	origin := uuid.NewString()
	store := NewStore(cfg.Logger)
	e := &Engine{
		boardID:        cfg.BoardID,
		origin:         origin,
		store:          store,
		ctrl:           NewController(store, cfg.Logger),
		syncer:         NewSyncer(store, cfg.Updater, cfg.Sink, cfg.BoardID, origin, cfg.MoveTimeout, cfg.Logger),
		merger:         NewMerger(store, cfg.Tasks, cfg.Boards, cfg.BoardID, cfg.Logger),
		boards:         cfg.Boards,
		tasks:          cfg.Tasks,
		columnSvc:      cfg.Columns,
		sink:           cfg.Sink,
		defaultColumns: domain.CloneColumns(cfg.DefaultColumns),
		moveTimeout:    cfg.MoveTimeout,
		gestureTTL:     cfg.GestureTTL,
		sweepEvery:     cfg.SweepEvery,
		resync:         make(chan struct{}, 1),
		stop:           make(chan struct{}),
		logger:         cfg.Logger,
	}
	e.syncer.resolved = func(taskID string) {
		e.merger.Replay(bg, taskID)
	}

	e.wg.Add(1)
	go e.run()
	return e, nil
}

func (e *Engine) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.ctrl.SweepAbandoned(e.gestureTTL)
		case <-e.resync:
			ctx, cancel := context.WithTimeout(bg, e.moveTimeout)
			if err := e.loadState(ctx, false); err != nil {
				e.logger.WithError(err).WithField("board", e.boardID).Error("scheduled resync failed")
			}
			cancel()
		}
	}
}

// Load fetches the board and its tasks from the source of truth. A board
// with no stored columns is seeded from the configured default layout.
func (e *Engine) Load(ctx context.Context) error {
	return e.loadState(ctx, true)
}

// Resync refetches everything and replaces local state wholesale.
func (e *Engine) Resync(ctx context.Context) error {
	return e.loadState(ctx, false)
}

func (e *Engine) loadState(ctx context.Context, seed bool) error {
	b, err := e.boards.FetchBoard(ctx, e.boardID)
	if err != nil {
		return fmt.Errorf("fetch board: %w", err)
	}
	if seed && len(b.Columns) == 0 && len(e.defaultColumns) > 0 {
		b.Columns = domain.CloneColumns(e.defaultColumns)
		e.logger.WithFields(log.Fields{
			"board":   e.boardID,
			"columns": len(b.Columns),
		}).Info("seeded default column layout")
	}
	if err := e.store.Dispatch(SetBoard{Board: b}); err != nil {
		return err
	}
	tasks, err := e.tasks.FetchTasks(ctx, e.boardID)
	if err != nil {
		return fmt.Errorf("fetch tasks: %w", err)
	}
	return e.store.Dispatch(SetTasks{Tasks: tasks})
}

// ScheduleResync requests a background resync. Requests coalesce.
func (e *Engine) ScheduleResync() {
	select {
	case e.resync <- struct{}{}:
	default:
	}
}

// BeginDrag starts a drag gesture for a task.
func (e *Engine) BeginDrag(taskID string) (Gesture, error) {
	g, err := e.ctrl.Begin(taskID)
	if err != nil {
		e.resyncOnViolation(err)
		return Gesture{}, err
	}
	return g, nil
}

// HoverDrag updates the gesture's candidate destination.
func (e *Engine) HoverDrag(gestureID string, target DropTarget) (Gesture, error) {
	return e.ctrl.Hover(gestureID, target)
}

// CancelDrag ends the gesture with zero mutation.
func (e *Engine) CancelDrag(gestureID string) error {
	return e.ctrl.Cancel(gestureID)
}

// Drop ends the gesture and executes the controller's decision: cross-column
// moves go through the syncer, same-column column drops append locally,
// everything else leaves state untouched. For a DropMoved outcome the
// returned channel delivers the move's settlement.
func (e *Engine) Drop(ctx context.Context, gestureID string, target DropTarget) (DropDecision, <-chan MoveResult, error) {
	dec, err := e.ctrl.Drop(gestureID, target)
	if err != nil {
		e.resyncOnViolation(err)
		return dec, nil, err
	}

	switch dec.Outcome {
	case DropMoved:
		destStatus, ok := e.columnStatus(dec.DestColumnID)
		if !ok {
			return dec, nil, fmt.Errorf("%w: %s", ErrUnknownColumn, dec.DestColumnID)
		}
		_, results, err := e.syncer.ApplyMove(ctx, dec.TaskID, dec.SourceColumnID, dec.DestColumnID, destStatus)
		if err != nil {
			return dec, nil, err
		}
		return dec, results, nil

	case DropReordered:
		t, ok := e.store.Task(dec.TaskID)
		if !ok {
			return dec, nil, fmt.Errorf("%w: %s", ErrUnknownTask, dec.TaskID)
		}
		// Position only: the status stays exactly as it is, so fallback
		// tasks keep deriving into the same column.
		if err := e.store.Dispatch(MoveTask{TaskID: dec.TaskID, Status: t.Status}); err != nil {
			return dec, nil, err
		}
		return dec, nil, nil

	default:
		return dec, nil, nil
	}
}

func (e *Engine) resyncOnViolation(err error) {
	var iv *InvariantViolationError
	if errors.As(err, &iv) {
		e.logger.WithFields(log.Fields{
			"board":       e.boardID,
			"task":        iv.TaskID,
			"occurrences": iv.Occurrences,
		}).Warn("derived placement is corrupted, scheduling resync")
		e.ScheduleResync()
	}
}

func (e *Engine) columnStatus(columnID string) (domain.Status, bool) {
	for _, col := range e.store.Columns() {
		if col.ID == columnID {
			return col.MappedStatus, true
		}
	}
	return "", false
}

func validateOrdering(columns []domain.Column, orderedIDs []string) error {
	if len(orderedIDs) != len(columns) {
		return fmt.Errorf("%w: lists %d of %d columns", ErrOrderMismatch, len(orderedIDs), len(columns))
	}
	seen := make(map[string]struct{}, len(orderedIDs))
	for _, id := range orderedIDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: column %s listed twice", ErrOrderMismatch, id)
		}
		seen[id] = struct{}{}
	}
	for _, c := range columns {
		if _, ok := seen[c.ID]; !ok {
			return fmt.Errorf("%w: column %s missing", ErrOrderMismatch, c.ID)
		}
	}
	return nil
}

// HandleRemoteEvent folds one collaborator event into local state. Events
// this engine published itself are skipped.
func (e *Engine) HandleRemoteEvent(ctx context.Context, ev domain.Event) error {
	if ev.Origin != "" && ev.Origin == e.origin {
		return nil
	}
	return e.merger.Handle(ctx, ev)
}

// CreateColumn creates a column remotely, folds it into local state, and
// announces it. New columns append to the end of the layout.
func (e *Engine) CreateColumn(ctx context.Context, col domain.Column) (domain.Column, error) {
	if e.columnSvc == nil {
		return domain.Column{}, errors.New("column service unavailable")
	}
	if col.ID == "" {
		col.ID = uuid.NewString()
	}
	existing := e.store.Columns()
	col.Order = len(existing)
	if _, err := domain.NewStatusIndex(append(existing, col)); err != nil {
		return domain.Column{}, err
	}

	created, err := e.columnSvc.CreateColumn(ctx, e.boardID, col)
	if err != nil {
		return domain.Column{}, err
	}
	if err := e.store.Dispatch(AddColumn{Column: created}); err != nil {
		e.ScheduleResync()
		return created, err
	}
	e.publishEvent(ctx, domain.EntityColumn, created.ID, domain.ColumnCreated, domain.ColumnData{Column: created})
	return created, nil
}

// UpdateColumn updates a column remotely, folds it into local state, and
// announces it.
func (e *Engine) UpdateColumn(ctx context.Context, col domain.Column) (domain.Column, error) {
	if e.columnSvc == nil {
		return domain.Column{}, errors.New("column service unavailable")
	}
	existing := e.store.Columns()
	found := false
	cand := make([]domain.Column, 0, len(existing))
	for _, c := range existing {
		if c.ID == col.ID {
			found = true
			cand = append(cand, col)
			continue
		}
		cand = append(cand, c)
	}
	if !found {
		return domain.Column{}, fmt.Errorf("%w: %s", ErrUnknownColumn, col.ID)
	}
	if _, err := domain.NewStatusIndex(cand); err != nil {
		return domain.Column{}, err
	}

	updated, err := e.columnSvc.UpdateColumn(ctx, e.boardID, col)
	if err != nil {
		return domain.Column{}, err
	}
	if err := e.store.Dispatch(UpdateColumn{Column: updated}); err != nil {
		e.ScheduleResync()
		return updated, err
	}
	e.publishEvent(ctx, domain.EntityColumn, updated.ID, domain.ColumnUpdated, domain.ColumnData{Column: updated})
	return updated, nil
}

// DeleteColumn deletes a column remotely, folds the removal into local
// state, and announces it. Tasks mapped to the removed column fall back to
// the first column on the next derivation.
func (e *Engine) DeleteColumn(ctx context.Context, columnID string) error {
	if e.columnSvc == nil {
		return errors.New("column service unavailable")
	}
	existing := e.store.Columns()
	found := false
	for _, c := range existing {
		if c.ID == columnID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownColumn, columnID)
	}
	if len(existing) == 1 {
		return ErrLastColumn
	}

	if err := e.columnSvc.DeleteColumn(ctx, e.boardID, columnID); err != nil {
		return err
	}
	if err := e.store.Dispatch(DeleteColumn{ColumnID: columnID}); err != nil {
		e.ScheduleResync()
		return err
	}
	e.publishEvent(ctx, domain.EntityColumn, columnID, domain.ColumnDeleted, nil)
	return nil
}

// ReorderColumns applies a new total column ordering remotely and locally
// and announces it. The ordering must be a permutation of the current
// columns; anything else is rejected before the remote write.
func (e *Engine) ReorderColumns(ctx context.Context, orderedIDs []string) error {
	if e.columnSvc == nil {
		return errors.New("column service unavailable")
	}
	if err := validateOrdering(e.store.Columns(), orderedIDs); err != nil {
		return err
	}
	if err := e.columnSvc.ReorderColumns(ctx, e.boardID, orderedIDs); err != nil {
		return err
	}
	if err := e.store.Dispatch(ReorderColumns{OrderedIDs: orderedIDs}); err != nil {
		e.ScheduleResync()
		return err
	}
	e.publishEvent(ctx, domain.EntityBoard, e.boardID, domain.ColumnsReordered, domain.ColumnsReorderedData{OrderedIDs: orderedIDs})
	return nil
}

func (e *Engine) publishEvent(ctx context.Context, entityType, entityID, eventType string, data any) {
	if e.sink == nil {
		return
	}
	ev, err := domain.NewEvent(e.boardID, entityType, entityID, eventType, data)
	if err != nil {
		e.logger.WithError(err).WithField("type", eventType).Error("encode event")
		return
	}
	ev.Origin = e.origin
	if err := e.sink.Publish(ctx, ev); err != nil {
		e.logger.WithError(err).WithFields(log.Fields{"event": ev.ID, "type": eventType}).Error("publish event")
	}
}

// BoardID returns the board this engine serves.
func (e *Engine) BoardID() string { return e.boardID }

// Snapshot returns a consistent copy of the board state.
func (e *Engine) Snapshot() Snapshot { return e.store.Snapshot() }

// WipReport derives the WIP state of every column.
func (e *Engine) WipReport() []ColumnWip { return e.store.WipReport() }

// Changed returns the store's coalesced change signal.
func (e *Engine) Changed() <-chan struct{} { return e.store.Changed() }

// Close stops background work and waits for in-flight moves to settle.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
	e.wg.Wait()
	e.syncer.Wait()
}
