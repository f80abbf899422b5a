package board

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/cabril87/100-days-of-fullstack-sub005/domain"
)

// Merger folds remote collaborator events into the store. Task events for a
// task with an in-flight local move are queued and replayed in arrival order
// once the move settles; everything else applies immediately.
type Merger struct {
	store   *Store
	tasks   TaskFetcher
	boards  BoardFetcher
	boardID string
	logger  *log.Logger

	mu       sync.Mutex
	deferred map[string][]domain.Event
}

func NewMerger(store *Store, tasks TaskFetcher, boards BoardFetcher, boardID string, logger *log.Logger) *Merger {
	if logger == nil {
		panic("logger is required")
	}
	return &Merger{
		store:    store,
		tasks:    tasks,
		boards:   boards,
		boardID:  boardID,
		logger:   logger,
		deferred: map[string][]domain.Event{},
	}
}

// Handle routes one remote event: defer when it targets a task whose move is
// in flight, apply otherwise.
func (m *Merger) Handle(ctx context.Context, ev domain.Event) error {
	if ev.BoardID != "" && ev.BoardID != m.boardID {
		return fmt.Errorf("event %s targets board %s, not %s", ev.ID, ev.BoardID, m.boardID)
	}
	if ev.TaskEvent() && ev.EntityID != "" {
		m.mu.Lock()
		if m.store.HasPendingMove(ev.EntityID) {
			m.deferred[ev.EntityID] = append(m.deferred[ev.EntityID], ev)
			queued := len(m.deferred[ev.EntityID])
			m.mu.Unlock()
			m.logger.WithFields(log.Fields{
				"event":  ev.ID,
				"task":   ev.EntityID,
				"queued": queued,
			}).Debug("deferred remote event during in-flight move")
			return nil
		}
		m.mu.Unlock()
	}
	return m.apply(ctx, ev)
}

// Replay drains the deferred queue of a task after its move settled. Intake
// blocks while the queue drains, so replayed events keep their arrival order
// relative to anything arriving mid-replay. If a new move for the task
// begins while draining, the remainder stays queued for the next replay.
func (m *Merger) Replay(ctx context.Context, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.deferred[taskID]
	delete(m.deferred, taskID)
	for i, ev := range queue {
		if m.store.HasPendingMove(taskID) {
			m.deferred[taskID] = queue[i:]
			return
		}
		if err := m.apply(ctx, ev); err != nil {
			m.logger.WithError(err).WithFields(log.Fields{
				"event": ev.ID,
				"task":  taskID,
			}).Warn("deferred event failed to apply")
		}
	}
}

// DeferredEvents reports how many events are queued for a task.
func (m *Merger) DeferredEvents(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deferred[taskID])
}

func (m *Merger) apply(ctx context.Context, ev domain.Event) error {
	switch ev.Type {
	case domain.TaskMoved:
		var data domain.TaskMovedData
		if err := ev.UnmarshalData(&data); err != nil {
			return fmt.Errorf("decode %s payload: %w", ev.Type, err)
		}
		err := m.store.Dispatch(MoveTask{TaskID: ev.EntityID, Status: data.Status, Order: data.Order})
		if errors.Is(err, ErrUnknownTask) {
			// A collaborator moved a task this engine has never fetched.
			return m.refetchTasks(ctx)
		}
		return err

	case domain.TaskCreated, domain.TaskUpdated, domain.TaskDeleted:
		// The action set is closed over whole-list task refreshes; per-task
		// CRUD resolves through a refetch.
		return m.refetchTasks(ctx)

	case domain.ColumnCreated:
		var data domain.ColumnData
		if err := ev.UnmarshalData(&data); err != nil {
			return fmt.Errorf("decode %s payload: %w", ev.Type, err)
		}
		return m.applyColumn(ctx, ev, AddColumn{Column: data.Column})

	case domain.ColumnUpdated:
		var data domain.ColumnData
		if err := ev.UnmarshalData(&data); err != nil {
			return fmt.Errorf("decode %s payload: %w", ev.Type, err)
		}
		return m.applyColumn(ctx, ev, UpdateColumn{Column: data.Column})

	case domain.ColumnDeleted:
		return m.applyColumn(ctx, ev, DeleteColumn{ColumnID: ev.EntityID})

	case domain.ColumnsReordered:
		var data domain.ColumnsReorderedData
		if err := ev.UnmarshalData(&data); err != nil {
			return fmt.Errorf("decode %s payload: %w", ev.Type, err)
		}
		return m.applyColumn(ctx, ev, ReorderColumns{OrderedIDs: data.OrderedIDs})

	case domain.BoardUpdated:
		var data domain.BoardUpdatedData
		if err := ev.UnmarshalData(&data); err != nil {
			return fmt.Errorf("decode %s payload: %w", ev.Type, err)
		}
		b := m.store.Board()
		if data.Name != nil {
			b.Name = *data.Name
		}
		if data.EnableWipLimits != nil {
			b.EnableWipLimits = *data.EnableWipLimits
		}
		return m.store.Dispatch(SetBoard{Board: b})

	default:
		m.logger.WithFields(log.Fields{"event": ev.ID, "type": ev.Type}).Debug("ignoring unhandled event type")
		return nil
	}
}

// applyColumn dispatches a column action and falls back to a board refetch
// when the remote layout conflicts with the local one.
func (m *Merger) applyColumn(ctx context.Context, ev domain.Event, act Action) error {
	err := m.store.Dispatch(act)
	if err == nil {
		return nil
	}
	m.logger.WithError(err).WithFields(log.Fields{
		"event": ev.ID,
		"type":  ev.Type,
	}).Warn("column event conflicts with local layout, refetching board")
	return m.refetchBoard(ctx)
}

func (m *Merger) refetchTasks(ctx context.Context) error {
	tasks, err := m.tasks.FetchTasks(ctx, m.boardID)
	if err != nil {
		return fmt.Errorf("refetch tasks: %w", err)
	}
	return m.store.Dispatch(SetTasks{Tasks: tasks})
}

func (m *Merger) refetchBoard(ctx context.Context) error {
	b, err := m.boards.FetchBoard(ctx, m.boardID)
	if err != nil {
		return fmt.Errorf("refetch board: %w", err)
	}
	return m.store.Dispatch(SetBoard{Board: b})
}
