package board

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cabril87/100-days-of-fullstack-sub005/domain"
)

var bg = context.Background()

// MoveResult is the settled outcome of one optimistic move.
type MoveResult struct {
	TaskID    string      `json:"taskId"`
	Seq       uint64      `json:"seq"`
	Confirmed bool        `json:"confirmed"`
	Task      domain.Task `json:"task"`
	Err       error       `json:"-"`
}

// Syncer applies admitted moves optimistically and reconciles them against
// the remote source of truth. The optimistic value is visible in snapshots
// before the network round trip; on remote failure the move is reverted to
// the exact prior status and order and the failure is recorded per task.
type Syncer struct {
	store   *Store
	updater TaskUpdater
	sink    EventSink
	boardID string
	origin  string
	timeout time.Duration
	logger  *log.Logger

	// resolved is invoked after a move settles, before the result is
	// delivered. The merger hangs its deferred-event replay here.
	resolved func(taskID string)

	wg sync.WaitGroup
}

func NewSyncer(store *Store, updater TaskUpdater, sink EventSink, boardID, origin string, timeout time.Duration, logger *log.Logger) *Syncer {
	if logger == nil {
		panic("logger is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Syncer{
		store:   store,
		updater: updater,
		sink:    sink,
		boardID: boardID,
		origin:  origin,
		timeout: timeout,
		logger:  logger,
	}
}

// ApplyMove begins the pending move, applies the optimistic mutation, and
// settles against the remote asynchronously. The returned channel delivers
// exactly one MoveResult and is then closed. A task with a move already in
// flight fails with ErrMoveInFlight before anything mutates.
//
// The remote call is detached from ctx: an accepted move always settles,
// even when the caller goes away.
func (y *Syncer) ApplyMove(ctx context.Context, taskID, sourceColumnID, destColumnID string, destStatus domain.Status) (PendingMove, <-chan MoveResult, error) {
	rec, err := y.store.BeginMove(taskID, sourceColumnID, destColumnID)
	if err != nil {
		return PendingMove{}, nil, err
	}

	if err := y.store.Dispatch(MoveTask{TaskID: taskID, Status: destStatus}); err != nil {
		// The task vanished between begin and apply; undo the bookkeeping.
		if derr := y.store.Dispatch(RevertMove{TaskID: taskID, Seq: rec.Seq, Cause: err}); derr != nil {
			y.logger.WithError(derr).WithField("task", taskID).Error("revert after failed apply")
		}
		y.notifyResolved(taskID)
		return PendingMove{}, nil, err
	}

	results := make(chan MoveResult, 1)
	y.wg.Add(1)
	go y.settle(rec, destStatus, results)
	return rec, results, nil
}

func (y *Syncer) settle(rec PendingMove, destStatus domain.Status, results chan<- MoveResult) {
	defer y.wg.Done()
	defer close(results)

	ctx, cancel := context.WithTimeout(bg, y.timeout)
	task, err := y.updater.UpdateTaskStatus(ctx, y.boardID, rec.TaskID, destStatus)
	cancel()

	if err != nil {
		if derr := y.store.Dispatch(RevertMove{TaskID: rec.TaskID, Seq: rec.Seq, Cause: err}); derr != nil {
			y.logger.WithError(derr).WithField("task", rec.TaskID).Error("revert dispatch failed")
		}
		y.logger.WithError(err).WithFields(log.Fields{
			"task": rec.TaskID,
			"from": rec.SourceColumnID,
			"to":   rec.DestColumnID,
		}).Warn("move rejected by remote, reverted")
		y.notifyResolved(rec.TaskID)
		results <- MoveResult{TaskID: rec.TaskID, Seq: rec.Seq, Err: err}
		return
	}

	if _, ok := y.store.ResolveMove(rec.TaskID, rec.Seq); !ok {
		y.logger.WithField("task", rec.TaskID).Warn("pending move vanished before confirm")
	}
	y.publishMoved(rec, destStatus)
	y.notifyResolved(rec.TaskID)
	results <- MoveResult{TaskID: rec.TaskID, Seq: rec.Seq, Confirmed: true, Task: task}
}

func (y *Syncer) publishMoved(rec PendingMove, destStatus domain.Status) {
	if y.sink == nil {
		return
	}
	data := domain.TaskMovedData{
		Status:       destStatus,
		FromColumnID: rec.SourceColumnID,
		ToColumnID:   rec.DestColumnID,
	}
	if cur, ok := y.store.Task(rec.TaskID); ok {
		order := cur.Order
		data.Order = &order
	}
	ev, err := domain.NewEvent(y.boardID, domain.EntityTask, rec.TaskID, domain.TaskMoved, data)
	if err != nil {
		y.logger.WithError(err).Error("encode task-moved event")
		return
	}
	ev.Origin = y.origin

	ctx, cancel := context.WithTimeout(bg, y.timeout)
	defer cancel()
	if err := y.sink.Publish(ctx, ev); err != nil {
		y.logger.WithError(err).WithField("event", ev.ID).Error("publish task-moved event")
	}
}

func (y *Syncer) notifyResolved(taskID string) {
	if y.resolved != nil {
		y.resolved(taskID)
	}
}

// Wait blocks until every in-flight move has settled.
func (y *Syncer) Wait() {
	y.wg.Wait()
}
