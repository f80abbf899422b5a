package board

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cabril87/100-days-of-fullstack-sub005/domain"
)

type fakeFeed struct {
	mu      sync.Mutex
	subs    []string
	unsubs  []string
	subErr  error
	unsubEr error
}

func (f *fakeFeed) Subscribe(_ context.Context, boardID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return f.subErr
	}
	f.subs = append(f.subs, boardID)
	return nil
}

func (f *fakeFeed) Unsubscribe(_ context.Context, boardID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsubEr != nil {
		return f.unsubEr
	}
	f.unsubs = append(f.unsubs, boardID)
	return nil
}

func (f *fakeFeed) Subs() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := make([]string, len(f.subs))
	copy(subs, f.subs)
	unsubs := make([]string, len(f.unsubs))
	copy(unsubs, f.unsubs)
	return subs, unsubs
}

func newTestEngine(t *testing.T, remote *fakeRemote, sink EventSink) *Engine {
	t.Helper()
	eng, err := NewEngine(Config{
		BoardID: "b1",
		Tasks:   remote,
		Boards:  remote,
		Updater: remote,
		Columns: remote,
		Sink:    sink,
		Logger:  log.New(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	if err := eng.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return eng
}

func TestNewEngineValidation(t *testing.T) {
	remote := newFakeRemote()
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing board", Config{Tasks: remote, Boards: remote, Updater: remote, Logger: log.New()}},
		{"missing deps", Config{BoardID: "b1", Logger: log.New()}},
		{"missing logger", Config{BoardID: "b1", Tasks: remote, Boards: remote, Updater: remote}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewEngine(tc.cfg); err == nil {
				t.Fatalf("expected config error")
			}
		})
	}
}

func TestEngineLoadSeedsDefaultColumns(t *testing.T) {
	remote := newFakeRemote()
	remote.board.Columns = nil
	eng, err := NewEngine(Config{
		BoardID:        "b1",
		Tasks:          remote,
		Boards:         remote,
		Updater:        remote,
		DefaultColumns: testLayout().Columns,
		Logger:         log.New(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	if err := eng.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	snap := eng.Snapshot()
	if len(snap.Columns) != 3 {
		t.Fatalf("expected seeded layout, got %d columns", len(snap.Columns))
	}
	if snap.Columns[0].ID != "col-todo" {
		t.Fatalf("unexpected first column %s", snap.Columns[0].ID)
	}
}

func TestEngineDropConfirmsAndPublishes(t *testing.T) {
	remote := newFakeRemote()
	sink := &captureSink{}
	eng := newTestEngine(t, remote, sink)

	g, err := eng.BeginDrag("t1")
	if err != nil {
		t.Fatalf("begin drag: %v", err)
	}
	dec, results, err := eng.Drop(context.Background(), g.ID, DropTarget{Kind: TargetColumn, ID: "col-done"})
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if dec.Outcome != DropMoved || dec.DestColumnID != "col-done" {
		t.Fatalf("unexpected decision: %#v", dec)
	}

	res := <-results
	if !res.Confirmed {
		t.Fatalf("expected confirmed move, got %#v", res)
	}
	if updates := remote.Updates(); len(updates) != 1 || updates[0] != "t1:done" {
		t.Fatalf("unexpected remote updates: %v", updates)
	}

	waitFor(t, time.Second, "published event", func() bool { return len(sink.Events()) == 1 })
	ev := sink.Events()[0]
	if ev.Type != domain.TaskMoved || ev.Origin == "" {
		t.Fatalf("unexpected event: %#v", ev)
	}
}

func TestEngineDropSameColumnReorders(t *testing.T) {
	remote := newFakeRemote()
	eng := newTestEngine(t, remote, nil)

	g, err := eng.BeginDrag("t1")
	if err != nil {
		t.Fatalf("begin drag: %v", err)
	}
	dec, results, err := eng.Drop(context.Background(), g.ID, DropTarget{Kind: TargetColumn, ID: "col-todo"})
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if dec.Outcome != DropReordered {
		t.Fatalf("expected reorder, got %s", dec.Outcome)
	}
	if results != nil {
		t.Fatalf("reorders settle synchronously")
	}
	if len(remote.Updates()) != 0 {
		t.Fatalf("reorders must not call the remote")
	}

	task, _ := eng.store.Task("t1")
	if task.Status != "todo" || task.Order != 2 {
		t.Fatalf("expected local append todo/2, got %s/%d", task.Status, task.Order)
	}
}

func TestEngineDropRejectedByWipLimit(t *testing.T) {
	remote := newFakeRemote()
	eng := newTestEngine(t, remote, nil)
	// Fill the limited column to its cap first.
	if err := eng.store.Dispatch(MoveTask{TaskID: "t2", Status: "in-progress"}); err != nil {
		t.Fatalf("fill column: %v", err)
	}

	g, err := eng.BeginDrag("t1")
	if err != nil {
		t.Fatalf("begin drag: %v", err)
	}
	dec, _, err := eng.Drop(context.Background(), g.ID, DropTarget{Kind: TargetColumn, ID: "col-doing"})
	if dec.Outcome != DropCancelled {
		t.Fatalf("expected cancelled drop, got %s", dec.Outcome)
	}
	var rejected *RejectedMoveError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedMoveError, got %v", err)
	}
	if rejected.Limit != 2 || rejected.Count != 2 {
		t.Fatalf("unexpected rejection detail: %#v", rejected)
	}
	if len(remote.Updates()) != 0 {
		t.Fatalf("rejected drop must not call the remote")
	}
	task, _ := eng.store.Task("t1")
	if task.Status != "todo" {
		t.Fatalf("rejected drop must not mutate, got %s", task.Status)
	}
}

func TestEngineDropFailureRevertsAndRecords(t *testing.T) {
	remote := newFakeRemote()
	remote.updateErr = errors.New("boom")
	eng := newTestEngine(t, remote, nil)

	g, err := eng.BeginDrag("t1")
	if err != nil {
		t.Fatalf("begin drag: %v", err)
	}
	_, results, err := eng.Drop(context.Background(), g.ID, DropTarget{Kind: TargetColumn, ID: "col-done"})
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	res := <-results
	if res.Confirmed || res.Err == nil {
		t.Fatalf("expected failed settlement, got %#v", res)
	}

	task, _ := eng.store.Task("t1")
	if task.Status != "todo" || task.Order != 0 {
		t.Fatalf("expected revert to todo/0, got %s/%d", task.Status, task.Order)
	}
	snap := eng.Snapshot()
	if len(snap.MoveErrors) != 1 || snap.MoveErrors[0].TaskID != "t1" {
		t.Fatalf("unexpected move errors: %#v", snap.MoveErrors)
	}
}

func TestEngineBeginDragViolationSchedulesResync(t *testing.T) {
	remote := newFakeRemote()
	eng := newTestEngine(t, remote, nil)
	fetchesAfterLoad := remote.TaskFetches()

	// Inject a duplicate placement, then watch the engine heal itself.
	dup := append(testTasks(), domain.Task{ID: "t1", Title: "Copy", Status: "done", Order: 9})
	if err := eng.store.Dispatch(SetTasks{Tasks: dup}); err != nil {
		t.Fatalf("inject duplicate: %v", err)
	}

	_, err := eng.BeginDrag("t1")
	var iv *InvariantViolationError
	if !errors.As(err, &iv) || iv.Occurrences != 2 {
		t.Fatalf("expected violation with 2 occurrences, got %v", err)
	}

	waitFor(t, 2*time.Second, "resync refetch", func() bool {
		return remote.TaskFetches() > fetchesAfterLoad
	})
	waitFor(t, 2*time.Second, "healed placement", func() bool {
		return eng.store.Placement().Occurrences("t1") == 1
	})
}

func TestEngineSkipsOwnEvents(t *testing.T) {
	remote := newFakeRemote()
	eng := newTestEngine(t, remote, nil)
	before := eng.store.Version()

	ev := remoteEvent(t, domain.EntityTask, "t1", domain.TaskMoved, domain.TaskMovedData{Status: "done"})
	ev.Origin = eng.origin
	if err := eng.HandleRemoteEvent(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if eng.store.Version() != before {
		t.Fatalf("own events must not round-trip into state")
	}
}

func TestEngineAppliesForeignEvents(t *testing.T) {
	remote := newFakeRemote()
	eng := newTestEngine(t, remote, nil)

	ev := remoteEvent(t, domain.EntityTask, "t1", domain.TaskMoved, domain.TaskMovedData{Status: "done"})
	if err := eng.HandleRemoteEvent(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	task, _ := eng.store.Task("t1")
	if task.Status != "done" {
		t.Fatalf("expected foreign move applied, got %s", task.Status)
	}
}

func TestEngineCreateColumnPublishes(t *testing.T) {
	remote := newFakeRemote()
	sink := &captureSink{}
	eng := newTestEngine(t, remote, sink)

	created, err := eng.CreateColumn(context.Background(), domain.Column{Name: "Review", MappedStatus: "review"})
	if err != nil {
		t.Fatalf("create column: %v", err)
	}
	if created.ID == "" || created.Order != 3 {
		t.Fatalf("expected generated id and appended order, got %#v", created)
	}
	if len(remote.CreatedColumns()) != 1 {
		t.Fatalf("expected remote create")
	}
	if len(eng.store.Columns()) != 4 {
		t.Fatalf("expected column folded into state")
	}

	waitFor(t, time.Second, "column event", func() bool { return len(sink.Events()) == 1 })
	ev := sink.Events()[0]
	if ev.Type != domain.ColumnCreated || ev.EntityID != created.ID {
		t.Fatalf("unexpected event: %#v", ev)
	}
}

func TestEngineCreateColumnRejectsDuplicateStatus(t *testing.T) {
	remote := newFakeRemote()
	eng := newTestEngine(t, remote, nil)

	_, err := eng.CreateColumn(context.Background(), domain.Column{Name: "Also Todo", MappedStatus: "TODO"})
	var dup *domain.DuplicateStatusError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateStatusError, got %v", err)
	}
	if len(remote.CreatedColumns()) != 0 {
		t.Fatalf("local validation must run before the remote call")
	}
}

func TestEngineDeleteColumnFallsBack(t *testing.T) {
	remote := newFakeRemote()
	eng := newTestEngine(t, remote, nil)

	if err := eng.DeleteColumn(context.Background(), "col-done"); err != nil {
		t.Fatalf("delete column: %v", err)
	}
	p := eng.store.Placement()
	colID, ok := p.ColumnOf("t4")
	if !ok || colID != "col-todo" {
		t.Fatalf("expected orphaned task in fallback column, got %s", colID)
	}
}

func TestEngineReorderColumnsPublishes(t *testing.T) {
	remote := newFakeRemote()
	sink := &captureSink{}
	eng := newTestEngine(t, remote, sink)

	order := []string{"col-done", "col-doing", "col-todo"}
	if err := eng.ReorderColumns(context.Background(), order); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if cols := eng.store.Columns(); cols[0].ID != "col-done" {
		t.Fatalf("unexpected first column %s", cols[0].ID)
	}
	waitFor(t, time.Second, "reorder event", func() bool { return len(sink.Events()) == 1 })
	if ev := sink.Events()[0]; ev.Type != domain.ColumnsReordered || ev.EntityType != domain.EntityBoard {
		t.Fatalf("unexpected event: %#v", ev)
	}
}

func TestManagerSharesEngines(t *testing.T) {
	remote := newFakeRemote()
	feed := &fakeFeed{}
	m, err := NewManager(ManagerConfig{
		Tasks:   remote,
		Boards:  remote,
		Updater: remote,
		Feed:    feed,
		Logger:  log.New(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)

	first, err := m.Acquire(context.Background(), "b1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := m.Acquire(context.Background(), "b1")
	if err != nil {
		t.Fatalf("acquire again: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same engine for both acquires")
	}
	if subs, _ := feed.Subs(); len(subs) != 1 || subs[0] != "b1" {
		t.Fatalf("expected a single subscription, got %v", subs)
	}

	m.Release("b1")
	if _, ok := m.Get("b1"); !ok {
		t.Fatalf("engine must stay mounted while referenced")
	}
	m.Release("b1")
	if _, ok := m.Get("b1"); ok {
		t.Fatalf("last release must unmount")
	}
	if _, unsubs := feed.Subs(); len(unsubs) != 1 || unsubs[0] != "b1" {
		t.Fatalf("expected unsubscribe on unmount, got %v", unsubs)
	}
}

func TestManagerSetFeedAfterConstruction(t *testing.T) {
	remote := newFakeRemote()
	m, err := NewManager(ManagerConfig{
		Tasks:   remote,
		Boards:  remote,
		Updater: remote,
		Logger:  log.New(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)

	feed := &fakeFeed{}
	m.SetFeed(feed)

	if _, err := m.Acquire(context.Background(), "b1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if subs, _ := feed.Subs(); len(subs) != 1 || subs[0] != "b1" {
		t.Fatalf("expected a subscription through the attached feed, got %v", subs)
	}
	m.Release("b1")
	if _, unsubs := feed.Subs(); len(unsubs) != 1 {
		t.Fatalf("expected unsubscribe through the attached feed, got %v", unsubs)
	}
}

func TestManagerDropsEventsForUnmountedBoards(t *testing.T) {
	remote := newFakeRemote()
	m, err := NewManager(ManagerConfig{
		Tasks:   remote,
		Boards:  remote,
		Updater: remote,
		Logger:  log.New(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)

	ev := remoteEvent(t, domain.EntityTask, "t1", domain.TaskMoved, domain.TaskMovedData{Status: "done"})
	if err := m.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("handle for unmounted board: %v", err)
	}

	eng, err := m.Acquire(context.Background(), "b1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer m.Release("b1")

	if err := m.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	task, _ := eng.store.Task("t1")
	if task.Status != "done" {
		t.Fatalf("expected routed event applied, got %s", task.Status)
	}
}

func TestManagerSubscribeFailureRollsBack(t *testing.T) {
	remote := newFakeRemote()
	feed := &fakeFeed{subErr: errors.New("redis down")}
	m, err := NewManager(ManagerConfig{
		Tasks:   remote,
		Boards:  remote,
		Updater: remote,
		Feed:    feed,
		Logger:  log.New(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)

	if _, err := m.Acquire(context.Background(), "b1"); err == nil {
		t.Fatalf("expected subscribe failure to surface")
	}
	if _, ok := m.Get("b1"); ok {
		t.Fatalf("failed mount must not stay registered")
	}
}
