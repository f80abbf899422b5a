package board

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cabril87/100-days-of-fullstack-sub005/domain"
)

// ManagerConfig assembles the manager and the engines it creates.
type ManagerConfig struct {
	Tasks   TaskFetcher
	Boards  BoardFetcher
	Updater TaskUpdater
	Columns ColumnService
	Sink    EventSink
	Feed    Subscriber

	DefaultColumns []domain.Column

	MoveTimeout time.Duration
	GestureTTL  time.Duration
	SweepEvery  time.Duration

	Logger *log.Logger
}

type managedEngine struct {
	engine *Engine
	refs   int
}

// Manager owns the engine lifecycle across boards: engines mount lazily on
// first acquire, the realtime feed is scoped to mounted boards, and the last
// release unmounts. Inbound events route to the owning engine.
type Manager struct {
	cfg    ManagerConfig
	logger *log.Logger

	mu      sync.Mutex
	engines map[string]*managedEngine
	closed  bool
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Tasks == nil || cfg.Boards == nil || cfg.Updater == nil {
		return nil, errors.New("task fetcher, board fetcher and task updater are required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger,
		engines: map[string]*managedEngine{},
	}, nil
}

// Acquire returns the board's engine, mounting and loading it on first use.
// Every Acquire must be paired with a Release.
func (m *Manager) Acquire(ctx context.Context, boardID string) (*Engine, error) {
	if boardID == "" {
		return nil, errors.New("board id is required")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("manager is closed")
	}
	if me, ok := m.engines[boardID]; ok {
		me.refs++
		m.mu.Unlock()
		return me.engine, nil
	}
	m.mu.Unlock()

	eng, err := NewEngine(Config{
		BoardID:        boardID,
		Tasks:          m.cfg.Tasks,
		Boards:         m.cfg.Boards,
		Updater:        m.cfg.Updater,
		Columns:        m.cfg.Columns,
		Sink:           m.cfg.Sink,
		DefaultColumns: m.cfg.DefaultColumns,
		MoveTimeout:    m.cfg.MoveTimeout,
		GestureTTL:     m.cfg.GestureTTL,
		SweepEvery:     m.cfg.SweepEvery,
		Logger:         m.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := eng.Load(ctx); err != nil {
		eng.Close()
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		eng.Close()
		return nil, errors.New("manager is closed")
	}
	if me, ok := m.engines[boardID]; ok {
		// Another caller mounted the board first.
		me.refs++
		m.mu.Unlock()
		eng.Close()
		return me.engine, nil
	}
	m.engines[boardID] = &managedEngine{engine: eng, refs: 1}
	m.mu.Unlock()

	if feed := m.feed(); feed != nil {
		if err := feed.Subscribe(ctx, boardID); err != nil {
			m.Release(boardID)
			return nil, err
		}
	}
	m.logger.WithField("board", boardID).Info("board engine mounted")
	return eng, nil
}

// SetFeed attaches the realtime feed. The feed usually needs the manager as
// its event handler, so it is built second and attached here before the
// first board mounts.
func (m *Manager) SetFeed(feed Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Feed = feed
}

func (m *Manager) feed() Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Feed
}

// Release drops one reference. The last release unmounts the engine and its
// realtime subscription.
func (m *Manager) Release(boardID string) {
	m.mu.Lock()
	me, ok := m.engines[boardID]
	if !ok {
		m.mu.Unlock()
		return
	}
	me.refs--
	if me.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.engines, boardID)
	m.mu.Unlock()

	m.unmount(boardID, me.engine)
}

func (m *Manager) unmount(boardID string, eng *Engine) {
	if feed := m.feed(); feed != nil {
		if err := feed.Unsubscribe(bg, boardID); err != nil {
			m.logger.WithError(err).WithField("board", boardID).Warn("unsubscribe failed")
		}
	}
	eng.Close()
	m.logger.WithField("board", boardID).Info("board engine unmounted")
}

// Get returns a mounted engine without taking a reference.
func (m *Manager) Get(boardID string) (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	me, ok := m.engines[boardID]
	if !ok {
		return nil, false
	}
	return me.engine, true
}

// Mounted lists the boards with a live engine.
func (m *Manager) Mounted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.engines))
	for id := range m.engines {
		out = append(out, id)
	}
	return out
}

// HandleEvent routes an inbound collaborator event to the owning engine.
// Events for unmounted boards are dropped; those boards load fresh state
// when they mount.
func (m *Manager) HandleEvent(ctx context.Context, ev domain.Event) error {
	eng, ok := m.Get(ev.BoardID)
	if !ok {
		m.logger.WithFields(log.Fields{
			"event": ev.ID,
			"board": ev.BoardID,
		}).Debug("event for unmounted board dropped")
		return nil
	}
	return eng.HandleRemoteEvent(ctx, ev)
}

// Close unmounts every engine.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	engines := m.engines
	m.engines = map[string]*managedEngine{}
	m.mu.Unlock()

	for id, me := range engines {
		m.unmount(id, me.engine)
	}
}
