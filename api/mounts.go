package api

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cabril87/100-days-of-fullstack-sub005/board"
)

const (
	defaultMountIdleTTL    = 5 * time.Minute
	defaultMountSweepEvery = 30 * time.Second
)

var errEmptyBoardID = errors.New("board id is empty")

// Mounts keeps board engines alive across requests. A drag gesture spans
// several HTTP calls, so the engine that holds its state cannot be released
// when the request that created it ends. The table takes one manager
// reference per board on first touch and drops it once the board has sat
// idle past the TTL with no open stream connections.
type Mounts struct {
	manager *board.Manager
	broker  Broker
	idleTTL time.Duration
	logger  *log.Logger

	mu       sync.Mutex
	lastUsed map[string]time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMounts builds the table and starts its idle sweeper. The broker may be
// nil, in which case only the TTL decides eviction.
func NewMounts(manager *board.Manager, broker Broker, idleTTL, sweepEvery time.Duration, logger *log.Logger) *Mounts {
	if manager == nil {
		panic("api: mounts requires a board manager")
	}
	if logger == nil {
		panic("api: mounts requires a logger")
	}
	if idleTTL <= 0 {
		idleTTL = defaultMountIdleTTL
	}
	if sweepEvery <= 0 {
		sweepEvery = defaultMountSweepEvery
	}

	m := &Mounts{
		manager:  manager,
		broker:   broker,
		idleTTL:  idleTTL,
		logger:   logger,
		lastUsed: make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run(sweepEvery)
	return m
}

// Engine returns the mounted engine for a board, mounting it on first touch.
// Every call refreshes the board's idle clock.
func (m *Mounts) Engine(ctx context.Context, boardID string) (*board.Engine, error) {
	if boardID == "" {
		return nil, errEmptyBoardID
	}

	m.mu.Lock()
	if _, held := m.lastUsed[boardID]; held {
		if eng, ok := m.manager.Get(boardID); ok {
			m.lastUsed[boardID] = time.Now()
			m.mu.Unlock()
			return eng, nil
		}
		// The manager lost the board underneath us. Drop the stale entry
		// and mount again.
		delete(m.lastUsed, boardID)
	}
	m.mu.Unlock()

	eng, err := m.manager.Acquire(ctx, boardID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, held := m.lastUsed[boardID]; held {
		m.mu.Unlock()
		// Another request mounted the board while we were loading. Both
		// Acquire calls took a reference; give ours back.
		m.manager.Release(boardID)
		return eng, nil
	}
	m.lastUsed[boardID] = time.Now()
	m.mu.Unlock()

	m.logger.WithField("board_id", boardID).Debug("board engine mounted")
	return eng, nil
}

// Held reports how many boards the table currently keeps mounted.
func (m *Mounts) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lastUsed)
}

// Close stops the sweeper and releases every held board.
func (m *Mounts) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	held := make([]string, 0, len(m.lastUsed))
	for id := range m.lastUsed {
		held = append(held, id)
	}
	m.lastUsed = make(map[string]time.Time)
	m.mu.Unlock()

	for _, id := range held {
		m.manager.Release(id)
	}
}

func (m *Mounts) run(sweepEvery time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep releases boards idle past the TTL. Boards with open stream
// connections stay mounted and have their idle clock pushed forward.
func (m *Mounts) sweep(now time.Time) int {
	var victims []string

	m.mu.Lock()
	for id, last := range m.lastUsed {
		if now.Sub(last) < m.idleTTL {
			continue
		}
		if m.broker != nil && m.broker.Subscribers(id) > 0 {
			m.lastUsed[id] = now
			continue
		}
		victims = append(victims, id)
	}
	for _, id := range victims {
		delete(m.lastUsed, id)
	}
	m.mu.Unlock()

	for _, id := range victims {
		m.manager.Release(id)
		m.logger.WithField("board_id", id).Info("idle board engine released")
	}
	return len(victims)
}
