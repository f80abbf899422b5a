package realtime

import "sync"

// Broker fans change notifications out to the stream subscribers of each
// board. Notifications carry no payload; subscribers re-read the board state
// when nudged.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan struct{}]struct{})}
}

// Subscribe registers a listener for the board and returns its notification
// channel. The channel has capacity one so pending notifications coalesce.
func (b *Broker) Subscribe(boardID string) chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	set, ok := b.subs[boardID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		b.subs[boardID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener previously returned by Subscribe.
func (b *Broker) Unsubscribe(boardID string, ch chan struct{}) {
	b.mu.Lock()
	if set, ok := b.subs[boardID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(b.subs, boardID)
		}
	}
	b.mu.Unlock()
}

// Notify nudges every listener of the board without blocking. Listeners that
// already hold a pending notification are skipped.
func (b *Broker) Notify(boardID string) {
	b.mu.Lock()
	for ch := range b.subs[boardID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

// Subscribers reports how many listeners the board currently has.
func (b *Broker) Subscribers(boardID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[boardID])
}
