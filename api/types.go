package api

import (
	"context"

	"github.com/cabril87/100-days-of-fullstack-sub005/domain"
)

// EventRouter folds inbound platform events into whichever board engines are
// currently mounted. Events for unmounted boards are dropped.
type EventRouter interface {
	HandleEvent(ctx context.Context, ev domain.Event) error
}

// Deduper screens duplicate event deliveries before they reach the router.
type Deduper interface {
	// AddMany records the event IDs and reports, per ID, whether it was newly
	// seen. A false slot marks a duplicate delivery.
	AddMany(ctx context.Context, boardID string, eventIDs []string) ([]bool, error)
	// Remove forgets a previously recorded ID so the delivery can be retried.
	Remove(ctx context.Context, boardID, eventID string) error
}

// Broker fans board-changed nudges out to open stream connections.
type Broker interface {
	Subscribe(boardID string) chan struct{}
	Unsubscribe(boardID string, ch chan struct{})
	Notify(boardID string)
	Subscribers(boardID string) int
}

// Pinger reports backend liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function to the Pinger interface.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// WipLimitError is a move refused by admission control.
type WipLimitError interface {
	error
	WipLimitExceeded()
}

// StructuralError is a task whose derived placement is corrupted and needs a
// resync before the board can be trusted again.
type StructuralError interface {
	error
	StructuralInconsistency()
}

// DuplicateStatusError is a column layout change that would map two columns
// to the same normalized status.
type DuplicateStatusError interface {
	error
	DuplicateStatus()
}
