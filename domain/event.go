package domain

import (
	"encoding/json"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// Realtime event types carried on the board update channel and the durable
// platform queue.
const (
	TaskMoved        = "task-moved"
	TaskCreated      = "task-created"
	TaskUpdated      = "task-updated"
	TaskDeleted      = "task-deleted"
	ColumnCreated    = "column-created"
	ColumnUpdated    = "column-updated"
	ColumnDeleted    = "column-deleted"
	ColumnsReordered = "columns-reordered"
	BoardUpdated     = "board-updated"
)

// Entity types an event can refer to.
const (
	EntityTask   = "task"
	EntityColumn = "column"
	EntityBoard  = "board"
)

// Event is one board change, either published by this engine after a
// confirmed move or received from another collaborator. The ID doubles as
// the idempotency key for duplicate-delivery screening.
type Event struct {
	ID         string          `json:"id"`
	BoardID    string          `json:"boardId"`
	EntityID   string          `json:"entityId,omitempty"`
	EntityType string          `json:"entityType"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Origin     string          `json:"origin,omitempty"`
	Time       int64           `json:"time"`
}

// NewEvent assembles an event with a fresh ID and a sonic-encoded payload.
// Origin and Time are stamped by the publisher.
func NewEvent(boardID, entityType, entityID, eventType string, data any) (Event, error) {
	ev := Event{
		ID:         uuid.NewString(),
		BoardID:    boardID,
		EntityID:   entityID,
		EntityType: entityType,
		Type:       eventType,
	}
	if data != nil {
		payload, err := sonic.Marshal(data)
		if err != nil {
			return Event{}, err
		}
		ev.Data = payload
	}
	return ev, nil
}

// UnmarshalData decodes the event payload into v.
func (e Event) UnmarshalData(v any) error {
	return sonic.Unmarshal(e.Data, v)
}

// TaskEvent reports whether the event targets a single task and therefore
// participates in per-task ordering against in-flight local moves.
func (e Event) TaskEvent() bool { return e.EntityType == EntityTask }

// TaskMovedData is the payload of a task-moved event.
type TaskMovedData struct {
	Status       Status `json:"status"`
	FromColumnID string `json:"fromColumnId,omitempty"`
	ToColumnID   string `json:"toColumnId,omitempty"`
	Order        *int   `json:"order,omitempty"`
}

// ColumnData carries the full column for column-created and column-updated.
type ColumnData struct {
	Column Column `json:"column"`
}

// ColumnsReorderedData carries the new column order, first to last.
type ColumnsReorderedData struct {
	OrderedIDs []string `json:"orderedIds"`
}

// BoardUpdatedData is a partial board update; nil fields are unchanged.
type BoardUpdatedData struct {
	Name            *string `json:"name,omitempty"`
	EnableWipLimits *bool   `json:"enableWipLimits,omitempty"`
}
