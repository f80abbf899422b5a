package board

import (
	"context"

	"github.com/cabril87/100-days-of-fullstack-sub005/domain"
)

// TaskUpdater abstracts the remote source of truth for task status changes.
type TaskUpdater interface {
	UpdateTaskStatus(ctx context.Context, boardID, taskID string, status domain.Status) (domain.Task, error)
}

// TaskFetcher retrieves the full task list of a board, used for resync and
// for merging remote create/update/delete events.
type TaskFetcher interface {
	FetchTasks(ctx context.Context, boardID string) ([]domain.Task, error)
}

// BoardFetcher retrieves board metadata and column layout.
type BoardFetcher interface {
	FetchBoard(ctx context.Context, boardID string) (domain.Board, error)
}

// ColumnService abstracts remote column administration.
type ColumnService interface {
	CreateColumn(ctx context.Context, boardID string, col domain.Column) (domain.Column, error)
	UpdateColumn(ctx context.Context, boardID string, col domain.Column) (domain.Column, error)
	DeleteColumn(ctx context.Context, boardID, columnID string) error
	ReorderColumns(ctx context.Context, boardID string, orderedIDs []string) error
}

// EventSink receives events the engine emits for other collaborators.
type EventSink interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Subscriber scopes the inbound realtime feed to mounted boards.
type Subscriber interface {
	Subscribe(ctx context.Context, boardID string) error
	Unsubscribe(ctx context.Context, boardID string) error
}
