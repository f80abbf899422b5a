package api

import "github.com/cabril87/100-days-of-fullstack-sub005/board"

const (
	gestureMaxSize    = 16 * 1024        // 16 KiB
	columnMaxSize     = 16 * 1024        // 16 KiB
	eventBatchMaxSize = 1 * 1024 * 1024  // 1 MiB
)

// POST /api/boards/:boardID/gestures request body.
type beginGestureRequest struct {
	TaskID string `json:"taskId"`
}

// Hover and drop request body.
type gestureTargetRequest struct {
	Target board.DropTarget `json:"target"`
}

// Column create and update request body.
type columnRequest struct {
	Name         string `json:"name"`
	MappedStatus string `json:"mappedStatus"`
	TaskLimit    int    `json:"taskLimit,omitempty"`
	Hidden       bool   `json:"hidden,omitempty"`
}

// PUT /api/boards/:boardID/columns/order request body.
type reorderColumnsRequest struct {
	OrderedIDs []string `json:"orderedIds"`
}

// POST /api/events response body.
type eventBatchResponse struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed,omitempty"`
}

// Error payload shared by every endpoint. Resync signals that the client
// should drop its local view and reload the board snapshot.
type errorResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code,omitempty"`
	TaskID   string `json:"taskId,omitempty"`
	ColumnID string `json:"columnId,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Count    int    `json:"count,omitempty"`
	Resync   bool   `json:"resync,omitempty"`
}
