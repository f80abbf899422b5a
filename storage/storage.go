// Package storage adapts the Azure-backed source of truth: task and board
// tables plus the durable event queue.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/cabril87/100-days-of-fullstack-sub005/domain"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	GetProperties(ctx context.Context, o *azqueue.GetQueuePropertiesOptions) (azqueue.GetQueuePropertiesResponse, error)
}

// Storage provides access to underlying persistence mechanisms.
type Storage struct {
	taskTable        *aztables.Client
	boardTable       *aztables.Client
	eventQueue       queueClient
	queueConcurrency int
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, boardsTable, eventQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	tt := svc.NewClient(tasksTable)
	bt := svc.NewClient(boardsTable)
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	eq, err := azqueue.NewQueueClientFromConnectionString(connStr, eventQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		taskTable:        tt,
		boardTable:       bt,
		eventQueue:       eq,
		queueConcurrency: queueConcurrencyForCPU(runtime.NumCPU()),
	}, nil
}

// Tasks partition by board; board metadata and column rows share the board's
// partition so layout changes can be batched in one transaction.
const (
	boardMetaRowKey = "meta"
	columnRowPrefix = "column:"
)

func columnRowKey(columnID string) string { return columnRowPrefix + columnID }

type taskEntity struct {
	aztables.Entity
	Title    string `json:"Title"`
	Status   string `json:"Status"`
	Priority string `json:"Priority"`
	Assignee string `json:"Assignee"`
	DueDate  string `json:"DueDate"`
	Order    int    `json:"Order"`
	Metadata string `json:"Metadata"`
}

type boardEntity struct {
	aztables.Entity
	Name            string `json:"Name"`
	EnableWipLimits bool   `json:"EnableWipLimits"`
}

type columnEntity struct {
	aztables.Entity
	Name         string `json:"Name"`
	Order        int    `json:"Order"`
	TaskLimit    int    `json:"TaskLimit"`
	MappedStatus string `json:"MappedStatus"`
	Hidden       bool   `json:"Hidden"`
}

type taskStatusPatch struct {
	aztables.Entity
	Status string `json:"Status"`
}

type columnOrderPatch struct {
	aztables.Entity
	Order int `json:"Order"`
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	task := domain.Task{
		ID:       ent.RowKey,
		Title:    ent.Title,
		Status:   domain.Status(ent.Status),
		Priority: ent.Priority,
		Assignee: ent.Assignee,
		Order:    ent.Order,
	}
	if ent.DueDate != "" {
		if due, err := time.Parse(time.RFC3339, ent.DueDate); err == nil {
			task.DueDate = &due
		}
	}
	if ent.Metadata != "" {
		meta := map[string]string{}
		if err := json.Unmarshal([]byte(ent.Metadata), &meta); err == nil && len(meta) > 0 {
			task.Metadata = meta
		}
	}
	return task, nil
}

func decodeColumnEntity(data []byte) (domain.Column, error) {
	var ent columnEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Column{}, err
	}
	return domain.Column{
		ID:           strings.TrimPrefix(ent.RowKey, columnRowPrefix),
		Name:         ent.Name,
		Order:        ent.Order,
		TaskLimit:    ent.TaskLimit,
		MappedStatus: domain.Status(ent.MappedStatus),
		Hidden:       ent.Hidden,
	}, nil
}

func encodeColumnEntity(boardID string, col domain.Column) ([]byte, error) {
	return json.Marshal(columnEntity{
		Entity:       aztables.Entity{PartitionKey: boardID, RowKey: columnRowKey(col.ID)},
		Name:         col.Name,
		Order:        col.Order,
		TaskLimit:    col.TaskLimit,
		MappedStatus: string(col.MappedStatus),
		Hidden:       col.Hidden,
	})
}

// FetchTasks retrieves all tasks on the given board.
func (s *Storage) FetchTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + boardID + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			task, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// FetchBoard retrieves the board's metadata and column layout. A board with
// no stored rows comes back empty; the engine seeds its layout on load.
func (s *Storage) FetchBoard(ctx context.Context, boardID string) (domain.Board, error) {
	filter := "PartitionKey eq '" + boardID + "'"
	pager := s.boardTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	board := domain.Board{ID: boardID}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return domain.Board{}, err
		}
		for _, e := range resp.Entities {
			var probe aztables.Entity
			if err := json.Unmarshal(e, &probe); err != nil {
				return domain.Board{}, err
			}
			switch {
			case probe.RowKey == boardMetaRowKey:
				var meta boardEntity
				if err := json.Unmarshal(e, &meta); err != nil {
					return domain.Board{}, err
				}
				board.Name = meta.Name
				board.EnableWipLimits = meta.EnableWipLimits
			case strings.HasPrefix(probe.RowKey, columnRowPrefix):
				col, err := decodeColumnEntity(e)
				if err != nil {
					return domain.Board{}, err
				}
				board.Columns = append(board.Columns, col)
			}
		}
	}
	domain.NormalizeColumnOrder(board.Columns)
	return board, nil
}

// UpdateTaskStatus patches only the status property, then reads the row back
// so concurrent edits to other fields survive.
func (s *Storage) UpdateTaskStatus(ctx context.Context, boardID, taskID string, status domain.Status) (domain.Task, error) {
	patch, err := json.Marshal(taskStatusPatch{
		Entity: aztables.Entity{PartitionKey: boardID, RowKey: taskID},
		Status: string(status),
	})
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.UpdateEntity(ctx, patch, &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeMerge}); err != nil {
		return domain.Task{}, fmt.Errorf("update task %s: %w", taskID, err)
	}
	resp, err := s.taskTable.GetEntity(ctx, boardID, taskID, nil)
	if err != nil {
		return domain.Task{}, fmt.Errorf("read back task %s: %w", taskID, err)
	}
	return decodeTaskEntity(resp.Value)
}

// CreateColumn stores a new column row.
func (s *Storage) CreateColumn(ctx context.Context, boardID string, col domain.Column) (domain.Column, error) {
	data, err := encodeColumnEntity(boardID, col)
	if err != nil {
		return domain.Column{}, err
	}
	if _, err := s.boardTable.AddEntity(ctx, data, nil); err != nil {
		return domain.Column{}, fmt.Errorf("create column %s: %w", col.ID, err)
	}
	return col, nil
}

// UpdateColumn replaces a column row.
func (s *Storage) UpdateColumn(ctx context.Context, boardID string, col domain.Column) (domain.Column, error) {
	data, err := encodeColumnEntity(boardID, col)
	if err != nil {
		return domain.Column{}, err
	}
	if _, err := s.boardTable.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return domain.Column{}, fmt.Errorf("update column %s: %w", col.ID, err)
	}
	return col, nil
}

// DeleteColumn removes a column row. A row a collaborator already removed
// counts as deleted.
func (s *Storage) DeleteColumn(ctx context.Context, boardID, columnID string) error {
	_, err := s.boardTable.DeleteEntity(ctx, boardID, columnRowKey(columnID), nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete column %s: %w", columnID, err)
	}
	return nil
}

// ReorderColumns rewrites every column's ordering index in one transaction so
// readers never observe a half-applied ordering.
func (s *Storage) ReorderColumns(ctx context.Context, boardID string, orderedIDs []string) error {
	actions, err := reorderActions(boardID, orderedIDs)
	if err != nil {
		return err
	}
	if _, err := s.boardTable.SubmitTransaction(ctx, actions, nil); err != nil {
		return fmt.Errorf("reorder columns: %w", err)
	}
	return nil
}

func reorderActions(boardID string, orderedIDs []string) ([]aztables.TransactionAction, error) {
	if len(orderedIDs) == 0 {
		return nil, errors.New("column order is empty")
	}
	actions := make([]aztables.TransactionAction, 0, len(orderedIDs))
	for i, id := range orderedIDs {
		data, err := json.Marshal(columnOrderPatch{
			Entity: aztables.Entity{PartitionKey: boardID, RowKey: columnRowKey(id)},
			Order:  i,
		})
		if err != nil {
			return nil, err
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateMerge,
			Entity:     data,
		})
	}
	return actions, nil
}

// EnqueueEvents sends the given events to the durable event queue.
func (s *Storage) EnqueueEvents(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	concurrency := s.queueConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	sem := make(chan struct{}, concurrency)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(msg string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := s.eventQueue.EnqueueMessage(ctx, msg, nil); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(string(data))
	}
	wg.Wait()
	return firstErr
}

// Ping verifies the event queue is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.eventQueue.GetProperties(ctx, nil)
	return err
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
