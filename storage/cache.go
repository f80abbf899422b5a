package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cabril87/100-days-of-fullstack-sub005/domain"
)

type backend interface {
	FetchTasks(ctx context.Context, boardID string) ([]domain.Task, error)
	FetchBoard(ctx context.Context, boardID string) (domain.Board, error)
	UpdateTaskStatus(ctx context.Context, boardID, taskID string, status domain.Status) (domain.Task, error)
	CreateColumn(ctx context.Context, boardID string, col domain.Column) (domain.Column, error)
	UpdateColumn(ctx context.Context, boardID string, col domain.Column) (domain.Column, error)
	DeleteColumn(ctx context.Context, boardID, columnID string) error
	ReorderColumns(ctx context.Context, boardID string, orderedIDs []string) error
	EnqueueEvents(ctx context.Context, events []domain.Event) error
}

// Cache wraps a Storage instance with Redis-backed caching for read
// operations. Writes pass through and evict the board's cached reads.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) FetchTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasksFromCache(ctx, boardID); ok {
		return tasks, nil
	}

	tasks, err := c.base.FetchTasks(ctx, boardID)
	if err != nil {
		return nil, err
	}

	c.storeTasks(ctx, boardID, tasks)
	return tasks, nil
}

func (c *Cache) FetchBoard(ctx context.Context, boardID string) (domain.Board, error) {
	if board, ok := c.loadBoardFromCache(ctx, boardID); ok {
		return board, nil
	}

	board, err := c.base.FetchBoard(ctx, boardID)
	if err != nil {
		return domain.Board{}, err
	}

	c.storeBoard(ctx, boardID, board)
	return board, nil
}

func (c *Cache) UpdateTaskStatus(ctx context.Context, boardID, taskID string, status domain.Status) (domain.Task, error) {
	task, err := c.base.UpdateTaskStatus(ctx, boardID, taskID, status)
	if err != nil {
		return domain.Task{}, err
	}

	c.evictTasks(ctx, boardID)
	return task, nil
}

func (c *Cache) CreateColumn(ctx context.Context, boardID string, col domain.Column) (domain.Column, error) {
	created, err := c.base.CreateColumn(ctx, boardID, col)
	if err != nil {
		return domain.Column{}, err
	}

	c.evictBoard(ctx, boardID)
	return created, nil
}

func (c *Cache) UpdateColumn(ctx context.Context, boardID string, col domain.Column) (domain.Column, error) {
	updated, err := c.base.UpdateColumn(ctx, boardID, col)
	if err != nil {
		return domain.Column{}, err
	}

	c.evictBoard(ctx, boardID)
	return updated, nil
}

func (c *Cache) DeleteColumn(ctx context.Context, boardID, columnID string) error {
	if err := c.base.DeleteColumn(ctx, boardID, columnID); err != nil {
		return err
	}

	c.evictBoard(ctx, boardID)
	return nil
}

func (c *Cache) ReorderColumns(ctx context.Context, boardID string, orderedIDs []string) error {
	if err := c.base.ReorderColumns(ctx, boardID, orderedIDs); err != nil {
		return err
	}

	c.evictBoard(ctx, boardID)
	return nil
}

func (c *Cache) EnqueueEvents(ctx context.Context, events []domain.Event) error {
	return c.base.EnqueueEvents(ctx, events)
}

func (c *Cache) loadTasksFromCache(ctx context.Context, boardID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(boardID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(boardID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) loadBoardFromCache(ctx context.Context, boardID string) (domain.Board, bool) {
	if c.redis == nil {
		return domain.Board{}, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		}
		return domain.Board{}, false
	}
	var board domain.Board
	if err := json.Unmarshal(data, &board); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		return domain.Board{}, false
	}
	return board, true
}

func (c *Cache) storeTasks(ctx context.Context, boardID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(boardID), data, c.ttl).Err()
}

func (c *Cache) storeBoard(ctx context.Context, boardID string, board domain.Board) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(board)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(boardID), data, c.ttl).Err()
}

func (c *Cache) evictTasks(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, tasksCacheKey(boardID)).Result()
}

func (c *Cache) evictBoard(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, boardCacheKey(boardID)).Result()
}

func tasksCacheKey(boardID string) string {
	return "tasks:" + boardID
}

func boardCacheKey(boardID string) string {
	return "board:" + boardID
}
