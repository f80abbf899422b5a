// Package realtime moves board events between engine instances: a Redis
// pub/sub subscriber for inbound collaborator events, an asynchronous
// publisher for outbound ones, duplicate-delivery screening, and the
// notification broker behind the SSE streams.
package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper stores seen event IDs in Redis so all instances can avoid
// reprocessing the same delivery.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(boardID, eventID string) string {
	return fmt.Sprintf("ev:%s:%s", boardID, eventID)
}

// Add records the event if it has not been seen yet. It returns true when the
// event was newly recorded.
func (r *RedisDeduper) Add(ctx context.Context, boardID, eventID string) (bool, error) {
	return r.client.SetNX(ctx, r.key(boardID, eventID), 1, r.ttl).Result()
}

// Remove forgets a previously recorded event. It is used when downstream
// processing fails so a redelivery may retry it.
func (r *RedisDeduper) Remove(ctx context.Context, boardID, eventID string) error {
	return r.client.Del(ctx, r.key(boardID, eventID)).Err()
}

// AddMany attempts to record the provided events in a single Redis pipeline
// and returns a boolean slice indicating which were newly recorded. When an
// error occurs, the slice contains the results for commands processed before
// the failure so callers may roll back any successful additions.
func (r *RedisDeduper) AddMany(ctx context.Context, boardID string, eventIDs []string) ([]bool, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}

	results := make([]bool, len(eventIDs))
	cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range eventIDs {
			pipe.SetNX(ctx, r.key(boardID, id), 1, r.ttl)
		}
		return nil
	})
	if err != nil {
		return results, err
	}
	if len(cmds) != len(eventIDs) {
		return results, fmt.Errorf("deduper pipeline mismatch: expected %d results, got %d", len(eventIDs), len(cmds))
	}
	for i, cmd := range cmds {
		boolCmd, ok := cmd.(*redis.BoolCmd)
		if !ok {
			return results, fmt.Errorf("unexpected redis response type %T", cmd)
		}
		val, cmdErr := boolCmd.Result()
		if cmdErr != nil {
			return results, cmdErr
		}
		results[i] = val
	}
	return results, nil
}
