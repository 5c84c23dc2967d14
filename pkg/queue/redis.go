package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisQueue backs Queue with a sorted set per logical queue: the member is
// the JSON-encoded Task, the score is its ETA as a unix timestamp. Lease
// reads due members via ZRANGEBYSCORE and keeps only those its own ZREM
// removed, so concurrent leasers never share a task; dedup by name is a
// SETNX on a side key with a generous TTL so a retried Enqueue of the same
// named task is cheap to reject without scanning the set.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue wraps an already-constructed client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func dedupeKey(queue, name string) string {
	return fmt.Sprintf("hub:queue:%s:dedupe:%s", queue, name)
}

func setKey(queue string) string {
	return fmt.Sprintf("hub:queue:%s:tasks", queue)
}

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.Name != "" {
		ok, err := q.client.SetNX(ctx, dedupeKey(t.Queue, t.Name), 1, 24*time.Hour).Result()
		if err != nil {
			return fmt.Errorf("queue: dedupe check: %w", err)
		}
		if !ok {
			return ErrDuplicateTask
		}
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("queue: encode task: %w", err)
	}

	err = q.client.ZAdd(ctx, setKey(t.Queue), &redis.Z{
		Score:  float64(t.ETA.Unix()),
		Member: payload,
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) Lease(ctx context.Context, queue string, max int) ([]Task, error) {
	now := time.Now().Unix()
	members, err := q.client.ZRangeByScore(ctx, setKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now),
		Offset: 0,
		Count:  int64(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: lease: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	tasks := make([]Task, 0, len(members))
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, setKey(queue), m).Result()
		if err != nil {
			return tasks, fmt.Errorf("queue: lease remove: %w", err)
		}
		if removed == 0 {
			continue // claimed by a concurrent Lease
		}
		var t Task
		if err := json.Unmarshal([]byte(m), &t); err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (q *RedisQueue) Purge(ctx context.Context, queue, name string) error {
	members, err := q.client.ZRange(ctx, setKey(queue), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queue: purge scan: %w", err)
	}
	for _, m := range members {
		var t Task
		if err := json.Unmarshal([]byte(m), &t); err != nil {
			continue
		}
		if t.Name == name {
			if err := q.client.ZRem(ctx, setKey(queue), m).Err(); err != nil {
				return fmt.Errorf("queue: purge remove: %w", err)
			}
		}
	}
	return q.client.Del(ctx, dedupeKey(queue, name)).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
