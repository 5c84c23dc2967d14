package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueue(client), mr
}

func TestRedisQueueEnqueueLease(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	require.NoError(t, q.Enqueue(ctx, Task{Queue: "pulls", URL: "http://hub/work/pull_feeds", ETA: past}))
	require.NoError(t, q.Enqueue(ctx, Task{Queue: "pulls", URL: "http://hub/work/pull_feeds", ETA: future}))

	leased, err := q.Lease(ctx, "pulls", 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.Equal(t, "http://hub/work/pull_feeds", leased[0].URL)
}

func TestRedisQueueDedup(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	task := Task{Queue: "subs", Name: "sub-123", ETA: time.Now()}
	require.NoError(t, q.Enqueue(ctx, task))
	err := q.Enqueue(ctx, task)
	require.ErrorIs(t, err, ErrDuplicateTask)
}

func TestRedisQueuePurge(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	task := Task{Queue: "events", Name: "topic-abc", ETA: time.Now().Add(-time.Second)}
	require.NoError(t, q.Enqueue(ctx, task))
	require.NoError(t, q.Purge(ctx, "events", "topic-abc"))

	leased, err := q.Lease(ctx, "events", 10)
	require.NoError(t, err)
	require.Empty(t, leased)

	// Purging clears the dedupe key too, so the same name can be re-enqueued.
	require.NoError(t, q.Enqueue(ctx, task))
}

func TestMemoryQueueLeaseOrdersByETA(t *testing.T) {
	now := time.Now()
	q := NewMemoryQueue(func() int64 { return now.Unix() })
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{Queue: "q", URL: "second", ETA: now.Add(-time.Minute)}))
	require.NoError(t, q.Enqueue(ctx, Task{Queue: "q", URL: "first", ETA: now.Add(-time.Hour)}))
	require.NoError(t, q.Enqueue(ctx, Task{Queue: "q", URL: "not-due", ETA: now.Add(time.Hour)}))

	leased, err := q.Lease(ctx, "q", 10)
	require.NoError(t, err)
	require.Len(t, leased, 2)
	require.Equal(t, "first", leased[0].URL)
	require.Equal(t, "second", leased[1].URL)
}

func TestMemoryQueueDedup(t *testing.T) {
	q := NewMemoryQueue(func() int64 { return time.Now().Unix() })
	ctx := context.Background()

	task := Task{Queue: "subs", Name: "dup", ETA: time.Now()}
	require.NoError(t, q.Enqueue(ctx, task))
	require.ErrorIs(t, q.Enqueue(ctx, task), ErrDuplicateTask)
}
