package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/queue"
)

func TestDispatcherRunsDueTasks(t *testing.T) {
	log.Init(log.Config{Level: log.InfoLevel})
	q := queue.NewMemoryQueue(func() int64 { return time.Now().Unix() })
	d := newDispatcher(q, 10*time.Millisecond, log.WithComponent("test"))

	var calls int32
	d.handle("demo", func(ctx context.Context, params map[string]string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	require.NoError(t, q.Enqueue(context.Background(), queue.Task{Queue: "demo", URL: "/demo", ETA: time.Now()}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	d.run(ctx)

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestDispatcherReenqueuesOnHandlerError(t *testing.T) {
	log.Init(log.Config{Level: log.InfoLevel})
	q := queue.NewMemoryQueue(func() int64 { return time.Now().Unix() })
	d := newDispatcher(q, 10*time.Millisecond, log.WithComponent("test"))

	var calls int32
	d.handle("demo", func(ctx context.Context, params map[string]string) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})

	require.NoError(t, q.Enqueue(context.Background(), queue.Task{Name: "t1", Queue: "demo", URL: "/demo", ETA: time.Now()}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	d.run(ctx)

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	tasks, err := q.Lease(context.Background(), "demo", 10)
	require.NoError(t, err)
	require.Empty(t, tasks, "re-enqueued task should not be due for another 30s")
}
