// Package queue implements the task queue the hub uses to fan work out to
// its own worker endpoints (spec §4.B): an enqueue call schedules a named
// task, addressed at a queue + target URL, for execution no earlier than a
// given ETA, with at-least-once delivery and best-effort de-duplication by
// task name.
package queue

import (
	"context"
	"time"
)

// Task is one unit of scheduled work.
type Task struct {
	Queue  string            // logical queue name, e.g. "feed-pulls"
	Name   string            // idempotency key; empty means "don't dedupe"
	URL    string            // worker endpoint to invoke
	Params map[string]string // form-encoded params delivered to URL
	ETA    time.Time         // not to run before this time
}

// Queue schedules and leases tasks. Implementations: Redis (production),
// a miniredis-backed fake (integration tests), and a pure in-memory fake
// (unit tests that don't want any network).
type Queue interface {
	// Enqueue schedules t. If t.Name is non-empty and t.Queue has already
	// accepted a task with that name, Enqueue is a no-op returning
	// ErrDuplicateTask. A name stays taken after its task is leased, until
	// Purge releases it (the Redis backing also releases it 24 hours after
	// it was first taken).
	Enqueue(ctx context.Context, t Task) error

	// Lease atomically claims up to max due tasks (ETA <= now) from queue,
	// removing them from the pending set so no other caller leases them.
	Lease(ctx context.Context, queue string, max int) ([]Task, error)

	// Purge deletes all tasks queued for name in queue, whether or not
	// they're yet due. Used by the event-cleanup worker to retire a topic's
	// delivery tasks once its EventToDeliver row is totally failed.
	Purge(ctx context.Context, queue, name string) error

	Close() error
}

// ErrDuplicateTask is returned by Enqueue when the same queue has already
// accepted a task of that name and the name has not been released.
var ErrDuplicateTask = duplicateTaskError{}

type duplicateTaskError struct{}

func (duplicateTaskError) Error() string { return "queue: duplicate task name" }
