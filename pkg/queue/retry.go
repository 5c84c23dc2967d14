package queue

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

// EnqueueWithRetry retries a transient Enqueue failure (e.g. a blip talking
// to Redis) with exponential backoff, bounded by attempts. A duplicate-task
// rejection is not transient and is returned immediately.
func EnqueueWithRetry(ctx context.Context, q Queue, t Task, attempts uint64) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), attempts)
	return backoff.Retry(func() error {
		err := q.Enqueue(ctx, t)
		if err == ErrDuplicateTask {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}
