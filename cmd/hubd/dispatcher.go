package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warren/pkg/queue"
)

// dispatcher leases due tasks off each registered queue and runs them
// in-process, the standalone-binary equivalent of the original's App Engine
// task queue dispatching to a worker URL: here the "worker URL" handlers
// (subs.ConfirmWork, fetch.Work, delivery.Work, poller.Work) are called
// directly instead of looping a request back through HTTP.
type dispatcher struct {
	q         queue.Queue
	handlers  map[string]func(ctx context.Context, params map[string]string) error
	interval  time.Duration
	leaseSize int
	logger    zerolog.Logger
}

func newDispatcher(q queue.Queue, interval time.Duration, logger zerolog.Logger) *dispatcher {
	return &dispatcher{
		q:         q,
		handlers:  make(map[string]func(ctx context.Context, params map[string]string) error),
		interval:  interval,
		leaseSize: 25,
		logger:    logger,
	}
}

func (d *dispatcher) handle(queueName string, fn func(ctx context.Context, params map[string]string) error) {
	d.handlers[queueName] = fn
}

// run leases and executes tasks on a fixed tick until ctx is done. A
// handler error re-enqueues the same task a short delay out rather than
// dropping it, since the components it calls already absorb their own
// domain-level retry/backoff decisions and only return an error for
// infrastructure trouble (a store or transport outage).
func (d *dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *dispatcher) tick(ctx context.Context) {
	for queueName, fn := range d.handlers {
		tasks, err := d.q.Lease(ctx, queueName, d.leaseSize)
		if err != nil {
			d.logger.Error().Err(err).Str("queue", queueName).Msg("lease failed")
			continue
		}
		for _, t := range tasks {
			if err := fn(ctx, t.Params); err != nil {
				d.logger.Warn().Err(err).Str("queue", queueName).Str("task", t.Name).Msg("task handler failed, re-enqueuing")
				retry := t
				retry.ETA = time.Now().Add(30 * time.Second)
				if retry.Name != "" {
					// A leased task's name stays taken; release it first.
					if pErr := d.q.Purge(ctx, queueName, retry.Name); pErr != nil {
						d.logger.Error().Err(pErr).Str("queue", queueName).Msg("releasing task name before re-enqueue failed")
					}
				}
				if reErr := d.q.Enqueue(ctx, retry); reErr != nil && reErr != queue.ErrDuplicateTask {
					d.logger.Error().Err(reErr).Str("queue", queueName).Msg("re-enqueue after failure failed")
				}
			}
		}
	}
}
