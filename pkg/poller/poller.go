// Package poller implements the Bootstrap Poller (spec §4.F): a periodic
// trigger that sweeps every KnownFeed and re-enqueues a fetch for it even
// when no publish ping arrived, plus the event-cleanup reaper that retires
// totally-failed delivery events once they've aged out.
package poller

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warren/pkg/clock"
	"github.com/cuemby/warren/pkg/delivery"
	"github.com/cuemby/warren/pkg/fetch"
	"github.com/cuemby/warren/pkg/hashkey"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/queue"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
)

const (
	bucketMeta = "meta"
	markerKey  = "polling_marker"
	bucketKnownFeeds = "known_feeds"

	// QueueName is the logical task queue bootstrap work is enqueued on.
	QueueName = "polling"
	// WorkerPath is the HTTP endpoint the chain continuation is driven from.
	WorkerPath = "/work/poll_bootstrap"

	pollingBootstrapPeriod = 3 * time.Hour
)

// bootstrapFeedChunkSize is BOOTSTRAP_FEED_CHUNK_SIZE (spec.md §6). A var,
// not a const, so tests can shrink it to exercise multi-chunk chains without
// seeding hundreds of KnownFeed rows.
var bootstrapFeedChunkSize = 200

// Poller is the Bootstrap Poller component.
type Poller struct {
	store  storage.Store
	queue  queue.Queue
	fetch  *fetch.Pipeline
	clock  clock.Clock
	logger zerolog.Logger
}

// New builds a Poller. fetch is used to insert FeedToFetch rows and enqueue
// per-topic fetch tasks, the same way Publish does for a publisher ping.
func New(store storage.Store, q queue.Queue, fetchPipeline *fetch.Pipeline, clk clock.Clock) *Poller {
	return &Poller{
		store:  store,
		queue:  q,
		fetch:  fetchPipeline,
		clock:  clk,
		logger: log.WithComponent("poller"),
	}
}

// Trigger implements GET /work/poll_bootstrap: if the marker says a new
// generation is due, it advances the marker and enqueues the first chained
// scan task, named deterministically from the new generation's last_start
// so concurrent/duplicate triggers collapse onto one task.
func (p *Poller) Trigger(ctx context.Context) error {
	marker, err := p.loadMarker()
	if err != nil {
		return fmt.Errorf("poller: loading marker: %w", err)
	}

	now := p.clock.Now()
	if marker.NextStart.After(now) {
		return nil
	}

	marker.LastStart = marker.NextStart
	marker.NextStart = now.Add(pollingBootstrapPeriod)

	sequence := sequenceName(marker.LastStart)
	task := queue.Task{
		Queue:  QueueName,
		Name:   sequence,
		URL:    WorkerPath,
		Params: map[string]string{"sequence": sequence},
		ETA:    now,
	}
	if err := p.queue.Enqueue(ctx, task); err != nil && err != queue.ErrDuplicateTask {
		return fmt.Errorf("poller: enqueue bootstrap generation: %w", err)
	}
	metrics.TaskEnqueuedTotal.WithLabelValues(QueueName).Inc()
	metrics.BootstrapCyclesTotal.Inc()

	return p.persistMarker(marker)
}

// Work implements the POST /work/poll_bootstrap chain continuation: scan
// one chunk of KnownFeed keys starting at currentKey, insert a FeedToFetch
// (and enqueue its fetch task) for each, and re-enqueue the next chunk under
// a name derived purely from (sequence, lastKey) so replays are idempotent.
func (p *Poller) Work(ctx context.Context, sequence, currentKey string) error {
	keys, err := p.store.ListFrom(bucketKnownFeeds, currentKey, bootstrapFeedChunkSize)
	if err != nil {
		return fmt.Errorf("poller: listing known feeds: %w", err)
	}
	if len(keys) == 0 {
		p.logger.Info().Str("sequence", sequence).Msg("bootstrap polling cycle complete")
		return nil
	}

	topics := make([]string, 0, len(keys))
	for _, key := range keys {
		raw, err := p.store.Get(bucketKnownFeeds, key)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return fmt.Errorf("poller: loading known feed %s: %w", key, err)
		}
		kf, err := decodeKnownFeed(raw)
		if err != nil {
			return fmt.Errorf("poller: decoding known feed %s: %w", key, err)
		}
		topics = append(topics, kf.Topic)
	}

	lastKey := keys[len(keys)-1]
	nextKey := lastKey + "\x00"
	next := hashkey.Sequence(sequence, lastKey)
	task := queue.Task{
		Queue:  QueueName,
		Name:   next,
		URL:    WorkerPath,
		Params: map[string]string{"sequence": sequence, "current_key": nextKey},
		ETA:    p.clock.Now(),
	}
	if err := p.queue.Enqueue(ctx, task); err != nil && err != queue.ErrDuplicateTask {
		return fmt.Errorf("poller: enqueue bootstrap continuation: %w", err)
	}
	metrics.TaskEnqueuedTotal.WithLabelValues(QueueName).Inc()

	if err := p.fetch.Publish(ctx, topics); err != nil {
		return fmt.Errorf("poller: inserting feed_to_fetch rows: %w", err)
	}
	metrics.BootstrapFeedsEnqueuedTotal.Add(float64(len(topics)))

	return nil
}

// CleanupEvents implements GET /work/event_cleanup: sweep every KnownFeed
// topic hash, chunk by chunk, reaping any totally-failed delivery event past
// its retention window.
func (p *Poller) CleanupEvents(ctx context.Context, eng *delivery.Engine) (int, error) {
	total := 0
	currentKey := ""
	for {
		keys, err := p.store.ListFrom(bucketKnownFeeds, currentKey, bootstrapFeedChunkSize)
		if err != nil {
			return total, fmt.Errorf("poller: listing known feeds: %w", err)
		}
		if len(keys) == 0 {
			return total, nil
		}

		n, err := eng.CleanupTotallyFailed(ctx, keys)
		if err != nil {
			return total, fmt.Errorf("poller: cleaning up events: %w", err)
		}
		total += n

		if len(keys) < bootstrapFeedChunkSize {
			return total, nil
		}
		currentKey = keys[len(keys)-1] + "\x00"
	}
}

func (p *Poller) loadMarker() (*types.PollingMarker, error) {
	raw, err := p.store.Get(bucketMeta, markerKey)
	if err == storage.ErrNotFound {
		return &types.PollingMarker{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodePollingMarker(raw)
}

func (p *Poller) persistMarker(marker *types.PollingMarker) error {
	raw, err := encodePollingMarker(marker)
	if err != nil {
		return err
	}
	return p.store.Put(bucketMeta, markerKey, raw)
}

// sequenceName derives the deterministic first-task name of a generation
// from its last_start timestamp, mirroring the original hub's use of the
// epoch-seconds value as a reentrant task name.
func sequenceName(lastStart time.Time) string {
	return strconv.FormatInt(lastStart.Unix(), 10)
}
