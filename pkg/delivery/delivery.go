// Package delivery implements the Event Delivery Engine (spec §4.E): fan-out
// of one fetched event to every verified subscriber of its topic, in bounded
// concurrent chunks, with a Normal pass followed by a ring-buffered Retry
// pass over any subscribers that failed, and an exponential backoff/give-up
// ladder once a full retry lap still has stragglers.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	hubbackoff "github.com/cuemby/warren/pkg/backoff"
	"github.com/cuemby/warren/pkg/clock"
	"github.com/cuemby/warren/pkg/hashkey"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/queue"
	"github.com/cuemby/warren/pkg/signing"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/subscription"
	"github.com/cuemby/warren/pkg/types"
)

const (
	groupEvents = "events"

	// QueueName is the logical task queue delivery work is enqueued on.
	QueueName = "event-deliveries"
	// WorkerPath is the HTTP endpoint the delivery worker is driven from.
	WorkerPath = "/work/push_events"

	// chunkSize is EVENT_SUBSCRIBER_CHUNK_SIZE from spec.md §6.
	chunkSize = 10

	// maxConcurrentDeliveries bounds in-flight HTTP requests per chunk.
	maxConcurrentDeliveries = 10

	requestTimeout = 30 * time.Second

	deliveryRetryPeriod = 60 * time.Second
	maxDeliveryFailures = 8

	// eventCleanupMaxAge is EVENT_CLEANUP_MAX_AGE_SECONDS, left unspecified
	// numerically by the spec; chosen here and recorded in DESIGN.md.
	eventCleanupMaxAge = 7 * 24 * time.Hour
)

// Engine is the Event Delivery Engine component.
type Engine struct {
	store  storage.Store
	queue  queue.Queue
	subs   *subscription.Manager
	signer signing.Signer
	clock  clock.Clock
	client *http.Client
	logger zerolog.Logger
}

// New builds an Engine. client is used for outbound subscriber POSTs.
func New(store storage.Store, q queue.Queue, subs *subscription.Manager, signer signing.Signer, clk clock.Clock, client *http.Client) *Engine {
	if signer == nil {
		signer = signing.HMACSHA1Signer{}
	}
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &Engine{
		store:  store,
		queue:  q,
		subs:   subs,
		signer: signer,
		clock:  clk,
		client: client,
		logger: log.WithComponent("delivery"),
	}
}

// Work drives one delivery pass for one specific event, addressed by
// eventKey (spec.md §4.E's Deliver(eventKey) contract: a topic's group can
// hold more than one outstanding event, so this never addresses "the"
// event for a topic, only this one).
func (e *Engine) Work(ctx context.Context, eventKey string) error {
	topicHash, subKey, ok := splitEventKey(eventKey)
	if !ok {
		return fmt.Errorf("delivery: malformed event key %q", eventKey)
	}
	event, err := e.loadEvent(topicHash, subKey)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delivery: loading event: %w", err)
	}
	if event.TotallyFailed {
		return nil
	}

	if event.Mode == types.DeliveryModeRetry {
		return e.workRetry(ctx, event)
	}
	return e.workNormal(ctx, event)
}

// workNormal implements the Normal-mode chunking described in spec.md §4.E:
// a chunk_size+1 lookahead detects whether more subscribers remain past the
// current chunk.
func (e *Engine) workNormal(ctx context.Context, event *types.EventToDeliver) error {
	timer := metrics.NewTimer()

	// The listing starts at (and includes) LastCallback, which was already
	// delivered and is dropped below, so ask for one more on continuations.
	limit := chunkSize + 1
	if event.LastCallback != "" {
		limit++
	}
	page, err := e.subs.ListVerified(event.Topic, event.LastCallback, limit)
	if err != nil {
		return fmt.Errorf("delivery: listing subscribers: %w", err)
	}
	if event.LastCallback != "" && len(page) > 0 && hashkey.Callback(page[0].Callback) == event.LastCallback {
		page = page[1:]
	}

	if len(page) == 0 {
		if len(event.FailedCallbacks) == 0 {
			return e.retire(event)
		}
		return e.beginRetry(event)
	}

	hasMore := len(page) > chunkSize
	if hasMore {
		page = page[:chunkSize]
	}

	failed := e.dispatch(ctx, event, page)
	timer.ObserveDurationVec(metrics.DeliveryChunkDuration, string(event.Mode))

	event.FailedCallbacks = append(event.FailedCallbacks, failed...)
	event.LastCallback = hashkey.Callback(page[len(page)-1].Callback)
	if err := e.persistEvent(event); err != nil {
		return err
	}

	if hasMore {
		return e.enqueueContinue(ctx, event.Key, e.clock.Now())
	}
	if len(event.FailedCallbacks) == 0 {
		return e.retire(event)
	}
	return e.beginRetry(event)
}

// beginRetry switches the event into Retry mode, clearing the cursor so the
// next invocation establishes the ring's sentinel.
func (e *Engine) beginRetry(event *types.EventToDeliver) error {
	event.Mode = types.DeliveryModeRetry
	event.LastCallback = ""
	if err := e.persistEvent(event); err != nil {
		return err
	}
	return e.enqueueContinue(context.Background(), event.Key, e.clock.Now())
}

// workRetry implements the ring-buffer Retry mode of spec.md §4.E: pop up to
// chunk_size references from the front of FailedCallbacks, deliver, and
// re-append any that fail again to the tail. The sentinel is the reference
// at the tail of FailedCallbacks when a lap starts; a chunk never pops past
// it, and the lap is complete once the ring empties or the sentinel has been
// popped, whether or not its delivery succeeded.
func (e *Engine) workRetry(ctx context.Context, event *types.EventToDeliver) error {
	timer := metrics.NewTimer()

	if len(event.FailedCallbacks) == 0 {
		return e.retire(event)
	}

	sentinel := event.LastCallback
	if sentinel == "" {
		sentinel = event.FailedCallbacks[len(event.FailedCallbacks)-1]
		event.LastCallback = sentinel
	}

	n := chunkSize
	if n > len(event.FailedCallbacks) {
		n = len(event.FailedCallbacks)
	}
	lapDone := false
	for i, key := range event.FailedCallbacks[:n] {
		if key == sentinel {
			n, lapDone = i+1, true
			break
		}
	}
	popped := event.FailedCallbacks[:n]
	remainder := append([]string(nil), event.FailedCallbacks[n:]...)

	var live []*types.Subscription
	for _, key := range popped {
		sub, err := e.subs.ResolveByKey(key)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return fmt.Errorf("delivery: resolving retry candidate: %w", err)
		}
		if sub.State == types.SubscriptionVerified {
			live = append(live, sub)
		}
	}

	var failed []string
	if len(live) > 0 {
		failed = e.dispatch(ctx, event, live)
	}
	timer.ObserveDurationVec(metrics.DeliveryChunkDuration, string(event.Mode))

	event.FailedCallbacks = append(remainder, failed...)

	if len(event.FailedCallbacks) == 0 {
		return e.retire(event)
	}

	if !lapDone {
		if err := e.persistEvent(event); err != nil {
			return err
		}
		return e.enqueueContinue(ctx, event.Key, e.clock.Now())
	}

	// Full lap complete; stragglers remain.
	now := e.clock.Now()
	eta := hubbackoff.ComputeETA(now, deliveryRetryPeriod, event.RetryAttempts)
	event.RetryAttempts++
	event.LastCallback = ""
	event.LastModified = eta

	if event.RetryAttempts > maxDeliveryFailures {
		event.TotallyFailed = true
		metrics.EventsTotallyFailedTotal.Inc()
		return e.persistEvent(event)
	}

	if err := e.persistEvent(event); err != nil {
		return err
	}
	return e.enqueueContinue(context.Background(), event.Key, eta)
}

// dispatch delivers the payload to every subscriber in chunk concurrently,
// bounded by maxConcurrentDeliveries, and returns the subscription keys that
// failed.
func (e *Engine) dispatch(ctx context.Context, event *types.EventToDeliver, chunk []*types.Subscription) []string {
	sem := make(chan struct{}, maxConcurrentDeliveries)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed []string

	for _, sub := range chunk {
		sub := sub
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()

			if err := e.deliverOne(reqCtx, sub, event); err != nil {
				e.logger.Warn().Str("callback", sub.Callback).Err(err).Msg("delivery attempt failed")
				metrics.DeliveryAttemptsTotal.WithLabelValues("failed").Inc()
				mu.Lock()
				failed = append(failed, sub.Key)
				mu.Unlock()
				return
			}
			metrics.DeliveryAttemptsTotal.WithLabelValues("success").Inc()
		}()
	}
	wg.Wait()
	return failed
}

func (e *Engine) deliverOne(ctx context.Context, sub *types.Subscription, event *types.EventToDeliver) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Callback, bytes.NewReader(event.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", event.ContentType)
	secret := sub.Secret
	if secret == "" {
		secret = sub.VerifyToken
	}
	if sig := e.signer.Sign(secret, event.Payload); sig != "" {
		req.Header.Set("X-Hub-Signature", sig)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("subscriber returned status %d", resp.StatusCode)
	}
	return nil
}

// splitEventKey recovers the topic hash and the within-group sub-key from a
// composite event key (group + ":" + sub-key, as fetch.commitDiff mints
// them): GroupTx operations are already scoped to the group, so only the
// sub-key is ever used as the groupEvents storage key.
func splitEventKey(eventKey string) (topicHash, subKey string, ok bool) {
	i := strings.IndexByte(eventKey, ':')
	if i < 0 {
		return "", "", false
	}
	return eventKey[:i], eventKey[i+1:], true
}

func (e *Engine) retire(event *types.EventToDeliver) error {
	_, subKey, ok := splitEventKey(event.Key)
	if !ok {
		return fmt.Errorf("delivery: malformed event key %q", event.Key)
	}
	return e.store.RunInGroup(event.TopicHash, func(tx storage.GroupTx) error {
		return tx.Delete(groupEvents, subKey)
	})
}

// enqueueContinue schedules the next delivery pass for one event, named by
// its key so a stuck or duplicated continuation can be found and purged by
// that same name (see CleanupTotallyFailed). Purge runs first so a prior
// continuation's dedupe record never blocks scheduling the next one for the
// same event.
func (e *Engine) enqueueContinue(ctx context.Context, eventKey string, eta time.Time) error {
	if err := e.queue.Purge(ctx, QueueName, eventKey); err != nil {
		return fmt.Errorf("delivery: clearing prior continuation: %w", err)
	}
	task := queue.Task{
		Queue:  QueueName,
		Name:   eventKey,
		URL:    WorkerPath,
		Params: map[string]string{"event_key": eventKey},
		ETA:    eta,
	}
	if err := queue.EnqueueWithRetry(ctx, e.queue, task, 3); err != nil {
		return fmt.Errorf("delivery: enqueue continuation: %w", err)
	}
	metrics.TaskEnqueuedTotal.WithLabelValues(QueueName).Inc()
	return nil
}

func (e *Engine) loadEvent(topicHash, subKey string) (*types.EventToDeliver, error) {
	var event *types.EventToDeliver
	err := e.store.RunInGroup(topicHash, func(tx storage.GroupTx) error {
		raw, err := tx.Get(groupEvents, subKey)
		if err != nil {
			return err
		}
		event, err = decodeEventToDeliver(raw)
		return err
	})
	return event, err
}

func (e *Engine) persistEvent(event *types.EventToDeliver) error {
	_, subKey, ok := splitEventKey(event.Key)
	if !ok {
		return fmt.Errorf("delivery: malformed event key %q", event.Key)
	}
	return e.store.RunInGroup(event.TopicHash, func(tx storage.GroupTx) error {
		raw, err := encodeEventToDeliver(event)
		if err != nil {
			return err
		}
		return tx.Put(groupEvents, subKey, raw)
	})
}

// CleanupTotallyFailed purges events that gave up more than
// eventCleanupMaxAge ago, along with any residual delivery tasks for them.
// topicHashes may each have zero, one, or several outstanding events, so
// every hash's group is enumerated rather than assuming a single slot.
func (e *Engine) CleanupTotallyFailed(ctx context.Context, topicHashes []string) (int, error) {
	cutoff := e.clock.Now().Add(-eventCleanupMaxAge)
	reaped := 0
	for _, hash := range topicHashes {
		var subKeys []string
		err := e.store.RunInGroup(hash, func(tx storage.GroupTx) error {
			var err error
			subKeys, err = tx.ListKeys(groupEvents)
			return err
		})
		if err != nil {
			return reaped, err
		}

		for _, subKey := range subKeys {
			event, err := e.loadEvent(hash, subKey)
			if err == storage.ErrNotFound {
				continue
			}
			if err != nil {
				return reaped, err
			}
			if !event.TotallyFailed || event.LastModified.After(cutoff) {
				continue
			}
			if err := e.retire(event); err != nil {
				return reaped, err
			}
			if err := e.queue.Purge(ctx, QueueName, event.Key); err != nil {
				return reaped, err
			}
			reaped++
			metrics.EventsCleanedUpTotal.Inc()
		}
	}
	return reaped, nil
}
