// Package subscription implements the Subscription Manager (spec §4.C):
// subscribe/unsubscribe intake in both sync and async verification modes,
// the callback challenge handshake, and the exponential-backoff retry state
// machine that eventually gives up on an unreachable subscriber.
package subscription

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	hubbackoff "github.com/cuemby/warren/pkg/backoff"
	"github.com/cuemby/warren/pkg/clock"
	"github.com/cuemby/warren/pkg/hashkey"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/queue"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
)

const (
	bucketSubscriptions = "subscriptions"
	bucketKnownFeeds    = "known_feeds"

	// QueueName is the logical task queue verification work is enqueued on.
	QueueName = "subscriptions"
	// WorkerPath is the HTTP endpoint ConfirmWork is driven from.
	WorkerPath = "/work/subscriptions"

	defaultLeaseSeconds = int64(30 * 24 * time.Hour / time.Second)
	maxLeaseSeconds     = int64(90 * 24 * time.Hour / time.Second)

	subscriptionRetryPeriod        = 300 * time.Second
	maxSubscriptionConfirmFailures = 10
	challengeLength                = 128
	challengeAlphabet              = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"
)

// VerifyStyle is the synchronicity the caller asked for: an immediate
// round-trip, or a deferred, task-driven one.
type VerifyStyle string

const (
	VerifySync  VerifyStyle = "sync"
	VerifyAsync VerifyStyle = "async"
)

// Manager is the Subscription Manager component.
type Manager struct {
	store  storage.Store
	queue  queue.Queue
	clock  clock.Clock
	client *http.Client
	devEnv bool
	logger zerolog.Logger
}

// New builds a Manager. client is used for outbound challenge GETs; if nil,
// http.DefaultClient's transport is reused but redirects are never followed
// regardless, per spec.md §4.C.
func New(store storage.Store, q queue.Queue, clk clock.Clock, client *http.Client, devEnv bool) *Manager {
	if client == nil {
		client = &http.Client{}
	} else {
		c := *client
		client = &c
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Manager{
		store:  store,
		queue:  q,
		clock:  clk,
		client: client,
		devEnv: devEnv,
		logger: log.WithComponent("subscription"),
	}
}

// ErrValidation signals a 400-worthy input problem.
type ErrValidation struct{ Reason string }

func (e *ErrValidation) Error() string { return e.Reason }

// ErrSubscriberRejected signals a 409-worthy challenge failure.
type ErrSubscriberRejected struct{ Reason string }

func (e *ErrSubscriberRejected) Error() string { return e.Reason }

// Subscribe implements spec.md §4.C's Subscribe contract. It returns the
// HTTP status the caller should respond with.
func (m *Manager) Subscribe(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int64, verify VerifyStyle) (int, error) {
	return m.request(ctx, callback, topic, verifyToken, secret, leaseSeconds, verify, types.VerifyModeSubscribe)
}

// Unsubscribe implements spec.md §4.C's Unsubscribe contract.
func (m *Manager) Unsubscribe(ctx context.Context, callback, topic, verifyToken string, verify VerifyStyle) (int, error) {
	return m.request(ctx, callback, topic, verifyToken, "", 0, verify, types.VerifyModeUnsubscribe)
}

func (m *Manager) request(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int64, verify VerifyStyle, mode types.VerifyMode) (int, error) {
	normCallback, err := hashkey.Normalize(callback, m.devEnv)
	if err != nil {
		return http.StatusBadRequest, &ErrValidation{Reason: fmt.Sprintf("invalid hub.callback: %v", err)}
	}
	normTopic, err := hashkey.Normalize(topic, m.devEnv)
	if err != nil {
		return http.StatusBadRequest, &ErrValidation{Reason: fmt.Sprintf("invalid hub.topic: %v", err)}
	}

	if leaseSeconds <= 0 {
		leaseSeconds = defaultLeaseSeconds
	}
	if leaseSeconds > maxLeaseSeconds {
		leaseSeconds = maxLeaseSeconds
	}

	key := hashkey.Subscription(normCallback, normTopic)
	now := m.clock.Now()

	existing, loadErr := m.load(key)
	if loadErr != nil && loadErr != storage.ErrNotFound {
		return http.StatusServiceUnavailable, fmt.Errorf("subscription: load: %w", loadErr)
	}
	if mode == types.VerifyModeUnsubscribe && loadErr == storage.ErrNotFound {
		return http.StatusNoContent, nil
	}

	sub := &types.Subscription{
		Key:            key,
		Callback:       normCallback,
		Topic:          normTopic,
		State:          types.SubscriptionNotVerified,
		Mode:           mode,
		VerifyToken:    verifyToken,
		Secret:         secret,
		LeaseSeconds:   leaseSeconds,
		ExpirationTime: now.Add(time.Duration(leaseSeconds) * time.Second),
		CreatedAt:      now,
		LastModified:   now,
	}

	if verify == VerifySync {
		ok, status, err := m.challenge(ctx, sub)
		if err != nil {
			return http.StatusServiceUnavailable, fmt.Errorf("subscription: challenge: %w", err)
		}
		if !ok {
			return http.StatusConflict, &ErrSubscriberRejected{Reason: fmt.Sprintf("challenge failed with status %d", status)}
		}

		if mode == types.VerifyModeSubscribe {
			sub.State = types.SubscriptionVerified
			if err := m.persist(sub); err != nil {
				return http.StatusServiceUnavailable, err
			}
			if err := m.markKnown(normTopic); err != nil {
				return http.StatusServiceUnavailable, err
			}
			if err := m.indexVerified(sub); err != nil {
				return http.StatusServiceUnavailable, err
			}
		} else {
			if existing != nil && existing.State == types.SubscriptionVerified {
				if err := m.unindex(existing); err != nil {
					return http.StatusServiceUnavailable, err
				}
			}
			if err := m.store.Delete(bucketSubscriptions, key); err != nil {
				return http.StatusServiceUnavailable, err
			}
		}
		metrics.SubscriptionConfirmTotal.WithLabelValues("verified").Inc()
		return http.StatusNoContent, nil
	}

	// Async: load-or-create, then enqueue. A repeated identical request
	// before verification completes just re-enqueues under the same
	// dedupe name, which the queue collapses to a no-op.
	if loadErr == nil {
		sub.CreatedAt = existing.CreatedAt
		sub.ConfirmFailures = existing.ConfirmFailures
		if mode == types.VerifyModeUnsubscribe {
			if existing.State != types.SubscriptionVerified && existing.State != types.SubscriptionToDelete {
				return http.StatusNoContent, nil
			}
			sub = existing
			sub.Mode = types.VerifyModeUnsubscribe
			sub.State = types.SubscriptionToDelete
			sub.LastModified = now
		}
	}

	if err := m.persist(sub); err != nil {
		return http.StatusServiceUnavailable, err
	}

	task := queue.Task{
		Queue:  QueueName,
		Name:   "confirm-" + key,
		URL:    WorkerPath,
		Params: map[string]string{"subscription_key": key},
		ETA:    now,
	}
	if err := queue.EnqueueWithRetry(ctx, m.queue, task, 3); err != nil && err != queue.ErrDuplicateTask {
		return http.StatusServiceUnavailable, fmt.Errorf("subscription: enqueue: %w", err)
	}
	metrics.TaskEnqueuedTotal.WithLabelValues(QueueName).Inc()

	return http.StatusAccepted, nil
}

// ConfirmWork drives one verification task: issues the challenge and
// applies the resulting state transition, or records a failure for retry.
func (m *Manager) ConfirmWork(ctx context.Context, subKey string) error {
	sub, err := m.load(subKey)
	if err == storage.ErrNotFound {
		return nil // already resolved or reaped; idempotent no-op
	}
	if err != nil {
		return fmt.Errorf("subscription: load: %w", err)
	}

	if sub.State != types.SubscriptionNotVerified && sub.State != types.SubscriptionToDelete {
		return nil
	}

	ok, _, err := m.challenge(ctx, sub)
	if err != nil || !ok {
		return m.confirmFailed(sub)
	}

	switch sub.Mode {
	case types.VerifyModeSubscribe:
		sub.State = types.SubscriptionVerified
		sub.ConfirmFailures = 0
		sub.LastModified = m.clock.Now()
		if err := m.persist(sub); err != nil {
			return err
		}
		if err := m.markKnown(sub.Topic); err != nil {
			return err
		}
		if err := m.indexVerified(sub); err != nil {
			return err
		}
	case types.VerifyModeUnsubscribe:
		if err := m.unindex(sub); err != nil {
			return err
		}
		if err := m.store.Delete(bucketSubscriptions, sub.Key); err != nil {
			return fmt.Errorf("subscription: delete: %w", err)
		}
	}

	m.logger.Info().Str("subscription_key", subKey).Str("mode", string(sub.Mode)).Msg("subscription confirmed")
	metrics.SubscriptionConfirmTotal.WithLabelValues("verified").Inc()
	return nil
}

// confirmFailed applies the retry/give-up backoff ladder from spec.md §4.C.
func (m *Manager) confirmFailed(sub *types.Subscription) error {
	now := m.clock.Now()

	if sub.ConfirmFailures >= maxSubscriptionConfirmFailures {
		metrics.SubscriptionConfirmTotal.WithLabelValues("given_up").Inc()
		if sub.State == types.SubscriptionToDelete {
			if err := m.unindex(sub); err != nil {
				return err
			}
		}
		return m.store.Delete(bucketSubscriptions, sub.Key)
	}

	eta := hubbackoff.ComputeETA(now, subscriptionRetryPeriod, sub.ConfirmFailures)
	sub.ConfirmFailures++
	sub.NextAttemptETA = eta
	sub.LastModified = now
	if err := m.persist(sub); err != nil {
		return err
	}

	task := queue.Task{
		Queue:  QueueName,
		Name:   fmt.Sprintf("confirm-%s-%d", sub.Key, sub.ConfirmFailures),
		URL:    WorkerPath,
		Params: map[string]string{"subscription_key": sub.Key},
		ETA:    eta,
	}
	metrics.SubscriptionConfirmTotal.WithLabelValues("failed").Inc()
	if err := queue.EnqueueWithRetry(context.Background(), m.queue, task, 3); err != nil && err != queue.ErrDuplicateTask {
		return fmt.Errorf("subscription: enqueue retry: %w", err)
	}
	return nil
}

// challenge performs the GET handshake and reports whether it succeeded.
func (m *Manager) challenge(ctx context.Context, sub *types.Subscription) (bool, int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SubscriptionConfirmDuration)

	token := generateChallenge()
	lease := sub.LeaseSeconds
	if lease > maxLeaseSeconds {
		lease = maxLeaseSeconds
	}

	q := url.Values{}
	q.Set("hub.mode", string(sub.Mode))
	q.Set("hub.topic", sub.Topic)
	q.Set("hub.challenge", token)
	q.Set("hub.lease_seconds", fmt.Sprintf("%d", lease))
	if sub.VerifyToken != "" {
		q.Set("hub.verify_token", sub.VerifyToken)
	}

	reqURL := sub.Callback
	if parsed, err := url.Parse(sub.Callback); err == nil {
		existing := parsed.Query()
		for k, vs := range q {
			for _, v := range vs {
				existing.Add(k, v)
			}
		}
		parsed.RawQuery = existing.Encode()
		reqURL = parsed.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false, 0, fmt.Errorf("subscription: building challenge request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false, 0, fmt.Errorf("subscription: challenge request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, challengeLength*2))
	if err != nil {
		return false, resp.StatusCode, fmt.Errorf("subscription: reading challenge response: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300 && string(body) == token
	return ok, resp.StatusCode, nil
}

func generateChallenge() string {
	buf := make([]byte, challengeLength)
	random := make([]byte, challengeLength)
	if _, err := rand.Read(random); err != nil {
		panic(fmt.Sprintf("subscription: reading random bytes: %v", err))
	}
	for i, b := range random {
		buf[i] = challengeAlphabet[int(b)%len(challengeAlphabet)]
	}
	return string(buf)
}

func (m *Manager) load(key string) (*types.Subscription, error) {
	raw, err := m.store.Get(bucketSubscriptions, key)
	if err != nil {
		return nil, err
	}
	return decodeSubscription(raw)
}

func (m *Manager) persist(sub *types.Subscription) error {
	raw, err := encodeSubscription(sub)
	if err != nil {
		return err
	}
	return m.store.Put(bucketSubscriptions, sub.Key, raw)
}

func (m *Manager) markKnown(topic string) error {
	key := hashkey.Topic(topic)
	raw, err := encodeKnownFeed(&types.KnownFeed{Key: key, Topic: topic})
	if err != nil {
		return err
	}
	return m.store.Put(bucketKnownFeeds, key, raw)
}

// topicSubscribersBucket names the flat index the delivery engine and fetch
// pipeline page through: callback-hash -> subscription key, for one topic.
// It is a secondary index outside any entity group (spec.md §4.A: "multi-
// entity writes outside a group need not be atomic; the pipeline never
// requires this"), kept eventually consistent with the Subscription rows.
func topicSubscribersBucket(topicHash string) string {
	return "topic_subs:" + topicHash
}

func (m *Manager) indexVerified(sub *types.Subscription) error {
	bucket := topicSubscribersBucket(hashkey.Topic(sub.Topic))
	return m.store.Put(bucket, hashkey.Callback(sub.Callback), []byte(sub.Key))
}

func (m *Manager) unindex(sub *types.Subscription) error {
	bucket := topicSubscribersBucket(hashkey.Topic(sub.Topic))
	return m.store.Delete(bucket, hashkey.Callback(sub.Callback))
}

// ListVerified returns up to limit verified Subscriptions for topic, ordered
// by callback hash, starting at (and including) startCallbackHash. Stale
// index entries whose Subscription has since changed state or been deleted
// are silently skipped, per spec.md §4.E's "skipping any since-deleted".
func (m *Manager) ListVerified(topic, startCallbackHash string, limit int) ([]*types.Subscription, error) {
	bucket := topicSubscribersBucket(hashkey.Topic(topic))
	hashes, err := m.store.ListFrom(bucket, startCallbackHash, limit)
	if err != nil {
		return nil, fmt.Errorf("subscription: listing topic index: %w", err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	keyBytes, err := m.store.MultiGet(bucket, hashes)
	if err != nil {
		return nil, fmt.Errorf("subscription: resolving topic index: %w", err)
	}

	subs := make([]*types.Subscription, 0, len(hashes))
	for _, h := range hashes {
		raw, ok := keyBytes[h]
		if !ok {
			continue
		}
		sub, err := m.load(string(raw))
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("subscription: resolving subscription: %w", err)
		}
		if sub.State != types.SubscriptionVerified {
			continue
		}
		subs = append(subs, sub)
	}
	if len(subs) < limit && len(hashes) == limit {
		more, err := m.ListVerified(topic, hashes[len(hashes)-1]+"\x00", limit-len(subs))
		if err != nil {
			return nil, err
		}
		subs = append(subs, more...)
	}
	return subs, nil
}

// HasVerified reports whether topic has at least one verified subscriber.
func (m *Manager) HasVerified(topic string) (bool, error) {
	subs, err := m.ListVerified(topic, "", 1)
	if err != nil {
		return false, err
	}
	return len(subs) > 0, nil
}

// ResolveByKey loads a Subscription by its store key, used by the delivery
// engine to turn a retry-list reference back into a live subscription.
func (m *Manager) ResolveByKey(key string) (*types.Subscription, error) {
	return m.load(key)
}
