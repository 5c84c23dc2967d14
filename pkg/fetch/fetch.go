// Package fetch implements the Feed Fetch/Diff Pipeline (spec §4.D): per-
// topic fetch de-duplication, conditional GET, parser fallback, entry-level
// diffing, and the atomic commit that ties new/changed entries, the updated
// feed envelope, and a delivery event together.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	hubbackoff "github.com/cuemby/warren/pkg/backoff"
	"github.com/cuemby/warren/pkg/clock"
	"github.com/cuemby/warren/pkg/delivery"
	"github.com/cuemby/warren/pkg/feed"
	"github.com/cuemby/warren/pkg/hashkey"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/queue"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/subscription"
	"github.com/cuemby/warren/pkg/types"
)

const (
	bucketFeedsToFetch = "feeds_to_fetch"
	bucketKnownFeeds   = "known_feeds"

	groupRecord  = "record"
	groupEntries = "entries"
	groupEvents  = "events"
	recordKey    = "record"

	// QueueName is the logical task queue fetch work is enqueued on.
	QueueName = "feed-pulls"
	// WorkerPath is the HTTP endpoint the fetch worker is driven from.
	WorkerPath = "/work/pull_feeds"

	feedPullRetryPeriod = 60 * time.Second
	maxFeedPullFailures = 9

	// maxRedirects, maxFeedEntryRecordLookups, maxNewFeedEntryRecords,
	// putSplittingAttempts and maxCommitBytes are left unspecified in
	// numeric terms by the spec; these values are this implementation's
	// choice, recorded as an Open Question resolution in DESIGN.md.
	maxRedirects              = 3
	maxFeedEntryRecordLookups = 100
	maxNewFeedEntryRecords    = 200
	putSplittingAttempts      = 4
	maxCommitBytes            = 900 * 1024 // homage to the App Engine entity-group write limit
)

// Pipeline is the Feed Fetch/Diff Pipeline component.
type Pipeline struct {
	store  storage.Store
	queue  queue.Queue
	subs   *subscription.Manager
	differ feed.Differ
	clock  clock.Clock
	client *http.Client
	logger zerolog.Logger
}

// New builds a Pipeline. client is used for outbound conditional GETs.
func New(store storage.Store, q queue.Queue, subs *subscription.Manager, differ feed.Differ, clk clock.Clock, client *http.Client) *Pipeline {
	if differ == nil {
		differ = feed.DefaultDiffer{}
	}
	if client == nil {
		client = &http.Client{}
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("fetch: stopped after %d redirects", maxRedirects)
		}
		return nil
	}
	return &Pipeline{
		store:  store,
		queue:  q,
		subs:   subs,
		differ: differ,
		clock:  clk,
		client: client,
		logger: log.WithComponent("fetch"),
	}
}

// Publish implements spec.md §4.D's Publish contract: insert a FeedToFetch
// for every distinct topic already in the KnownFeed set, enqueue a fetch
// task per insertion, and silently drop unknown topics.
func (p *Pipeline) Publish(ctx context.Context, topicURLs []string) error {
	seen := make(map[string]bool, len(topicURLs))
	for _, topic := range topicURLs {
		if seen[topic] {
			continue
		}
		seen[topic] = true

		key := hashkey.Topic(topic)
		if _, err := p.store.Get(bucketKnownFeeds, key); err == storage.ErrNotFound {
			continue
		} else if err != nil {
			return fmt.Errorf("fetch: checking known feed: %w", err)
		}

		now := p.clock.Now()
		ftf := &types.FeedToFetch{Key: key, Topic: topic, ETA: now}
		raw, err := encodeFeedToFetch(ftf)
		if err != nil {
			return err
		}
		if err := p.store.Put(bucketFeedsToFetch, key, raw); err != nil {
			return fmt.Errorf("fetch: inserting feed_to_fetch: %w", err)
		}

		task := queue.Task{Queue: QueueName, URL: WorkerPath, Params: map[string]string{"topic_key": key}, ETA: now}
		if err := queue.EnqueueWithRetry(ctx, p.queue, task, 3); err != nil {
			return fmt.Errorf("fetch: enqueue: %w", err)
		}
		metrics.TaskEnqueuedTotal.WithLabelValues(QueueName).Inc()
	}
	return nil
}

// Work processes one fetch task for topicKey, per the per-topic fetch
// worker steps in spec.md §4.D.
func (p *Pipeline) Work(ctx context.Context, topicKey string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FeedFetchDuration)

	ftf, err := p.loadFeedToFetch(topicKey)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch: loading feed_to_fetch: %w", err)
	}

	logger := log.WithTopic(ftf.Topic)

	hasVerified, err := p.subs.HasVerified(ftf.Topic)
	if err != nil {
		return fmt.Errorf("fetch: checking subscribers: %w", err)
	}
	if !hasVerified {
		if err := p.gcIfStillOwed(ftf); err != nil {
			return err
		}
		metrics.FeedFetchTotal.WithLabelValues("no_subscribers").Inc()
		return nil
	}

	record, err := p.loadFeedRecord(ftf.Topic)
	if err != nil {
		return fmt.Errorf("fetch: loading feed record: %w", err)
	}

	resp, body, err := p.conditionalGet(ctx, ftf.Topic, record)
	if err != nil {
		logger.Warn().Err(err).Msg("feed fetch transport failure")
		metrics.FeedFetchTotal.WithLabelValues("failed").Inc()
		return p.fetchFailed(ftf)
	}

	if resp.StatusCode == http.StatusNotModified {
		metrics.FeedFetchTotal.WithLabelValues("not_modified").Inc()
		return p.done(ftf)
	}
	if resp.StatusCode != http.StatusOK {
		logger.Warn().Int("status", resp.StatusCode).Msg("feed fetch unexpected status")
		metrics.FeedFetchTotal.WithLabelValues("failed").Inc()
		return p.fetchFailed(ftf)
	}

	preferred := feed.FormatAtom
	if record != nil && record.Format == string(feed.FormatRSS) {
		preferred = feed.FormatRSS
	}
	parsed, err := p.differ.Parse(body, preferred)
	if err != nil {
		logger.Warn().Err(err).Msg("feed parse failure")
		metrics.FeedFetchTotal.WithLabelValues("failed").Inc()
		return p.fetchFailed(ftf)
	}

	changed, err := p.diffEntries(ftf.Topic, parsed)
	if err != nil {
		return fmt.Errorf("fetch: diffing entries: %w", err)
	}

	if len(changed) == 0 {
		metrics.FeedFetchTotal.WithLabelValues("no_change").Inc()
		if err := p.commitRecordOnly(ftf.Topic, parsed, resp); err != nil {
			return p.fetchFailed(ftf)
		}
		return p.done(ftf)
	}

	if len(changed) > maxNewFeedEntryRecords {
		changed = changed[:maxNewFeedEntryRecords]
	}

	payload := feed.BuildPayload(parsed, changed)
	eventKey, err := p.commitDiff(ftf.Topic, parsed, changed, payload, resp)
	if err != nil {
		logger.Warn().Err(err).Msg("commit failed, treating as fetch failure")
		metrics.FeedFetchTotal.WithLabelValues("failed").Inc()
		return p.fetchFailed(ftf)
	}

	metrics.FeedFetchTotal.WithLabelValues("diffed").Inc()
	metrics.FeedEntriesDiffedTotal.WithLabelValues("changed").Add(float64(len(changed)))

	now := p.clock.Now()
	task := queue.Task{Queue: delivery.QueueName, URL: delivery.WorkerPath, Params: map[string]string{"event_key": eventKey}, ETA: now}
	if err := queue.EnqueueWithRetry(ctx, p.queue, task, 3); err != nil {
		return fmt.Errorf("fetch: enqueue delivery: %w", err)
	}
	metrics.TaskEnqueuedTotal.WithLabelValues(delivery.QueueName).Inc()

	return p.done(ftf)
}

// gcIfStillOwed implements the lazy-GC path of step 2: delete FeedToFetch
// and KnownFeed together only if no concurrent publish/poll has since moved
// the FeedToFetch's ETA forward.
func (p *Pipeline) gcIfStillOwed(ftf *types.FeedToFetch) error {
	current, err := p.loadFeedToFetch(ftf.Key)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if !current.ETA.Equal(ftf.ETA) {
		return nil
	}
	if err := p.store.Delete(bucketFeedsToFetch, ftf.Key); err != nil {
		return fmt.Errorf("fetch: deleting feed_to_fetch: %w", err)
	}
	if err := p.store.Delete(bucketKnownFeeds, ftf.Key); err != nil {
		return fmt.Errorf("fetch: deleting known_feed: %w", err)
	}
	return nil
}

// done implements the done protocol of step 10: reload, and delete only if
// the persisted ETA still matches the one this worker was handling.
func (p *Pipeline) done(ftf *types.FeedToFetch) error {
	current, err := p.loadFeedToFetch(ftf.Key)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if !current.ETA.Equal(ftf.ETA) {
		return nil
	}
	return p.store.Delete(bucketFeedsToFetch, ftf.Key)
}

// fetchFailed applies the exponential backoff/give-up ladder of spec.md
// §4.D's fetchFailed.
func (p *Pipeline) fetchFailed(ftf *types.FeedToFetch) error {
	now := p.clock.Now()

	if ftf.FetchingFailures >= maxFeedPullFailures {
		ftf.TotallyFailed = true
		return p.persistFeedToFetch(ftf)
	}

	eta := hubbackoff.ComputeETA(now, feedPullRetryPeriod, ftf.FetchingFailures)
	ftf.FetchingFailures++
	ftf.ETA = eta
	if err := p.persistFeedToFetch(ftf); err != nil {
		return err
	}

	task := queue.Task{
		Queue:  QueueName,
		Name:   fmt.Sprintf("fetch-%s-%d", ftf.Key, ftf.FetchingFailures),
		URL:    WorkerPath,
		Params: map[string]string{"topic_key": ftf.Key},
		ETA:    eta,
	}
	if err := queue.EnqueueWithRetry(context.Background(), p.queue, task, 3); err != nil && err != queue.ErrDuplicateTask {
		return fmt.Errorf("fetch: enqueue retry: %w", err)
	}
	return nil
}

func (p *Pipeline) conditionalGet(ctx context.Context, topic string, record *types.FeedRecord) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, topic, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Cache-Control", "no-cache, no-store, max-age=1")
	if record != nil {
		if record.LastModifiedHdr != "" {
			req.Header.Set("If-Modified-Since", record.LastModifiedHdr)
		}
		if record.ETag != "" {
			req.Header.Set("If-None-Match", record.ETag)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

// diffEntries retrieves existing FeedEntryRecord rows in bounded batches and
// classifies each parsed entry as new, updated, or unchanged.
func (p *Pipeline) diffEntries(topic string, parsed *feed.ParsedFeed) ([]feed.Entry, error) {
	group := hashkey.Topic(topic)

	var changed []feed.Entry
	for start := 0; start < len(parsed.Entries); start += maxFeedEntryRecordLookups {
		end := start + maxFeedEntryRecordLookups
		if end > len(parsed.Entries) {
			end = len(parsed.Entries)
		}
		batch := parsed.Entries[start:end]

		keys := make([]string, len(batch))
		for i, e := range batch {
			keys[i] = hashkey.EntryID(e.ID)
		}

		var existing map[string][]byte
		err := p.store.RunInGroup(group, func(tx storage.GroupTx) error {
			var gerr error
			for _, k := range keys {
				raw, err := tx.Get(groupEntries, k)
				if err == nil {
					if existing == nil {
						existing = make(map[string][]byte, len(keys))
					}
					existing[k] = raw
				} else if err != storage.ErrNotFound {
					gerr = err
					break
				}
			}
			return gerr
		})
		if err != nil {
			return nil, err
		}

		for _, e := range batch {
			k := hashkey.EntryID(e.ID)
			raw, ok := existing[k]
			if !ok {
				changed = append(changed, e)
				continue
			}
			prior, err := decodeFeedEntryRecord(raw)
			if err != nil {
				return nil, err
			}
			if prior.ContentHash != e.ContentHash {
				changed = append(changed, e)
			}
		}
	}
	return changed, nil
}

// commitDiff performs the atomic commit of step 9: new/updated entry
// records, the updated FeedRecord, and a new EventToDeliver, splitting the
// entry batch in half on an oversized commit up to putSplittingAttempts
// times before giving up. It returns the new event's key.
func (p *Pipeline) commitDiff(topic string, parsed *feed.ParsedFeed, changed []feed.Entry, payload []byte, resp *http.Response) (string, error) {
	group := hashkey.Topic(topic)
	attempt := 0
	entries := changed

	for {
		key, ok, err := p.tryCommit(group, topic, parsed, entries, payload, resp)
		if err != nil {
			return "", err
		}
		if ok {
			return key, nil
		}

		attempt++
		if attempt > putSplittingAttempts || len(entries) <= 1 {
			return "", fmt.Errorf("fetch: commit too large after %d attempts", attempt)
		}
		entries = entries[:len(entries)/2]
		payload = feed.BuildPayload(parsed, entries)
	}
}

// tryCommit writes one attempt of commitDiff's atomic commit. A topic's
// entity group may already hold an EventToDeliver from a still-outstanding
// prior fetch (spec.md §3 places no "at most one per topic" invariant on
// EventToDeliver, unlike FeedToFetch), so this always inserts a new row
// rather than overwriting whatever the group already has under groupEvents.
func (p *Pipeline) tryCommit(group, topic string, parsed *feed.ParsedFeed, entries []feed.Entry, payload []byte, resp *http.Response) (string, bool, error) {
	size := len(payload)
	for _, e := range entries {
		size += len(e.XML)
	}
	if size > maxCommitBytes {
		return "", false, nil
	}

	now := p.clock.Now()
	record := &types.FeedRecord{
		Key:             group,
		Topic:           topic,
		Format:          string(parsed.Format),
		HeaderFooterXML: string(parsed.Header) + string(parsed.Footer),
		LastUpdated:     now,
		ContentType:     parsed.Format.ContentType(),
		LastModifiedHdr: resp.Header.Get("Last-Modified"),
		ETag:            resp.Header.Get("ETag"),
	}

	var eventKey string
	err := p.store.RunInGroup(group, func(tx storage.GroupTx) error {
		items := make(map[string][]byte, len(entries))
		for _, e := range entries {
			rec := &types.FeedEntryRecord{
				Key:         hashkey.EntryID(e.ID),
				EntryID:     e.ID,
				EntryIDHash: hashkey.EntryID(e.ID),
				ContentHash: e.ContentHash,
				UpdateTime:  now,
			}
			raw, err := encodeFeedEntryRecord(rec)
			if err != nil {
				return err
			}
			items[rec.Key] = raw
		}
		if err := tx.MultiPut(groupEntries, items); err != nil {
			return err
		}

		recRaw, err := encodeFeedRecord(record)
		if err != nil {
			return err
		}
		if err := tx.Put(groupRecord, recordKey, recRaw); err != nil {
			return err
		}

		existing, err := tx.ListKeys(groupEvents)
		if err != nil {
			return err
		}
		taken := make(map[string]bool, len(existing))
		for _, k := range existing {
			taken[k] = true
		}
		ordinal := len(existing)
		for taken[hashkey.Event(group, ordinal)] {
			ordinal++
		}
		subKey := hashkey.Event(group, ordinal)

		event := &types.EventToDeliver{
			Key:          group + ":" + subKey,
			Topic:        topic,
			TopicHash:    group,
			Payload:      payload,
			ContentType:  parsed.Format.ContentType(),
			Mode:         types.DeliveryModeNormal,
			LastModified: now,
		}
		evRaw, err := encodeEventToDeliver(event)
		if err != nil {
			return err
		}
		if err := tx.Put(groupEvents, subKey, evRaw); err != nil {
			return err
		}
		eventKey = event.Key
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return eventKey, true, nil
}

func (p *Pipeline) commitRecordOnly(topic string, parsed *feed.ParsedFeed, resp *http.Response) error {
	group := hashkey.Topic(topic)
	now := p.clock.Now()
	record := &types.FeedRecord{
		Key:             group,
		Topic:           topic,
		Format:          string(parsed.Format),
		HeaderFooterXML: string(parsed.Header) + string(parsed.Footer),
		LastUpdated:     now,
		ContentType:     parsed.Format.ContentType(),
		LastModifiedHdr: resp.Header.Get("Last-Modified"),
		ETag:            resp.Header.Get("ETag"),
	}
	return p.store.RunInGroup(group, func(tx storage.GroupTx) error {
		raw, err := encodeFeedRecord(record)
		if err != nil {
			return err
		}
		return tx.Put(groupRecord, recordKey, raw)
	})
}

func (p *Pipeline) loadFeedToFetch(key string) (*types.FeedToFetch, error) {
	raw, err := p.store.Get(bucketFeedsToFetch, key)
	if err != nil {
		return nil, err
	}
	return decodeFeedToFetch(raw)
}

func (p *Pipeline) persistFeedToFetch(ftf *types.FeedToFetch) error {
	raw, err := encodeFeedToFetch(ftf)
	if err != nil {
		return err
	}
	return p.store.Put(bucketFeedsToFetch, ftf.Key, raw)
}

func (p *Pipeline) loadFeedRecord(topic string) (*types.FeedRecord, error) {
	group := hashkey.Topic(topic)
	var record *types.FeedRecord
	err := p.store.RunInGroup(group, func(tx storage.GroupTx) error {
		raw, err := tx.Get(groupRecord, recordKey)
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		record, err = decodeFeedRecord(raw)
		return err
	})
	return record, err
}
