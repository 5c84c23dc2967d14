package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/pkg/clock"
	"github.com/cuemby/warren/pkg/hashkey"
	"github.com/cuemby/warren/pkg/queue"
	"github.com/cuemby/warren/pkg/signing"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/subscription"
	"github.com/cuemby/warren/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, storage.Store, *subscription.Manager, *queue.MemoryQueue, clock.Clock) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.New()
	q := queue.NewMemoryQueue(func() int64 { return clk.Now().Unix() })
	subs := subscription.New(store, q, clk, nil, true)
	eng := New(store, q, subs, signing.HMACSHA1Signer{}, clk, nil)
	return eng, store, subs, q, clk
}

func subscribeVerified(t *testing.T, subs *subscription.Manager, callback, topic string) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(r.URL.Query().Get("hub.challenge")))
	}))
	t.Cleanup(server.Close)
	status, err := subs.Subscribe(context.Background(), callback, topic, "", "", 0, subscription.VerifySync)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, status)
	_ = server
}

// putEvent stores event under a fresh sub-key in topicHash's group and
// returns the composite event key Work/loadEvent/persistEvent address it by.
func putEvent(t *testing.T, store storage.Store, topicHash string, event *types.EventToDeliver) string {
	t.Helper()
	var subKey string
	require.NoError(t, store.RunInGroup(topicHash, func(tx storage.GroupTx) error {
		existing, err := tx.ListKeys(groupEvents)
		if err != nil {
			return err
		}
		subKey = hashkey.Event(topicHash, len(existing))
		event.Key = topicHash + ":" + subKey
		raw, err := encodeEventToDeliver(event)
		if err != nil {
			return err
		}
		return tx.Put(groupEvents, subKey, raw)
	}))
	return event.Key
}

func TestWorkDeliversToVerifiedSubscriberAndRetires(t *testing.T) {
	var got []byte
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(r.URL.Query().Get("hub.challenge")))
			return
		}
		body, _ := io.ReadAll(r.Body)
		got = body
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	eng, store, subs, _, _ := newTestEngine(t)
	topic := "http://p.example/feed"
	subscribeVerified(t, subs, target.URL, topic)

	topicHash := hashkey.Topic(topic)
	eventKey := putEvent(t, store, topicHash, &types.EventToDeliver{
		Topic:       topic,
		TopicHash:   topicHash,
		Payload:     []byte("<feed>entry</feed>"),
		ContentType: "application/atom+xml",
		Mode:        types.DeliveryModeNormal,
	})

	require.NoError(t, eng.Work(context.Background(), eventKey))
	require.Equal(t, "<feed>entry</feed>", string(got))

	_, subKey, ok := splitEventKey(eventKey)
	require.True(t, ok)
	_, err := eng.loadEvent(topicHash, subKey)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWorkSchedulesRetryOnFailure(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(r.URL.Query().Get("hub.challenge")))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer target.Close()

	eng, store, subs, q, _ := newTestEngine(t)
	topic := "http://p.example/feed"
	subscribeVerified(t, subs, target.URL, topic)

	topicHash := hashkey.Topic(topic)
	eventKey := putEvent(t, store, topicHash, &types.EventToDeliver{
		Topic:       topic,
		TopicHash:   topicHash,
		Payload:     []byte("<feed>entry</feed>"),
		ContentType: "application/atom+xml",
		Mode:        types.DeliveryModeNormal,
	})

	require.NoError(t, eng.Work(context.Background(), eventKey))

	_, subKey, ok := splitEventKey(eventKey)
	require.True(t, ok)
	event, err := eng.loadEvent(topicHash, subKey)
	require.NoError(t, err)
	require.Equal(t, types.DeliveryModeRetry, event.Mode)
	require.Len(t, event.FailedCallbacks, 1)

	leased, err := q.Lease(context.Background(), QueueName, 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.Equal(t, eventKey, leased[0].Name)
}

func TestWorkRetryEventuallyGivesUp(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(r.URL.Query().Get("hub.challenge")))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer target.Close()

	eng, store, subs, _, _ := newTestEngine(t)
	topic := "http://p.example/feed"
	subscribeVerified(t, subs, target.URL, topic)

	topicHash := hashkey.Topic(topic)
	eventKey := putEvent(t, store, topicHash, &types.EventToDeliver{
		Topic:       topic,
		TopicHash:   topicHash,
		Payload:     []byte("x"),
		ContentType: "application/atom+xml",
		Mode:        types.DeliveryModeNormal,
	})
	_, subKey, ok := splitEventKey(eventKey)
	require.True(t, ok)

	var event *types.EventToDeliver
	for i := 0; i < 32; i++ {
		require.NoError(t, eng.Work(context.Background(), eventKey))
		var err error
		event, err = eng.loadEvent(topicHash, subKey)
		require.NoError(t, err)
		if event.TotallyFailed {
			break
		}
	}
	require.True(t, event.TotallyFailed)
	require.Greater(t, event.RetryAttempts, maxDeliveryFailures)
}

func TestCleanupTotallyFailedReapsOldEvents(t *testing.T) {
	eng, store, _, _, clk := newTestEngine(t)
	topic := "http://p.example/feed"
	topicHash := hashkey.Topic(topic)

	eventKey := putEvent(t, store, topicHash, &types.EventToDeliver{
		Topic:         topic,
		TopicHash:     topicHash,
		TotallyFailed: true,
		LastModified:  clk.Now().Add(-8 * 24 * time.Hour),
	})

	n, err := eng.CleanupTotallyFailed(context.Background(), []string{topicHash})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, subKey, ok := splitEventKey(eventKey)
	require.True(t, ok)
	_, err = eng.loadEvent(topicHash, subKey)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

// TestCleanupTotallyFailedHandlesMultipleEventsPerTopic guards the topic
// group's event sub-bucket enumeration: only the totally-failed, aged-out
// event should be reaped, leaving a live one behind.
func TestCleanupTotallyFailedHandlesMultipleEventsPerTopic(t *testing.T) {
	eng, store, _, _, clk := newTestEngine(t)
	topic := "http://p.example/feed"
	topicHash := hashkey.Topic(topic)

	staleKey := putEvent(t, store, topicHash, &types.EventToDeliver{
		Topic:         topic,
		TopicHash:     topicHash,
		TotallyFailed: true,
		LastModified:  clk.Now().Add(-8 * 24 * time.Hour),
	})
	liveKey := putEvent(t, store, topicHash, &types.EventToDeliver{
		Topic:       topic,
		TopicHash:   topicHash,
		Payload:     []byte("<feed>still outstanding</feed>"),
		ContentType: "application/atom+xml",
		Mode:        types.DeliveryModeNormal,
	})

	n, err := eng.CleanupTotallyFailed(context.Background(), []string{topicHash})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, staleSub, ok := splitEventKey(staleKey)
	require.True(t, ok)
	_, err = eng.loadEvent(topicHash, staleSub)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, liveSub, ok := splitEventKey(liveKey)
	require.True(t, ok)
	live, err := eng.loadEvent(topicHash, liveSub)
	require.NoError(t, err)
	require.Equal(t, "<feed>still outstanding</feed>", string(live.Payload))
}
