package subscription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/pkg/clock"
	"github.com/cuemby/warren/pkg/hashkey"
	"github.com/cuemby/warren/pkg/queue"
	"github.com/cuemby/warren/pkg/storage"
)

func newTestManager(t *testing.T) (*Manager, storage.Store, *queue.MemoryQueue, clock.Clock) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.New()
	q := queue.NewMemoryQueue(func() int64 { return clk.Now().Unix() })
	mgr := New(store, q, clk, nil, true)
	return mgr, store, q, clk
}

func TestSubscribeSyncSuccess(t *testing.T) {
	var challenge string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		challenge = r.URL.Query().Get("hub.challenge")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(challenge))
	}))
	defer server.Close()

	mgr, store, _, _ := newTestManager(t)
	status, err := mgr.Subscribe(context.Background(), server.URL, "http://p.example/feed", "tok", "", 0, VerifySync)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, status)
	require.Len(t, challenge, challengeLength)

	key := subscriptionKeyFor(t, server.URL, "http://p.example/feed")
	sub, err := mgr.load(key)
	require.NoError(t, err)
	require.Equal(t, "verified", string(sub.State))
	_ = store
}

func TestSubscribeSyncChallengeMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("wrong-answer"))
	}))
	defer server.Close()

	mgr, _, _, _ := newTestManager(t)
	status, err := mgr.Subscribe(context.Background(), server.URL, "http://p.example/feed", "", "", 0, VerifySync)
	require.Error(t, err)
	require.Equal(t, http.StatusConflict, status)
}

func TestSubscribeAsyncThenConfirm(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(r.URL.Query().Get("hub.challenge")))
	}))
	defer server.Close()

	mgr, _, q, _ := newTestManager(t)
	status, err := mgr.Subscribe(context.Background(), server.URL, "http://p.example/feed", "", "", 0, VerifyAsync)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, status)

	key := subscriptionKeyFor(t, server.URL, "http://p.example/feed")
	sub, err := mgr.load(key)
	require.NoError(t, err)
	require.Equal(t, "not_verified", string(sub.State))

	leased, err := q.Lease(context.Background(), QueueName, 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	require.NoError(t, mgr.ConfirmWork(context.Background(), leased[0].Params["subscription_key"]))

	sub, err = mgr.load(key)
	require.NoError(t, err)
	require.Equal(t, "verified", string(sub.State))
}

func TestConfirmFailedGivesUpAfterMaxFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	mgr, _, _, _ := newTestManager(t)
	status, err := mgr.Subscribe(context.Background(), server.URL, "http://p.example/feed", "", "", 0, VerifyAsync)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, status)

	key := subscriptionKeyFor(t, server.URL, "http://p.example/feed")

	for i := 0; i < maxSubscriptionConfirmFailures; i++ {
		require.NoError(t, mgr.ConfirmWork(context.Background(), key))
		sub, err := mgr.load(key)
		require.NoError(t, err)
		require.Equal(t, i+1, sub.ConfirmFailures)
	}

	require.NoError(t, mgr.ConfirmWork(context.Background(), key))
	_, err = mgr.load(key)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListVerifiedAndUnsubscribeRemovesIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(r.URL.Query().Get("hub.challenge")))
	}))
	defer server.Close()

	mgr, _, _, _ := newTestManager(t)
	topic := "http://p.example/feed"

	status, err := mgr.Subscribe(context.Background(), server.URL, topic, "", "", 0, VerifySync)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, status)

	has, err := mgr.HasVerified(topic)
	require.NoError(t, err)
	require.True(t, has)

	status, err = mgr.Unsubscribe(context.Background(), server.URL, topic, "", VerifySync)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, status)

	has, err = mgr.HasVerified(topic)
	require.NoError(t, err)
	require.False(t, has)
}

func TestUnsubscribeUnknownIsNoContent(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	status, err := mgr.Unsubscribe(context.Background(), "http://s.example/cb", "http://p.example/feed", "", VerifySync)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, status)
}

func subscriptionKeyFor(t *testing.T, callback, topic string) string {
	t.Helper()
	normCallback, err := hashkey.Normalize(callback, true)
	require.NoError(t, err)
	normTopic, err := hashkey.Normalize(topic, true)
	require.NoError(t, err)
	return hashkey.Subscription(normCallback, normTopic)
}

var _ = time.Second
