package api

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/pkg/clock"
	"github.com/cuemby/warren/pkg/delivery"
	"github.com/cuemby/warren/pkg/fetch"
	"github.com/cuemby/warren/pkg/poller"
	"github.com/cuemby/warren/pkg/queue"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/subscription"
)

func newTestServer(t *testing.T, devEnv bool) *Server {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.New()
	q := queue.NewMemoryQueue(func() int64 { return clk.Now().Unix() })
	subs := subscription.New(store, q, clk, nil, devEnv)
	fp := fetch.New(store, q, subs, nil, clk, nil)
	eng := delivery.New(store, q, subs, nil, clk, nil)
	p := poller.New(store, q, fp, clk)

	return NewServer(subs, fp, eng, p, devEnv, "")
}

func TestSubscribeRequiresCallbackAndTopic(t *testing.T) {
	s := newTestServer(t, true)

	req := httptest.NewRequest(http.MethodPost, "/subscribe", strings.NewReader(url.Values{
		"hub.mode": {"subscribe"},
	}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscribeSyncVerifiesAgainstCallback(t *testing.T) {
	s := newTestServer(t, true)

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(r.URL.Query().Get("hub.challenge")))
	}))
	defer target.Close()

	req := httptest.NewRequest(http.MethodPost, "/subscribe", strings.NewReader(url.Values{
		"hub.mode":     {"subscribe"},
		"hub.callback": {target.URL},
		"hub.topic":    {"http://pub.example/feed"},
		"hub.verify":   {"sync"},
	}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPublishRequiresURL(t *testing.T) {
	s := newTestServer(t, true)

	req := httptest.NewRequest(http.MethodPost, "/publish", strings.NewReader(url.Values{
		"hub.mode": {"publish"},
	}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkEndpointsRejectUnauthenticatedCallersOutsideDevEnv(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodPost, "/work/pull_feeds", strings.NewReader(url.Values{
		"topic_key": {"whatever"},
	}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWorkEndpointsAllowTaskQueueHeader(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodPost, "/work/pull_feeds", strings.NewReader(url.Values{
		"topic_key": {"doesnotexist"},
	}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(headerTaskName, "some-task")
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealthzReportsHealthy(t *testing.T) {
	s := newTestServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPollBootstrapGetTriggersGeneration(t *testing.T) {
	s := newTestServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/work/poll_bootstrap", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}
