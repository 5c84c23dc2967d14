// Package api implements the HTTP surface (spec §6): subscribe/publish
// intake, the hub.mode multiplexer, the internal work-queue worker
// endpoints, and the ambient health/metrics endpoints.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/cuemby/warren/pkg/delivery"
	"github.com/cuemby/warren/pkg/fetch"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/poller"
	"github.com/cuemby/warren/pkg/subscription"
)

// Server wires every component the HTTP surface dispatches into.
type Server struct {
	subs     *subscription.Manager
	fetch    *fetch.Pipeline
	delivery *delivery.Engine
	poller   *poller.Poller

	devEnv     bool
	adminToken string

	router  *httprouter.Router
	logger  zerolog.Logger
	started time.Time
}

// NewServer builds a Server and registers every route. adminToken, if
// non-empty, is compared against an incoming request's Authorization:
// Bearer header to satisfy the "authenticated admin identity" auth class
// for work endpoints (spec §6); devEnv bypasses that check entirely.
func NewServer(subs *subscription.Manager, fp *fetch.Pipeline, eng *delivery.Engine, p *poller.Poller, devEnv bool, adminToken string) *Server {
	s := &Server{
		subs:       subs,
		fetch:      fp,
		delivery:   eng,
		poller:     p,
		devEnv:     devEnv,
		adminToken: adminToken,
		router:     httprouter.New(),
		logger:     log.WithComponent("api"),
		started:    time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/", s.wrap("/", s.handleWelcome))
	s.router.POST("/", s.wrap("/", s.handleMultiplex))
	s.router.POST("/subscribe", s.wrap("/subscribe", s.handleSubscribe))
	s.router.POST("/publish", s.wrap("/publish", s.handlePublish))

	s.router.POST("/work/subscriptions", s.wrap("/work/subscriptions", s.requireInternal(s.handleWorkSubscriptions)))
	s.router.POST("/work/pull_feeds", s.wrap("/work/pull_feeds", s.requireInternal(s.handleWorkPullFeeds)))
	s.router.POST("/work/push_events", s.wrap("/work/push_events", s.requireInternal(s.handleWorkPushEvents)))
	s.router.GET("/work/poll_bootstrap", s.wrap("/work/poll_bootstrap", s.requireInternal(s.handlePollBootstrapGet)))
	s.router.POST("/work/poll_bootstrap", s.wrap("/work/poll_bootstrap", s.requireInternal(s.handlePollBootstrapPost)))
	s.router.GET("/work/event_cleanup", s.wrap("/work/event_cleanup", s.requireInternal(s.handleEventCleanup)))

	s.router.GET("/healthz", s.wrap("/healthz", s.handleHealthz))
	s.router.GET("/readyz", s.wrap("/readyz", s.handleReadyz))
	s.router.GET("/metrics", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		metrics.Handler().ServeHTTP(w, r)
	})
}

// Handler returns the assembled HTTP handler for embedding in an
// *http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// statusWriter records the status code a handler wrote, defaulting to 200
// when the handler never calls WriteHeader explicitly (e.g. one that only
// calls Write).
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) wrap(path string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r, ps)
		metrics.APIRequestsTotal.WithLabelValues(path, strconv.Itoa(sw.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, path)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "120")
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(msg))
}
