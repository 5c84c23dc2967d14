package api

import (
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// handleWorkSubscriptions implements POST /work/subscriptions: drives one
// subscription confirmation task.
func (s *Server) handleWorkSubscriptions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	key := r.PostFormValue("subscription_key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "subscription_key is required")
		return
	}
	if err := s.subs.ConfirmWork(r.Context(), key); err != nil {
		writeError(w, http.StatusServiceUnavailable, "temporarily unable to process request")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWorkPullFeeds implements POST /work/pull_feeds: drives one feed
// fetch/diff task.
func (s *Server) handleWorkPullFeeds(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	key := r.PostFormValue("topic_key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "topic_key is required")
		return
	}
	if err := s.fetch.Work(r.Context(), key); err != nil {
		writeError(w, http.StatusServiceUnavailable, "temporarily unable to process request")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWorkPushEvents implements POST /work/push_events: drives one
// delivery pass for an event.
func (s *Server) handleWorkPushEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	key := r.PostFormValue("event_key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "event_key is required")
		return
	}
	if err := s.delivery.Work(r.Context(), key); err != nil {
		writeError(w, http.StatusServiceUnavailable, "temporarily unable to process request")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePollBootstrapGet implements GET /work/poll_bootstrap: the periodic
// trigger that starts a new bootstrap generation if one is due.
func (s *Server) handlePollBootstrapGet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.poller.Trigger(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "temporarily unable to process request")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePollBootstrapPost implements POST /work/poll_bootstrap: one chunk of
// the bootstrap scan chain.
func (s *Server) handlePollBootstrapPost(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	sequence := r.PostFormValue("sequence")
	currentKey := r.PostFormValue("current_key")
	if sequence == "" {
		writeError(w, http.StatusBadRequest, "sequence is required")
		return
	}
	if err := s.poller.Work(r.Context(), sequence, currentKey); err != nil {
		writeError(w, http.StatusServiceUnavailable, "temporarily unable to process request")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEventCleanup implements GET /work/event_cleanup: the periodic reaper
// for totally-failed delivery events.
func (s *Server) handleEventCleanup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	n, err := s.poller.CleanupEvents(r.Context(), s.delivery)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "temporarily unable to process request")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "reaped %d events\n", n)
}
