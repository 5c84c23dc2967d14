package api

import (
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
)

// handlePublish implements POST /publish (spec.md §6): hub.mode=publish
// plus one or more repeated hub.url values.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	s.dispatchPublish(w, r)
}

func (s *Server) dispatchPublish(w http.ResponseWriter, r *http.Request) {
	if mode := strings.ToLower(r.PostFormValue("hub.mode")); mode != "publish" {
		writeError(w, http.StatusBadRequest, "hub.mode must be publish")
		return
	}

	urls := r.PostForm["hub.url"]
	if len(urls) == 0 {
		writeError(w, http.StatusBadRequest, "at least one hub.url is required")
		return
	}

	if err := s.fetch.Publish(r.Context(), urls); err != nil {
		writeError(w, http.StatusServiceUnavailable, "temporarily unable to process request")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMultiplex implements POST / (spec.md §6): dispatch on hub.mode to
// the publish or subscribe/unsubscribe handler.
func (s *Server) handleMultiplex(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	switch strings.ToLower(r.PostFormValue("hub.mode")) {
	case "publish":
		s.dispatchPublish(w, r)
	case "subscribe", "unsubscribe":
		s.dispatchSubscribe(w, r)
	default:
		writeError(w, http.StatusBadRequest, "hub.mode is invalid")
	}
}

// handleWelcome implements GET /: a minimal, human-facing landing page.
func (s *Server) handleWelcome(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("This is a PubSubHubbub hub. See /subscribe and /publish.\n"))
}
