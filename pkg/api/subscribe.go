package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/cuemby/warren/pkg/subscription"
	"github.com/cuemby/warren/pkg/types"
)

// handleSubscribe implements POST /subscribe (spec.md §6): form-encoded
// hub.callback, hub.topic, hub.mode, repeatable hub.verify, optional
// hub.verify_token/hub.secret/hub.lease_seconds.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	s.dispatchSubscribe(w, r)
}

func (s *Server) dispatchSubscribe(w http.ResponseWriter, r *http.Request) {
	callback := r.PostFormValue("hub.callback")
	topic := r.PostFormValue("hub.topic")
	mode := strings.ToLower(r.PostFormValue("hub.mode"))
	verifyToken := r.PostFormValue("hub.verify_token")
	secret := r.PostFormValue("hub.secret")

	if callback == "" || topic == "" {
		writeError(w, http.StatusBadRequest, "hub.callback and hub.topic are required")
		return
	}

	verify := subscription.VerifyAsync
	for _, v := range r.PostForm["hub.verify"] {
		if strings.EqualFold(v, string(subscription.VerifySync)) {
			verify = subscription.VerifySync
			break
		}
		if strings.EqualFold(v, string(subscription.VerifyAsync)) {
			verify = subscription.VerifyAsync
		}
	}

	var leaseSeconds int64
	if raw := r.PostFormValue("hub.lease_seconds"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "hub.lease_seconds must be an integer")
			return
		}
		leaseSeconds = parsed
	}

	var status int
	var err error
	switch types.VerifyMode(mode) {
	case types.VerifyModeSubscribe:
		status, err = s.subs.Subscribe(r.Context(), callback, topic, verifyToken, secret, leaseSeconds, verify)
	case types.VerifyModeUnsubscribe:
		status, err = s.subs.Unsubscribe(r.Context(), callback, topic, verifyToken, verify)
	default:
		writeError(w, http.StatusBadRequest, "hub.mode must be subscribe or unsubscribe")
		return
	}

	respondSubscription(w, status, err)
}

// respondSubscription trusts the status Manager already chose: it encodes
// the 400/409/503 split itself, so the handler only needs to surface it.
func respondSubscription(w http.ResponseWriter, status int, err error) {
	if err == nil {
		w.WriteHeader(status)
		return
	}
	writeError(w, status, err.Error())
}
