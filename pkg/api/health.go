package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/cuemby/warren/pkg/storage"
)

// HealthResponse mirrors the original health server's response shape
// (see pkg/metrics/health.go in the teacher repo).
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// ReadyResponse reports whether the store is reachable.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// handleHealthz is a liveness check: the process is up.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.started).String(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleReadyz is a readiness check: the store accepts reads.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	checks := make(map[string]string)
	ready := true

	if _, err := s.subs.ResolveByKey("readyz-probe"); err != nil && err != storage.ErrNotFound {
		checks["store"] = err.Error()
		ready = false
	} else {
		checks["store"] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}

	resp := ReadyResponse{Status: state, Timestamp: time.Now(), Checks: checks}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
