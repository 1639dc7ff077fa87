package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/randalmurphal/convoflow/pkg/convoflow/tracker"
)

// DefaultCleanupAge is used when cleanup is called without max_age_hours.
const DefaultCleanupAge = 24 * time.Hour

func (s *Server) handleListThreads(w http.ResponseWriter, _ *http.Request) {
	if s.tracker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"threads": []string{}})
		return
	}
	threads := s.tracker.Threads()
	if threads == nil {
		threads = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["thread_id"]
	if s.tracker == nil {
		writeError(w, http.StatusNotFound, APIError{Message: "thread not found", Type: "not_found"})
		return
	}
	snap, ok := s.tracker.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, APIError{Message: fmt.Sprintf("thread %q not found", id), Type: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["thread_id"]
	known, err := s.coord.Forget(r.Context(), id)
	if err != nil {
		s.logger.Error("deleting thread failed", "thread_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, APIError{Message: err.Error(), Type: "server_error"})
		return
	}
	if !known {
		writeError(w, http.StatusNotFound, APIError{Message: fmt.Sprintf("thread %q not found", id), Type: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	maxAge := DefaultCleanupAge
	if raw := r.URL.Query().Get("max_age_hours"); raw != "" {
		hours, err := strconv.ParseFloat(raw, 64)
		if err != nil || hours < 0 {
			writeError(w, http.StatusBadRequest, APIError{
				Message: "max_age_hours must be a non-negative number",
				Type:    "invalid_request_error",
				Param:   "max_age_hours",
			})
			return
		}
		maxAge = time.Duration(hours * float64(time.Hour))
	}

	removed := 0
	if s.tracker != nil {
		removed = s.tracker.Evict(maxAge)
	}
	s.logger.Info("graph state cleanup", "max_age", maxAge.String(), "removed", removed)
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// handleStreamThread sends tracker notifications as SSE events named
// after their type, with a comment line as heartbeat whenever the stream
// has been idle for the heartbeat interval.
func (s *Server) handleStreamThread(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["thread_id"]
	if s.tracker == nil {
		writeError(w, http.StatusNotFound, APIError{Message: "tracking disabled", Type: "not_found"})
		return
	}
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Warn("graph-state stream cannot flush", "thread_id", id, "error", err)
		return
	}

	sub := s.tracker.Subscribe(id)
	defer s.tracker.Unsubscribe(id, sub)

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeNotification(w, n); err != nil {
				return
			}
			heartbeat.Reset(s.heartbeat)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeNotification(w http.ResponseWriter, n tracker.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, data)
	return err
}
