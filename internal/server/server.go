// Package server exposes the coordinator over an OpenAI-compatible chat
// API and the tracker over graph-state endpoints.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/randalmurphal/convoflow/pkg/convoflow/coordinator"
	"github.com/randalmurphal/convoflow/pkg/convoflow/tracker"
)

// Header names.
const (
	HeaderChatID   = "X-Chat-Id"
	HeaderThreadID = "X-Thread-Id"
)

// Server routes HTTP requests.
type Server struct {
	router   *mux.Router
	handler  http.Handler
	coord    *coordinator.Coordinator
	tracker  *tracker.Tracker
	validate *validator.Validate
	logger   *slog.Logger

	origins     []string
	heartbeat   time.Duration
	turnTimeout time.Duration
	now         func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCORSOrigins sets the allowed origins. Default "*".
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// WithHeartbeat sets the graph-state stream heartbeat interval. Default 30s.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithTurnTimeout bounds a single turn on top of the request context.
// Default 5m.
func WithTurnTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.turnTimeout = d
		}
	}
}

// New builds the server around c. The tracker is taken from c.
func New(c *coordinator.Coordinator, opts ...Option) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		coord:       c,
		tracker:     c.Tracker(),
		validate:    newValidator(),
		logger:      slog.Default(),
		origins:     []string{"*"},
		heartbeat:   30 * time.Second,
		turnTimeout: 5 * time.Minute,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	s.router.Use(s.logRequests)

	s.handler = cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{HeaderThreadID},
	}).Handler(s.router)
	return s
}

// Handler returns the root handler, CORS included.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/chat/completions", s.handleChatCompletions).Methods(http.MethodPost)
	v1.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)

	r.HandleFunc("/graph-state", s.handleListThreads).Methods(http.MethodGet)
	r.HandleFunc("/graph-state/cleanup", s.handleCleanup).Methods(http.MethodPost)
	r.HandleFunc("/graph-state/{thread_id}", s.handleGetThread).Methods(http.MethodGet)
	r.HandleFunc("/graph-state/{thread_id}", s.handleDeleteThread).Methods(http.MethodDelete)
	r.HandleFunc("/graph-state/{thread_id}/stream", s.handleStreamThread).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// statusRecorder keeps Flush reachable for SSE handlers.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
