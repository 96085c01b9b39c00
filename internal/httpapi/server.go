// Package httpapi exposes sessions, prompts, active-session pointers and
// worker results over HTTP, with websocket streams for live events.
package httpapi

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/activesession"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/runner"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

// WorkerSecretHeader carries the worker shared secret on
// POST /internal/tool-results.
const WorkerSecretHeader = "X-Relay-Worker-Secret"

const maxBodyBytes = 4 << 20

// Workers is the part of the worker hub the API needs.
type Workers interface {
	Workers() []models.WorkerInfo
	DeliverResult(msg *models.ToolResultMessage) bool
}

// Config wires the API to the rest of the server.
type Config struct {
	Store    sessions.Store
	Runner   *runner.Runner
	Registry *activesession.Registry
	Workers  Workers

	// RateLimits reports the engine's provider quota. Nil when the engine
	// does not track one.
	RateLimits engine.RateLimitReporter

	// Limiter throttles prompt submission per session. Nil disables it.
	Limiter *ratelimit.Limiter

	// WorkerSecret, when set, must accompany HTTP tool results.
	WorkerSecret string

	// DefaultWorkerID is used for sessions created without a worker.
	DefaultWorkerID string

	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	config Config
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a server. Store, Runner and Registry are required.
func New(config Config) (*Server, error) {
	switch {
	case config.Store == nil:
		return nil, errors.New("httpapi: session store is required")
	case config.Runner == nil:
		return nil, errors.New("httpapi: runner is required")
	case config.Registry == nil:
		return nil, errors.New("httpapi: active session registry is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: config,
		logger: logger.With("component", "httpapi"),
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.config.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	} else {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}

	s.mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("GET /v1/sessions/{id}/transcript", s.handleTranscript)
	s.mux.HandleFunc("POST /v1/sessions/{id}/prompts", s.handlePrompt)
	s.mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleSessionEvents)

	s.mux.HandleFunc("GET /v1/active", s.handleListActive)
	s.mux.HandleFunc("GET /v1/active/events", s.handleActiveEvents)
	s.mux.HandleFunc("GET /v1/active/{context}", s.handleGetActive)
	s.mux.HandleFunc("PUT /v1/active/{context}", s.handleSetActive)

	s.mux.HandleFunc("GET /v1/workers", s.handleWorkers)
	s.mux.HandleFunc("GET /v1/engine/rate-limit", s.handleRateLimit)
	s.mux.HandleFunc("POST /internal/tool-results", s.handleToolResult)
}

// Handler returns the API with request ids and metrics applied.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(observability.AddRequestID(r.Context(), requestID))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		s.mux.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.config.Metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}
