package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/haasonsaas/relay/internal/activesession"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/runner"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	WorkerID string `json:"worker_id,omitempty"`
	Workdir  string `json:"workdir,omitempty"`
	Model    string `json:"model,omitempty"`
	Title    string `json:"title,omitempty"`

	// Context, when set, makes the new session active there.
	Context string `json:"context,omitempty"`
}

// SessionView is a session with its scheduling state.
type SessionView struct {
	*models.Session
	Lane runner.LaneStatus `json:"lane"`
}

// PromptRequest is the body of POST /v1/sessions/{id}/prompts.
type PromptRequest struct {
	Prompt string `json:"prompt"`

	// Async queues the prompt and returns 202 without waiting for the turn.
	Async bool `json:"async,omitempty"`
}

// PromptAccepted is returned for async prompts.
type PromptAccepted struct {
	SessionID  string `json:"session_id"`
	QueueDepth int    `json:"queue_depth"`
}

// SetActiveRequest is the body of PUT /v1/active/{context}.
type SetActiveRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	workerID := strings.TrimSpace(req.WorkerID)
	if workerID == "" {
		workerID = s.config.DefaultWorkerID
	}
	session := &models.Session{
		WorkerID: workerID,
		Workdir:  req.Workdir,
		Model:    req.Model,
		Title:    req.Title,
		Status:   models.StatusWaiting,
	}
	if err := s.config.Store.Create(r.Context(), session); err != nil {
		writeFailure(w, err)
		return
	}
	if req.Context != "" {
		s.config.Registry.SetActive(req.Context, session.ID)
	}
	s.logger.InfoContext(r.Context(), "session created", "session_id", session.ID, "worker_id", workerID)
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	list, err := s.config.Store.List(r.Context(), sessions.ListOptions{
		WorkerID: q.Get("worker_id"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	if list == nil {
		list = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.config.Store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionView{Session: session, Lane: s.config.Runner.Status(session.ID)})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, err := intParam(r.URL.Query().Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	if _, err := s.config.Store.Get(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}
	entries, err := s.config.Store.History(r.Context(), id, limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if entries == nil {
		entries = []*models.TranscriptEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "entries": entries})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req PromptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "prompt is required")
		return
	}
	if ok, retryAfter := s.config.Limiter.Allow(ratelimit.Key("prompt", id)); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many prompts for this session")
		return
	}

	if req.Async {
		ctx := context.WithoutCancel(r.Context())
		queued, err := s.config.Runner.Enqueue(ctx, id, req.Prompt)
		if err != nil {
			writeFailure(w, err)
			return
		}
		go func() {
			if _, err := queued.Wait(ctx); err != nil {
				s.logger.WarnContext(ctx, "async prompt failed", "session_id", id, "error", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, PromptAccepted{SessionID: id, QueueDepth: queued.QueueDepth})
		return
	}

	result, err := s.config.Runner.SubmitPrompt(r.Context(), id, req.Prompt)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"contexts": s.config.Registry.ListContexts()})
}

func (s *Server) handleGetActive(w http.ResponseWriter, r *http.Request) {
	contextID := r.PathValue("context")
	writeJSON(w, http.StatusOK, activesession.Pointer{
		Context:   contextID,
		SessionID: s.config.Registry.GetActive(contextID),
	})
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	contextID := r.PathValue("context")
	var req SetActiveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID != "" {
		if _, err := s.config.Store.Get(r.Context(), req.SessionID); err != nil {
			writeFailure(w, err)
			return
		}
	}
	s.config.Registry.SetActive(contextID, req.SessionID)
	writeJSON(w, http.StatusOK, activesession.Pointer{Context: contextID, SessionID: req.SessionID})
}

// RateLimitStatus is the body of GET /v1/engine/rate-limit.
type RateLimitStatus struct {
	Available bool                      `json:"available"`
	Snapshot  *engine.RateLimitSnapshot `json:"snapshot,omitempty"`
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	if s.config.RateLimits == nil {
		writeError(w, http.StatusNotFound, "not_supported", "engine does not report rate limits")
		return
	}
	refresh := false
	if v := r.URL.Query().Get("refresh"); v != "" {
		var err error
		if refresh, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", "refresh must be a boolean")
			return
		}
	}
	status := RateLimitStatus{}
	if snap, ok := s.config.RateLimits.RateLimit(refresh); ok {
		status.Available = true
		status.Snapshot = &snap
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers := []models.WorkerInfo{}
	if s.config.Workers != nil {
		workers = append(workers, s.config.Workers.Workers()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) handleToolResult(w http.ResponseWriter, r *http.Request) {
	if s.config.Workers == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "no worker hub configured")
		return
	}
	if secret := s.config.WorkerSecret; secret != "" {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get(WorkerSecretHeader)), []byte(secret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid worker secret")
			return
		}
	}
	var msg models.ToolResultMessage
	if !decodeBody(w, r, &msg) {
		return
	}
	if msg.CallID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "call_id is required")
		return
	}
	if !s.config.Workers.DeliverResult(&msg) {
		writeError(w, http.StatusNotFound, "unknown_call", fmt.Sprintf("no pending call %s", msg.CallID))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"call_id": msg.CallID, "delivered": true})
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}
