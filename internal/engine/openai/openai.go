// Package openai adapts the OpenAI Responses streaming API to engine.Engine.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/pkg/models"
)

// Config configures the engine.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int

	// RateLimitTTL controls how long a reported rate-limit snapshot is
	// considered current.
	RateLimitTTL time.Duration
}

// Engine streams responses from the OpenAI Responses API.
type Engine struct {
	client    openai.Client
	config    Config
	rateLimit *engine.RateLimitCache
	logger    *slog.Logger
}

// New creates an engine.
func New(config Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4.1-mini"
	}
	opts := []option.RequestOption{option.WithMaxRetries(config.MaxRetries)}
	if config.APIKey != "" {
		opts = append(opts, option.WithAPIKey(config.APIKey))
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	return &Engine{
		client:    openai.NewClient(opts...),
		config:    config,
		rateLimit: engine.NewRateLimitCache(config.RateLimitTTL),
		logger:    logger.With("component", "engine.openai"),
	}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return "openai" }

var _ engine.RateLimitReporter = (*Engine)(nil)

// RateLimit returns the current rate-limit snapshot. With forceRefresh the
// cached value is discarded and the next response refills it.
func (e *Engine) RateLimit(forceRefresh bool) (engine.RateLimitSnapshot, bool) {
	if forceRefresh {
		e.rateLimit.Invalidate()
	}
	return e.rateLimit.Get()
}

// Stream implements engine.Engine.
func (e *Engine) Stream(ctx context.Context, req *engine.Request) (engine.Stream, error) {
	params, err := e.buildParams(req)
	if err != nil {
		return nil, err
	}

	var httpResp *http.Response
	s := e.client.Responses.NewStreaming(ctx, params, option.WithResponseInto(&httpResp))
	return &stream{
		sdk:    s,
		engine: e,
		resp:   &httpResp,
	}, nil
}

func (e *Engine) buildParams(req *engine.Request) (responses.ResponseNewParams, error) {
	model := req.Model
	if model == "" {
		model = e.config.DefaultModel
	}
	items, err := BuildInput(req.Transcript)
	if err != nil {
		return responses.ResponseNewParams{}, err
	}
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(model),
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: items},
	}
	if req.Instructions != "" {
		params.Instructions = openai.String(req.Instructions)
	}
	for _, spec := range req.Tools {
		tool, err := toolParam(spec)
		if err != nil {
			return responses.ResponseNewParams{}, err
		}
		params.Tools = append(params.Tools, tool)
	}
	return params, nil
}

// BuildInput converts a transcript into Responses API input items.
// Error entries are not model-visible and are skipped.
func BuildInput(transcript []*models.TranscriptEntry) (responses.ResponseInputParam, error) {
	items := make(responses.ResponseInputParam, 0, len(transcript))
	for _, entry := range transcript {
		switch entry.Role {
		case models.RoleUser:
			items = append(items, responses.ResponseInputItemParamOfMessage(entry.Content, responses.EasyInputMessageRoleUser))
		case models.RoleAssistant:
			if entry.Content != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(entry.Content, responses.EasyInputMessageRoleAssistant))
			}
		case models.RoleTool:
			if entry.ToolCall == nil {
				return nil, fmt.Errorf("tool entry %s has no call", entry.ID)
			}
			args := string(entry.ToolCall.Arguments)
			if args == "" {
				args = "{}"
			}
			items = append(items,
				responses.ResponseInputItemParamOfFunctionCall(args, entry.ToolCall.CallID, entry.ToolCall.Name),
				responses.ResponseInputItemParamOfFunctionCallOutput(entry.ToolCall.CallID, models.JoinOutputs(entry.ToolOutputs)),
			)
		}
	}
	return items, nil
}

func toolParam(spec models.ToolSpec) (responses.ToolUnionParam, error) {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	if len(spec.Parameters) > 0 {
		params = nil
		if err := json.Unmarshal(spec.Parameters, &params); err != nil {
			return responses.ToolUnionParam{}, fmt.Errorf("tool %s parameters: %w", spec.Name, err)
		}
	}
	tool := responses.ToolParamOfFunction(spec.Name, params, false)
	if spec.Description != "" && tool.OfFunction != nil {
		tool.OfFunction.Description = openai.String(spec.Description)
	}
	return tool, nil
}

type stream struct {
	mu      sync.Mutex
	sdk     *ssestream.Stream[responses.ResponseStreamEventUnion]
	engine  *Engine
	resp    **http.Response
	started bool
	closed  bool
}

func (s *stream) Next(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, engine.ErrStreamClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.sdk.Next() {
		s.observeHeaders()
		if err := s.sdk.Err(); err != nil {
			var apiErr *openai.Error
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
				s.engine.rateLimit.Invalidate()
			}
			return nil, fmt.Errorf("openai stream: %w", err)
		}
		return nil, io.EOF
	}
	s.observeHeaders()
	return []byte(s.sdk.Current().RawJSON()), nil
}

// observeHeaders records the rate-limit headers of the streaming response
// once they are available.
func (s *stream) observeHeaders() {
	if s.started || s.resp == nil || *s.resp == nil {
		return
	}
	s.started = true
	if snap, ok := engine.ParseRateLimitHeaders((*s.resp).Header, time.Now()); ok {
		s.engine.rateLimit.Store(snap)
		s.engine.logger.Debug("rate limit observed",
			"remaining_requests", snap.RemainingRequests,
			"remaining_tokens", snap.RemainingTokens,
		)
	}
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sdk.Close()
}
