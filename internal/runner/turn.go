package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/relay/internal/broker"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/internal/executor"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/wire"
	"github.com/haasonsaas/relay/pkg/models"
)

// turn carries the state of one running turn.
type turn struct {
	id      string
	session *models.Session
	exec    executor.Executor
	round   int
	events  []models.TurnEvent
	usage   models.TokenUsage
	calls   int
	span    trace.Span
}

// toolCall is a function call assembled from stream events.
type toolCall struct {
	itemID      string
	callID      string
	name        string
	outputIndex int
	args        strings.Builder
	final       string
	done        bool
}

func (c *toolCall) arguments() string {
	if c.done {
		return c.final
	}
	return c.args.String()
}

// roundResult is what one engine response produced.
type roundResult struct {
	responseID string
	text       strings.Builder
	calls      []*toolCall
	byItem     map[string]*toolCall
	byIndex    map[int]*toolCall
}

func newRoundResult() *roundResult {
	return &roundResult{byItem: map[string]*toolCall{}, byIndex: map[int]*toolCall{}}
}

type outputItem struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func (rr *roundResult) lookup(ev models.TurnEvent) *toolCall {
	if ev.ItemID != "" {
		if c, ok := rr.byItem[ev.ItemID]; ok {
			return c
		}
	}
	return rr.byIndex[ev.OutputIndex]
}

func (rr *roundResult) apply(ev models.TurnEvent) {
	switch ev.Type {
	case models.EventCreated, models.EventCompleted:
		if ev.ResponseID != "" {
			rr.responseID = ev.ResponseID
		}
	case models.EventOutputItemAdded:
		var item outputItem
		if err := json.Unmarshal(ev.Item, &item); err != nil || item.Type != "function_call" {
			return
		}
		c := &toolCall{itemID: ev.ItemID, callID: item.CallID, name: item.Name, outputIndex: ev.OutputIndex}
		if c.itemID == "" {
			c.itemID = item.ID
		}
		c.args.WriteString(item.Arguments)
		rr.calls = append(rr.calls, c)
		if c.itemID != "" {
			rr.byItem[c.itemID] = c
		}
		rr.byIndex[c.outputIndex] = c
	case models.EventTextDelta:
		rr.text.WriteString(ev.Delta)
	case models.EventToolArgsDelta:
		if c := rr.lookup(ev); c != nil {
			c.args.WriteString(ev.Delta)
		}
	case models.EventToolArgsDone:
		if c := rr.lookup(ev); c != nil {
			c.final = ev.Arguments
			c.done = true
		}
	}
}

func (r *Runner) runTurn(ctx context.Context, l *lane, prompt string) (*TurnResult, error) {
	start := time.Now()
	t := &turn{id: uuid.NewString()}
	ctx = observability.AddSessionID(ctx, l.sessionID)
	ctx = observability.AddTurnID(ctx, t.id)
	ctx, t.span = r.tracer.TraceTurn(ctx, l.sessionID, t.id)
	defer t.span.End()

	session, err := r.store.Get(ctx, l.sessionID)
	if err != nil {
		return nil, &TurnError{SessionID: l.sessionID, TurnID: t.id, Phase: PhaseInit, Cause: err}
	}
	t.session = session

	user := &models.TranscriptEntry{TurnID: t.id, Role: models.RoleUser, Content: prompt}
	if err := r.store.AppendMessages(ctx, session.ID, user); err != nil {
		return nil, r.fail(ctx, t, PhaseInit, fmt.Errorf("failed to record prompt: %w", err), start)
	}
	r.publishEntry(t, user)
	if err := r.setStatus(ctx, t, models.StatusRunning, ""); err != nil {
		return nil, r.fail(ctx, t, PhaseInit, err, start)
	}
	r.logger.InfoContext(ctx, "turn started", "prompt_length", len(prompt))

	t.exec, err = r.executorFor(ctx, l, session)
	if err != nil {
		return nil, r.fail(ctx, t, PhaseInit, err, start)
	}

	transcript, err := r.store.History(ctx, session.ID, 0)
	if err != nil {
		return nil, r.fail(ctx, t, PhaseInit, err, start)
	}

	for {
		if t.round >= r.config.MaxToolRounds {
			return nil, r.fail(ctx, t, PhaseContinue,
				fmt.Errorf("%w: %d", ErrMaxToolRounds, r.config.MaxToolRounds), start)
		}
		result, err := r.streamRound(ctx, t, transcript)
		if err != nil {
			return nil, r.fail(ctx, t, PhaseStream, err, start)
		}

		if len(result.calls) == 0 {
			reply := &models.TranscriptEntry{TurnID: t.id, Role: models.RoleAssistant, Content: result.text.String()}
			if err := r.store.AppendMessages(ctx, session.ID, reply); err != nil {
				return nil, r.fail(ctx, t, PhaseComplete, err, start)
			}
			r.publishEntry(t, reply)
			if err := r.setStatus(ctx, t, models.StatusWaiting, ""); err != nil {
				return nil, r.fail(ctx, t, PhaseComplete, err, start)
			}
			r.finish(ctx, t, "completed", start)
			return &TurnResult{
				TurnID:    t.id,
				SessionID: session.ID,
				Reply:     reply.Content,
				Events:    t.events,
				Usage:     t.usage,
				ToolCalls: t.calls,
			}, nil
		}

		var entries []*models.TranscriptEntry
		if text := result.text.String(); text != "" {
			entries = append(entries, &models.TranscriptEntry{TurnID: t.id, Role: models.RoleAssistant, Content: text})
		}
		for _, call := range result.calls {
			entry, err := r.executeTool(ctx, t, call)
			if err != nil {
				return nil, r.failAfter(ctx, t, PhaseExecuteTools, err, start, entries)
			}
			entries = append(entries, entry)
		}
		if err := r.store.AppendMessages(ctx, session.ID, entries...); err != nil {
			return nil, r.fail(ctx, t, PhaseContinue, err, start)
		}
		for _, entry := range entries {
			r.publishEntry(t, entry)
		}
		transcript = append(transcript, entries...)
		t.round++
	}
}

// streamRound sends transcript to the engine and consumes the response.
func (r *Runner) streamRound(ctx context.Context, t *turn, transcript []*models.TranscriptEntry) (*roundResult, error) {
	model := t.session.Model
	if model == "" {
		model = r.config.DefaultModel
	}
	stream, err := r.engine.Stream(ctx, &engine.Request{
		SessionID:    t.session.ID,
		Model:        model,
		Instructions: r.config.Instructions,
		Transcript:   transcript,
		Tools:        t.exec.Tools(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s stream: %w", r.engine.Name(), err)
	}
	defer stream.Close()

	result := newRoundResult()
	completed := false
	for {
		raw, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			if !completed {
				return nil, fmt.Errorf("%w: %s stream closed after %d events", ErrStreamTruncated, r.engine.Name(), len(t.events))
			}
			return result, nil
		}
		if err != nil {
			return nil, fmt.Errorf("stream failed: %w", err)
		}

		decoded, err := wire.Decode(raw)
		if err != nil {
			r.metrics.RecordWireEvent("malformed", false)
			r.logger.DebugContext(ctx, "dropping malformed wire event", "error", err)
			continue
		}
		ev, ok := wire.Map(decoded)
		r.metrics.RecordWireEvent(decoded.Type, ok)
		if !ok {
			continue
		}

		t.events = append(t.events, ev)
		r.events.publish(models.StreamEvent{SessionID: t.session.ID, TurnID: t.id, Event: &ev})
		result.apply(ev)

		switch ev.Type {
		case models.EventCompleted:
			completed = true
			if ev.TokenUsage != nil {
				t.usage.Add(*ev.TokenUsage)
				r.metrics.RecordTokens(ev.TokenUsage.InputTokens, ev.TokenUsage.OutputTokens)
			}
		case models.EventFailed:
			return nil, &EngineFailure{ResponseID: result.responseID, Code: ev.Code, Message: ev.Message}
		}
	}
}

// executeTool runs one call and returns its transcript entry.
func (r *Runner) executeTool(ctx context.Context, t *turn, call *toolCall) (*models.TranscriptEntry, error) {
	inv := &models.ToolInvocation{
		CallID:    call.callID,
		Name:      call.name,
		SessionID: t.session.ID,
		Workdir:   t.session.Workdir,
	}
	if inv.CallID == "" {
		inv.CallID = call.itemID
	}
	if inv.CallID == "" {
		inv.CallID = uuid.NewString()
	}
	args := strings.TrimSpace(call.arguments())
	if args == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		return nil, &executor.ToolError{
			Kind:     executor.ErrInvalidArguments,
			ToolName: inv.Name,
			CallID:   inv.CallID,
			Message:  "arguments are not valid JSON",
		}
	}
	inv.Arguments = json.RawMessage(args)

	ctx = observability.AddCallID(ctx, inv.CallID)
	ctx, span := r.tracer.TraceToolExecution(ctx, inv.Name, inv.CallID)
	defer span.End()

	start := time.Now()
	outputs, err := t.exec.Execute(ctx, inv)
	status := "success"
	if err != nil {
		status = "error"
		observability.RecordError(span, err)
	}
	r.metrics.RecordToolExecution(inv.Name, executorKind(t.exec), status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	t.calls++
	r.logger.DebugContext(ctx, "tool executed", "tool", inv.Name, "outputs", len(outputs))

	return &models.TranscriptEntry{
		TurnID:      t.id,
		Role:        models.RoleTool,
		ToolCall:    inv,
		ToolOutputs: outputs,
	}, nil
}

func executorKind(exec executor.Executor) string {
	switch exec.(type) {
	case *executor.Local:
		return "local"
	case *executor.Remote:
		return "remote"
	}
	return "custom"
}

func (r *Runner) setStatus(ctx context.Context, t *turn, status models.SessionStatus, lastError string) error {
	if err := r.store.UpdateStatus(ctx, t.session.ID, status, lastError); err != nil {
		return err
	}
	r.events.publish(models.StreamEvent{SessionID: t.session.ID, TurnID: t.id, Status: status})
	return nil
}

func (r *Runner) publishEntry(t *turn, entry *models.TranscriptEntry) {
	r.events.publish(models.StreamEvent{SessionID: entry.SessionID, TurnID: t.id, Entry: entry.Clone()})
}

func (r *Runner) finish(ctx context.Context, t *turn, status string, start time.Time) {
	elapsed := time.Since(start)
	r.metrics.RecordTurn(status, elapsed.Seconds())
	r.logger.InfoContext(ctx, "turn finished",
		"status", status,
		"rounds", t.round+1,
		"tool_calls", t.calls,
		"duration", elapsed,
	)
}

func (r *Runner) fail(ctx context.Context, t *turn, phase TurnPhase, cause error, start time.Time) error {
	return r.failAfter(ctx, t, phase, cause, start, nil)
}

// failAfter records a failed turn. pending entries produced before the
// failure are persisted ahead of the error entry.
func (r *Runner) failAfter(ctx context.Context, t *turn, phase TurnPhase, cause error, start time.Time, pending []*models.TranscriptEntry) error {
	turnErr := &TurnError{SessionID: t.session.ID, TurnID: t.id, Phase: phase, Round: t.round, Cause: cause}
	observability.RecordError(t.span, turnErr)

	if errors.Is(cause, broker.ErrDuplicateCall) {
		r.logger.ErrorContext(ctx, "duplicate tool call id", "phase", phase, "error", cause)
	} else {
		r.logger.WarnContext(ctx, "turn failed", "phase", phase, "error", cause)
	}

	// Cleanup writes must land even when the caller has gone away.
	cleanup := context.WithoutCancel(ctx)
	entry := &models.TranscriptEntry{TurnID: t.id, Role: models.RoleError, Content: cause.Error()}
	entries := append(append([]*models.TranscriptEntry(nil), pending...), entry)
	if err := r.store.AppendMessages(cleanup, t.session.ID, entries...); err != nil {
		r.logger.ErrorContext(ctx, "failed to record turn failure", "error", err)
	} else {
		for _, e := range entries {
			r.publishEntry(t, e)
		}
	}
	if err := r.setStatus(cleanup, t, models.StatusError, cause.Error()); err != nil {
		r.logger.ErrorContext(ctx, "failed to set error status", "error", err)
	}
	r.finish(ctx, t, "error", start)
	return turnErr
}
