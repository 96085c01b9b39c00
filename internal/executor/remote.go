package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/broker"
	"github.com/haasonsaas/relay/internal/outbox"
	"github.com/haasonsaas/relay/pkg/models"
)

// Outbox accepts dispatch messages bound for one worker. TrySend fails
// with outbox.ErrBacklogFull instead of waiting for room.
type Outbox interface {
	Send(ctx context.Context, msg *models.DispatchMessage) error
	TrySend(msg *models.DispatchMessage) error
}

// RemoteConfig binds a remote executor to one worker and one session.
type RemoteConfig struct {
	WorkerID  string
	SessionID string
	Workdir   string

	// Tools are the specs the worker advertised. When empty every tool
	// name is forwarded and the worker decides.
	Tools []models.ToolSpec

	// Timeout bounds each wait for a result; zero uses the broker default.
	Timeout time.Duration
}

// Remote forwards invocations to a worker and awaits the correlated result.
// It never retries: a timeout or rejection is returned as is.
type Remote struct {
	config RemoteConfig
	outbox Outbox
	broker *broker.Broker
	tools  map[string]models.ToolSpec
	logger *slog.Logger
}

// NewRemote creates a remote executor.
func NewRemote(config RemoteConfig, outbox Outbox, b *broker.Broker, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	tools := make(map[string]models.ToolSpec, len(config.Tools))
	for _, spec := range config.Tools {
		tools[spec.Name] = spec
	}
	return &Remote{
		config: config,
		outbox: outbox,
		broker: b,
		tools:  tools,
		logger: logger.With("component", "executor.remote", "worker_id", config.WorkerID, "session_id", config.SessionID),
	}
}

// Supports reports whether the worker advertised name.
func (r *Remote) Supports(name string) bool {
	if len(r.tools) == 0 {
		return name != ""
	}
	_, ok := r.tools[name]
	return ok
}

// Tools returns the advertised specs sorted by name.
func (r *Remote) Tools() []models.ToolSpec {
	specs := make([]models.ToolSpec, 0, len(r.tools))
	for _, spec := range r.tools {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Execute dispatches an agent_tool_call message and waits for the result.
func (r *Remote) Execute(ctx context.Context, inv *models.ToolInvocation) ([]models.ToolOutput, error) {
	if !r.Supports(inv.Name) {
		return nil, UnsupportedToolError(inv.Name, inv.CallID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	call := inv.Clone()
	if call.CallID == "" {
		call.CallID = uuid.NewString()
	}
	call.SessionID = r.config.SessionID

	workdir := r.config.Workdir
	if call.Workdir != "" {
		workdir = call.Workdir
	}

	pending, err := r.broker.Register(call.CallID)
	if err != nil {
		return nil, err
	}

	msg := &models.DispatchMessage{
		Type:       models.MessageTypeToolCall,
		WorkerID:   r.config.WorkerID,
		SessionID:  r.config.SessionID,
		Workdir:    workdir,
		Invocation: call,
	}
	if err := r.dispatch(ctx, msg); err != nil {
		pending.Cancel()
		return nil, fmt.Errorf("dispatch %s to worker %s: %w", call.Name, r.config.WorkerID, err)
	}

	r.logger.Debug("tool call dispatched", "call_id", call.CallID, "tool", call.Name)
	return pending.Wait(ctx, r.config.Timeout)
}

// dispatch enqueues msg, waiting for room only when the worker's backlog
// is full.
func (r *Remote) dispatch(ctx context.Context, msg *models.DispatchMessage) error {
	err := r.outbox.TrySend(msg)
	if !errors.Is(err, outbox.ErrBacklogFull) {
		return err
	}
	r.logger.Warn("worker backlog full, waiting for room", "call_id", msg.Invocation.CallID, "tool", msg.Invocation.Name)
	return r.outbox.Send(ctx, msg)
}
