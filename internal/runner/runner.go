// Package runner drives conversation turns for sessions. Prompts for one
// session run strictly in submission order; different sessions run in
// parallel.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/internal/executor"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	DefaultMaxToolRounds = 16
	DefaultMaxQueueDepth = 32
)

// ExecutorFactory resolves the executor a session's tool calls run on. It
// is called once per session; a successful result is reused for every
// later turn.
type ExecutorFactory func(ctx context.Context, session *models.Session) (executor.Executor, error)

// Config configures a Runner.
type Config struct {
	// DefaultModel is used when a session does not name one.
	DefaultModel string

	// Instructions are sent with every engine request.
	Instructions string

	// MaxToolRounds bounds engine calls that end in tool requests.
	MaxToolRounds int

	// MaxQueueDepth bounds prompts waiting behind the running one.
	MaxQueueDepth int

	// SubscriberBuffer is the channel size handed to Subscribe callers.
	SubscriberBuffer int
}

func (c Config) withDefaults() Config {
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = DefaultMaxToolRounds
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return c
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records turn metrics on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithTracer traces turns and tool executions on t.
func WithTracer(t *observability.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// TurnResult describes a completed turn.
type TurnResult struct {
	TurnID    string             `json:"turn_id"`
	SessionID string             `json:"session_id"`
	Reply     string             `json:"reply"`
	Events    []models.TurnEvent `json:"events"`
	Usage     models.TokenUsage  `json:"usage"`
	ToolCalls int                `json:"tool_calls"`
}

// LaneState is the scheduling state of a session.
type LaneState string

const (
	LaneIdle    LaneState = "idle"
	LaneRunning LaneState = "running"
)

// LaneStatus reports a session's scheduling state.
type LaneStatus struct {
	SessionID  string    `json:"session_id"`
	State      LaneState `json:"state"`
	QueueDepth int       `json:"queue_depth"`
}

type jobResult struct {
	result *TurnResult
	err    error
}

type job struct {
	ctx    context.Context
	prompt string
	done   chan jobResult
}

// lane serializes the turns of one session. Only the goroutine draining
// the lane touches exec.
type lane struct {
	sessionID string
	queue     []*job
	running   bool
	exec      executor.Executor
}

// Runner schedules and executes turns.
type Runner struct {
	config    Config
	store     sessions.Store
	engine    engine.Engine
	executors ExecutorFactory
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	events    *eventHub

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// New creates a Runner.
func New(config Config, store sessions.Store, eng engine.Engine, executors ExecutorFactory, opts ...Option) (*Runner, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if executors == nil {
		return nil, errors.New("executor factory is required")
	}
	r := &Runner{
		config:    config.withDefaults(),
		store:     store,
		engine:    eng,
		executors: executors,
		logger:    slog.Default(),
		lanes:     map[string]*lane{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "runner")
	r.events = newEventHub(r.config.SubscriberBuffer, r.metrics)
	return r, nil
}

// SubmitPrompt runs a turn for prompt once every earlier prompt of the same
// session has finished. It blocks until the turn completes or ctx is done.
// A prompt whose ctx ends while it is still queued never runs.
func (r *Runner) SubmitPrompt(ctx context.Context, sessionID, prompt string) (*TurnResult, error) {
	queued, err := r.Enqueue(ctx, sessionID, prompt)
	if err != nil {
		return nil, err
	}
	return queued.Wait(ctx)
}

// QueuedPrompt is a prompt accepted into a session lane.
type QueuedPrompt struct {
	// QueueDepth is the number of prompts waiting in the lane, this one
	// included, at the time it was accepted.
	QueueDepth int

	done chan jobResult
}

// Wait blocks until the prompt's turn finishes or ctx is done.
func (q *QueuedPrompt) Wait(ctx context.Context) (*TurnResult, error) {
	select {
	case res := <-q.done:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Enqueue accepts prompt into the session's lane without waiting for its
// turn. ctx governs the turn itself. Unknown sessions, a full queue and a
// closed runner are reported here.
func (r *Runner) Enqueue(ctx context.Context, sessionID, prompt string) (*QueuedPrompt, error) {
	if _, err := r.store.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	j := &job{ctx: ctx, prompt: prompt, done: make(chan jobResult, 1)}
	depth, err := r.enqueue(sessionID, j)
	if err != nil {
		return nil, err
	}
	return &QueuedPrompt{QueueDepth: depth, done: j.done}, nil
}

func (r *Runner) enqueue(sessionID string, j *job) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}
	l := r.lanes[sessionID]
	if l == nil {
		l = &lane{sessionID: sessionID}
		r.lanes[sessionID] = l
	}
	if len(l.queue) >= r.config.MaxQueueDepth {
		return 0, fmt.Errorf("%w: session %s has %d queued prompts", ErrQueueFull, sessionID, len(l.queue))
	}
	l.queue = append(l.queue, j)
	r.metrics.QueueChanged(1)
	if !l.running {
		l.running = true
		r.wg.Add(1)
		go r.drain(l)
	}
	return len(l.queue), nil
}

// drain runs queued jobs until the lane is empty.
func (r *Runner) drain(l *lane) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			r.mu.Unlock()
			return
		}
		j := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		r.mu.Unlock()
		r.metrics.QueueChanged(-1)

		if err := j.ctx.Err(); err != nil {
			r.logger.Debug("dropping cancelled prompt", "session_id", l.sessionID, "error", err)
			j.done <- jobResult{err: err}
			continue
		}
		res, err := r.runTurn(j.ctx, l, j.prompt)
		j.done <- jobResult{result: res, err: err}
	}
}

// executorFor returns the lane's executor, resolving it on first use.
func (r *Runner) executorFor(ctx context.Context, l *lane, session *models.Session) (executor.Executor, error) {
	if l.exec != nil {
		return l.exec, nil
	}
	exec, err := r.executors(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executor: %w", err)
	}
	if exec == nil {
		return nil, errors.New("executor factory returned nil")
	}
	l.exec = exec
	return exec, nil
}

// Subscribe streams live events for sessionID, or for every session when
// sessionID is empty. Events are dropped for subscribers that fall behind.
// The returned func unsubscribes and closes the channel.
func (r *Runner) Subscribe(sessionID string) (<-chan models.StreamEvent, func()) {
	return r.events.subscribe(sessionID)
}

// Status reports the scheduling state of a session.
func (r *Runner) Status(sessionID string) LaneStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := LaneStatus{SessionID: sessionID, State: LaneIdle}
	if l := r.lanes[sessionID]; l != nil {
		status.QueueDepth = len(l.queue)
		if l.running {
			status.State = LaneRunning
		}
	}
	return status
}

// Close rejects new prompts and waits for running turns to finish or ctx
// to end.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
