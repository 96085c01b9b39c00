// Package broker correlates asynchronously delivered tool results with the
// goroutines waiting for them.
//
// A waiter registers a call id, a dispatcher sends the invocation somewhere
// else, and whoever receives the answer calls Resolve or Reject with the same
// id. Each registered id ends exactly once: resolved, rejected, timed out or
// cancelled. Anything arriving after that is reported as late and ignored.
package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// DefaultTimeout applies when a wait is started without an explicit timeout.
const DefaultTimeout = 60 * time.Second

// Outcome labels how a pending entry ended.
type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeRejected  Outcome = "rejected"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeLate      Outcome = "late"
	OutcomeDuplicate Outcome = "duplicate"
)

// Config configures a Broker.
type Config struct {
	// DefaultTimeout is used when Wait is given a non-positive timeout.
	DefaultTimeout time.Duration

	// OnOutcome, when set, is called once per finished entry and for every
	// late or duplicate call. It must not block.
	OnOutcome func(Outcome)
}

type result struct {
	outputs []models.ToolOutput
	err     error
}

type entry struct {
	callID    string
	startedAt time.Time
	done      chan result
}

// Broker holds the pending correlation table.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*entry

	config Config
	logger *slog.Logger
}

// New creates a broker.
func New(config Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultTimeout
	}
	return &Broker{
		pending: make(map[string]*entry),
		config:  config,
		logger:  logger.With("component", "broker"),
	}
}

// Pending is a registered wait that has not been collected yet.
type Pending struct {
	b *Broker
	e *entry
}

// CallID returns the id this wait is registered under.
func (p *Pending) CallID() string { return p.e.callID }

// Register creates a pending entry for callID without blocking. It fails
// with a *DuplicateCallError when the id is already pending.
func (b *Broker) Register(callID string) (*Pending, error) {
	b.mu.Lock()
	if _, exists := b.pending[callID]; exists {
		b.mu.Unlock()
		b.observe(OutcomeDuplicate)
		b.logger.Error("duplicate call id registered", "call_id", callID)
		return nil, &DuplicateCallError{CallID: callID}
	}
	e := &entry{
		callID:    callID,
		startedAt: time.Now(),
		done:      make(chan result, 1),
	}
	b.pending[callID] = e
	b.mu.Unlock()
	return &Pending{b: b, e: e}, nil
}

// Wait blocks until the entry is resolved or rejected, the timeout elapses,
// or ctx is done. On timeout or cancellation the entry is removed so later
// deliveries for the id are reported as late.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) ([]models.ToolOutput, error) {
	if timeout <= 0 {
		timeout = p.b.config.DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.e.done:
		return res.outputs, res.err
	case <-timer.C:
		if p.b.remove(p.e) {
			p.b.observe(OutcomeTimeout)
			p.b.logger.Warn("tool result timed out", "call_id", p.e.callID, "timeout", timeout)
			return nil, &TimeoutError{CallID: p.e.callID, Timeout: timeout}
		}
	case <-ctx.Done():
		if p.b.remove(p.e) {
			p.b.observe(OutcomeCancelled)
			return nil, ctx.Err()
		}
	}
	// A delivery won the race against the timer or ctx; it is already
	// buffered in the channel.
	res := <-p.e.done
	return res.outputs, res.err
}

// Cancel drops the entry if it is still pending. It is used when the
// dispatch that would have produced a result could not be sent.
func (p *Pending) Cancel() {
	if p.b.remove(p.e) {
		p.b.observe(OutcomeCancelled)
	}
}

// AwaitResult registers callID and waits for its result.
func (b *Broker) AwaitResult(ctx context.Context, callID string, timeout time.Duration) ([]models.ToolOutput, error) {
	p, err := b.Register(callID)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx, timeout)
}

// Resolve delivers outputs to the waiter for callID. It returns false when
// no wait is pending for that id.
func (b *Broker) Resolve(callID string, outputs []models.ToolOutput) bool {
	return b.deliver(callID, result{outputs: outputs}, OutcomeResolved)
}

// Reject delivers err to the waiter for callID. It returns false when no
// wait is pending for that id.
func (b *Broker) Reject(callID string, err error) bool {
	return b.deliver(callID, result{err: err}, OutcomeRejected)
}

// Pending returns the number of in-flight waits.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) deliver(callID string, res result, outcome Outcome) bool {
	b.mu.Lock()
	e, ok := b.pending[callID]
	if ok {
		delete(b.pending, callID)
	}
	b.mu.Unlock()

	if !ok {
		b.observe(OutcomeLate)
		b.logger.Warn("received result for unknown call", "call_id", callID, "outcome", string(outcome))
		return false
	}

	e.done <- res
	b.observe(outcome)
	b.logger.Debug("tool result delivered",
		"call_id", callID,
		"outcome", string(outcome),
		"duration_ms", time.Since(e.startedAt).Milliseconds(),
	)
	return true
}

// remove deletes e if it is still the registered entry for its id.
func (b *Broker) remove(e *entry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.pending[e.callID]; ok && cur == e {
		delete(b.pending, e.callID)
		return true
	}
	return false
}

func (b *Broker) observe(o Outcome) {
	if b.config.OnOutcome != nil {
		b.config.OnOutcome(o)
	}
}
