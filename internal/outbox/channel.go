// Package outbox provides bounded per-worker message queues with
// backpressure between the orchestrator and its transports.
package outbox

import (
	"context"
	"errors"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

var (
	// ErrClosed is returned by Send and Receive once the channel is closed.
	ErrClosed = errors.New("outbox closed")

	// ErrBacklogFull is returned by TrySend when the queue is at capacity.
	ErrBacklogFull = errors.New("outbox backlog full")
)

// DefaultCapacity is used when a channel is created with capacity <= 0.
const DefaultCapacity = 64

// Channel is a bounded FIFO of dispatch messages for one worker.
// Send blocks while the queue is full; Receive blocks while it is empty.
type Channel struct {
	queue  chan *models.DispatchMessage
	closed chan struct{}
	once   sync.Once
}

// NewChannel creates a channel holding at most capacity messages.
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel{
		queue:  make(chan *models.DispatchMessage, capacity),
		closed: make(chan struct{}),
	}
}

// Send enqueues msg, waiting for room until ctx is done.
func (c *Channel) Send(ctx context.Context, msg *models.DispatchMessage) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- msg:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues msg without waiting.
func (c *Channel) TrySend(msg *models.DispatchMessage) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		return ErrBacklogFull
	}
}

// Receive dequeues the oldest message, waiting until one is available.
func (c *Channel) Receive(ctx context.Context) (*models.DispatchMessage, error) {
	select {
	case msg := <-c.queue:
		return msg, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of queued messages.
func (c *Channel) Len() int { return len(c.queue) }

// Cap returns the queue capacity.
func (c *Channel) Cap() int { return cap(c.queue) }

// Close stops the channel. Queued messages are discarded.
func (c *Channel) Close() {
	c.once.Do(func() { close(c.closed) })
}
