// Package engine defines the boundary between a turn and the model call
// that produces its streaming events.
package engine

import (
	"context"
	"errors"

	"github.com/haasonsaas/relay/pkg/models"
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("engine stream closed")

// Engine starts one streaming model response.
//
// Implementations must be safe for concurrent use by different sessions.
type Engine interface {
	// Stream starts a response for req. The returned stream yields raw wire
	// events; io.EOF marks the normal end.
	Stream(ctx context.Context, req *Request) (Stream, error)

	// Name identifies the engine in logs and metrics.
	Name() string
}

// Request is the input to one model response.
type Request struct {
	SessionID    string
	Model        string
	Instructions string

	// Transcript is the ordered conversation so far, including the current
	// prompt and any tool entries produced earlier in the turn.
	Transcript []*models.TranscriptEntry

	Tools []models.ToolSpec
}

// Stream yields raw wire events for one response.
type Stream interface {
	// Next returns the next raw event, or io.EOF when the response ended.
	Next(ctx context.Context) ([]byte, error)

	// Close releases the underlying connection. It is safe to call twice.
	Close() error
}
