// Package sessions persists sessions and their ordered transcripts.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/relay/pkg/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Store is the interface for session persistence.
//
// Transcript entries are returned in append order. Implementations must be
// safe for concurrent use; ordering across concurrent appends to the same
// session is the caller's responsibility.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	List(ctx context.Context, opts ListOptions) ([]*models.Session, error)

	// AppendMessages appends entries to the session transcript and bumps
	// the session's UpdatedAt.
	AppendMessages(ctx context.Context, sessionID string, entries ...*models.TranscriptEntry) error

	// History returns the newest limit entries in append order; limit <= 0
	// returns the whole transcript.
	History(ctx context.Context, sessionID string, limit int) ([]*models.TranscriptEntry, error)

	// UpdateStatus sets the status and last error and bumps UpdatedAt.
	UpdateStatus(ctx context.Context, sessionID string, status models.SessionStatus, lastError string) error

	Close() error
}

// ListOptions configures session listing.
type ListOptions struct {
	WorkerID string
	Limit    int
	Offset   int
}
