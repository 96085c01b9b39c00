package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// maxEntriesPerSession bounds the in-memory transcript; older entries are
// trimmed once it is exceeded.
const maxEntriesPerSession = 5000

// MemoryStore provides an in-memory Store implementation for tests and
// local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	entries  map[string][]*models.TranscriptEntry
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		entries:  map[string][]*models.TranscriptEntry{},
		now:      time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := session.Clone()
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if _, exists := m.sessions[clone.ID]; exists {
		return fmt.Errorf("session already exists: %s", clone.ID)
	}
	if clone.Status == "" {
		clone.Status = models.StatusWaiting
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = m.now()
	}
	clone.UpdatedAt = clone.CreatedAt

	session.ID = clone.ID
	session.Status = clone.Status
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt
	m.sessions[clone.ID] = clone
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return session.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		if opts.WorkerID != "" && session.WorkerID != opts.WorkerID {
			continue
		}
		out = append(out, session.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*models.Session{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendMessages(ctx context.Context, sessionID string, entries ...*models.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	now := m.now()
	for _, entry := range entries {
		clone := entry.Clone()
		clone.SessionID = sessionID
		if clone.ID == "" {
			clone.ID = uuid.NewString()
		}
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = now
		}
		entry.ID = clone.ID
		entry.SessionID = sessionID
		entry.CreatedAt = clone.CreatedAt
		m.entries[sessionID] = append(m.entries[sessionID], clone)
	}
	if n := len(m.entries[sessionID]); n > maxEntriesPerSession {
		m.entries[sessionID] = append([]*models.TranscriptEntry(nil), m.entries[sessionID][n-maxEntriesPerSession:]...)
	}
	session.UpdatedAt = now
	return nil
}

func (m *MemoryStore) History(ctx context.Context, sessionID string, limit int) ([]*models.TranscriptEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	entries := m.entries[sessionID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]*models.TranscriptEntry, len(entries))
	for i, entry := range entries {
		out[i] = entry.Clone()
	}
	return out, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, sessionID string, status models.SessionStatus, lastError string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid session status: %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	session.Status = status
	session.LastError = lastError
	session.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
