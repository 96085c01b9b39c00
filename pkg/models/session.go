package models

import "time"

// SessionStatus is the lifecycle state of a session as seen by callers.
type SessionStatus string

const (
	// StatusWaiting means the session is idle and accepts the next prompt.
	StatusWaiting SessionStatus = "waiting"
	// StatusRunning means a turn is in flight.
	StatusRunning SessionStatus = "running"
	// StatusError means the most recent turn failed. The session still
	// accepts new prompts.
	StatusError SessionStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusRunning, StatusError:
		return true
	}
	return false
}

// Session is one conversational thread bound to a worker.
type Session struct {
	ID        string        `json:"id"`
	WorkerID  string        `json:"worker_id"`
	Workdir   string        `json:"workdir,omitempty"`
	Model     string        `json:"model,omitempty"`
	Title     string        `json:"title,omitempty"`
	Status    SessionStatus `json:"status"`
	LastError string        `json:"last_error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Clone returns a shallow copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
