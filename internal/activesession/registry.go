// Package activesession tracks which session is currently active in each
// logical context (a UI window, a chat thread, a terminal).
package activesession

import (
	"sort"
	"sync"
)

// DefaultContext is used when a caller does not name a context.
const DefaultContext = "default"

// Change is delivered to observers after a pointer moves.
type Change struct {
	Context   string `json:"context"`
	SessionID string `json:"session_id"`
	Previous  string `json:"previous,omitempty"`
}

// Pointer is one context's current session. SessionID is empty for none.
type Pointer struct {
	Context   string `json:"context"`
	SessionID string `json:"session_id"`
}

// Observer receives registry changes.
type Observer func(Change)

// Registry maps contexts to their active session.
type Registry struct {
	mu        sync.Mutex
	active    map[string]string
	observers map[uint64]Observer
	nextID    uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active:    make(map[string]string),
		observers: make(map[uint64]Observer),
	}
}

func normalize(contextID string) string {
	if contextID == "" {
		return DefaultContext
	}
	return contextID
}

// SetActive points contextID at sessionID; an empty sessionID clears it.
// Observers are called synchronously once the new value is visible, and
// only when the value actually changed. An unset context already holds
// none, so clearing it only records the context for ListContexts.
func (r *Registry) SetActive(contextID, sessionID string) {
	contextID = normalize(contextID)

	r.mu.Lock()
	prev := r.active[contextID]
	if prev == sessionID {
		if _, existed := r.active[contextID]; !existed {
			r.active[contextID] = sessionID
		}
		r.mu.Unlock()
		return
	}
	r.active[contextID] = sessionID
	observers := r.snapshotObservers()
	r.mu.Unlock()

	change := Change{Context: contextID, SessionID: sessionID, Previous: prev}
	for _, obs := range observers {
		obs(change)
	}
}

// GetActive returns the session active in contextID, or "" for none.
func (r *Registry) GetActive(contextID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[normalize(contextID)]
}

// Subscribe registers obs for every later change. The returned function
// removes it; calling it more than once, or from inside obs, is safe.
func (r *Registry) Subscribe(obs Observer) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.observers[id] = obs
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.observers, id)
			r.mu.Unlock()
		})
	}
}

// ListContexts returns every context ever set, including ones cleared to
// none, sorted by context id.
func (r *Registry) ListContexts() []Pointer {
	r.mu.Lock()
	out := make([]Pointer, 0, len(r.active))
	for ctx, sid := range r.active {
		out = append(out, Pointer{Context: ctx, SessionID: sid})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Context < out[j].Context })
	return out
}

// snapshotObservers must be called with r.mu held. Observers run in
// subscription order.
func (r *Registry) snapshotObservers() []Observer {
	ids := make([]uint64, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Observer, len(ids))
	for i, id := range ids {
		out[i] = r.observers[id]
	}
	return out
}
