package runner

import (
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// DefaultSubscriberBuffer is the per-subscriber channel size.
const DefaultSubscriberBuffer = 256

type subscriber struct {
	sessionID string
	ch        chan models.StreamEvent
}

// eventHub fans stream events out to subscribers without blocking the
// publisher. A subscriber that falls behind loses events.
type eventHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	seq     uint64
	buffer  int
	metrics *observability.Metrics
	now     func() time.Time
}

func newEventHub(buffer int, metrics *observability.Metrics) *eventHub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &eventHub{
		subs:    map[uint64]*subscriber{},
		buffer:  buffer,
		metrics: metrics,
		now:     time.Now,
	}
}

// subscribe registers a subscriber. An empty sessionID receives every
// session's events.
func (h *eventHub) subscribe(sessionID string) (<-chan models.StreamEvent, func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	sub := &subscriber{sessionID: sessionID, ch: make(chan models.StreamEvent, h.buffer)}
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
}

// publish stamps ev and delivers it. Stamping and delivery share the
// write lock so every subscriber sees sequence numbers in increasing order.
func (h *eventHub) publish(ev models.StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	ev.Sequence = h.seq
	if ev.Time.IsZero() {
		ev.Time = h.now()
	}

	for _, sub := range h.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.metrics.StreamEventDropped()
		}
	}
}

func (h *eventHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
