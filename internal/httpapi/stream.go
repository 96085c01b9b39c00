package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/activesession"
)

const (
	wsReadLimit   = 4096
	wsPingPeriod  = 15 * time.Second
	wsPongWait    = 45 * time.Second
	wsWriteWait   = 10 * time.Second
	changesBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.config.Store.Get(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	events, cancel := s.config.Runner.Subscribe(id)
	defer cancel()
	streamJSON(r.Context(), conn, nil, events)
}

func (s *Server) handleActiveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	// Subscribe before taking the snapshot so no change is missed; a change
	// racing the snapshot may be seen twice.
	changes := make(chan activesession.Change, changesBuffer)
	unsubscribe := s.config.Registry.Subscribe(func(c activesession.Change) {
		select {
		case changes <- c:
		default:
			s.config.Metrics.StreamEventDropped()
		}
	})
	defer unsubscribe()

	snapshot := s.config.Registry.ListContexts()
	initial := make([]activesession.Change, 0, len(snapshot))
	for _, p := range snapshot {
		initial = append(initial, activesession.Change{Context: p.Context, SessionID: p.SessionID})
	}
	streamJSON(r.Context(), conn, initial, changes)
}

// streamJSON writes initial and then each value from events as text
// frames until the client goes away or events closes.
func streamJSON[T any](ctx context.Context, conn *websocket.Conn, initial []T, events <-chan T) {
	defer conn.Close()

	for _, v := range initial {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
		if err := conn.WriteJSON(v); err != nil {
			return
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		conn.SetReadLimit(wsReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
