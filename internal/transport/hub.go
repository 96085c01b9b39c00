// Package transport connects tool workers to the relay hub over a
// bidirectional gRPC stream. The hub owns one bounded outbox per worker;
// dispatches queued while a worker is away are delivered when it
// reconnects.
package transport

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/haasonsaas/relay/internal/broker"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/outbox"
	"github.com/haasonsaas/relay/pkg/models"
)

var (
	// ErrUnauthenticated is returned when a worker presents a bad secret.
	ErrUnauthenticated = errors.New("worker authentication failed")

	// ErrUnknownWorker is returned for workers that never registered.
	ErrUnknownWorker = errors.New("unknown worker")
)

// HubConfig configures the hub.
type HubConfig struct {
	// SharedSecret must be presented by every worker. Empty disables the
	// check.
	SharedSecret string

	// OutboxCapacity bounds queued dispatches per worker.
	OutboxCapacity int

	// HeartbeatInterval is advertised to workers.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout drops connections that stay silent this long.
	HeartbeatTimeout time.Duration
}

// DefaultHubConfig returns sensible defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		OutboxCapacity:    outbox.DefaultCapacity,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  45 * time.Second,
	}
}

// workerState is what the hub remembers about a worker across
// connections.
type workerState struct {
	id     string
	name   string
	tools  []models.ToolSpec
	outbox *outbox.Channel

	// conn is the live connection, nil while disconnected.
	conn     *workerConn
	lastSeen time.Time
}

type workerConn struct {
	id     uint64
	cancel context.CancelFunc
}

// Hub accepts worker streams and routes dispatches and results.
type Hub struct {
	mu      sync.RWMutex
	workers map[string]*workerState
	connSeq uint64

	config  HubConfig
	broker  *broker.Broker
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewHub creates a hub delivering results into b.
func NewHub(config HubConfig, b *broker.Broker, logger *slog.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultHubConfig()
	if config.OutboxCapacity <= 0 {
		config.OutboxCapacity = defaults.OutboxCapacity
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = 3 * config.HeartbeatInterval
	}
	return &Hub{
		workers: make(map[string]*workerState),
		config:  config,
		broker:  b,
		logger:  logger.With("component", "transport.hub"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Outbox returns the dispatch queue of workerID, creating it if needed.
// It satisfies executor.Outbox.
func (h *Hub) Outbox(workerID string) *outbox.Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateLocked(workerID).outbox
}

func (h *Hub) stateLocked(workerID string) *workerState {
	ws, ok := h.workers[workerID]
	if !ok {
		ws = &workerState{id: workerID, outbox: outbox.NewChannel(h.config.OutboxCapacity)}
		h.workers[workerID] = ws
	}
	return ws
}

// Tools returns the tools workerID advertised at its last registration.
func (h *Hub) Tools(workerID string) ([]models.ToolSpec, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ws, ok := h.workers[workerID]
	if !ok || ws.tools == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	return append([]models.ToolSpec(nil), ws.tools...), nil
}

// Workers lists every known worker, sorted by ID.
func (h *Hub) Workers() []models.WorkerInfo {
	h.mu.RLock()
	out := make([]models.WorkerInfo, 0, len(h.workers))
	for _, ws := range h.workers {
		out = append(out, ws.info())
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Worker describes one worker.
func (h *Hub) Worker(workerID string) (models.WorkerInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ws, ok := h.workers[workerID]
	if !ok {
		return models.WorkerInfo{}, false
	}
	return ws.info(), true
}

func (ws *workerState) info() models.WorkerInfo {
	return models.WorkerInfo{
		ID:            ws.id,
		Name:          ws.name,
		Tools:         append([]models.ToolSpec(nil), ws.tools...),
		Connected:     ws.conn != nil,
		PendingOutbox: ws.outbox.Len(),
		LastSeen:      ws.lastSeen,
	}
}

// DeliverResult forwards a worker's answer to the broker. It reports
// false for late or unknown call ids.
func (h *Hub) DeliverResult(msg *models.ToolResultMessage) bool {
	if msg == nil || msg.CallID == "" {
		return false
	}
	var delivered bool
	if msg.Error != "" {
		delivered = h.broker.Reject(msg.CallID, &broker.RemoteError{CallID: msg.CallID, Message: msg.Error})
	} else {
		delivered = h.broker.Resolve(msg.CallID, msg.Outputs)
	}
	if !delivered {
		h.logger.Warn("dropping result for unknown or finished call", "call_id", msg.CallID)
	}
	return delivered
}

// Connect implements WorkerServiceServer.
func (h *Hub) Connect(stream WorkerService_ConnectServer) error {
	msg, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("failed to receive registration: %w", err)
	}
	if msg.Type != TypeRegister || msg.Register == nil || msg.Register.WorkerID == "" {
		return status.Error(codes.InvalidArgument, "first message must be a registration with a worker id")
	}
	reg := msg.Register

	if err := h.authenticate(reg); err != nil {
		// Best-effort notice; the stream is failing anyway.
		_ = stream.Send(&Envelope{Type: TypeError, Error: err.Error()}) //nolint:errcheck
		h.logger.Warn("worker rejected", "worker_id", reg.WorkerID, "error", err)
		return status.Error(codes.Unauthenticated, err.Error())
	}

	ctx, cancel := context.WithCancel(observability.AddWorkerID(stream.Context(), reg.WorkerID))
	defer cancel()
	ws, conn := h.attach(reg, cancel)
	defer h.detach(ws, conn)

	if err := stream.Send(&Envelope{
		Type: TypeRegistered,
		Registered: &Registered{
			WorkerID:                 reg.WorkerID,
			HeartbeatIntervalSeconds: int(h.config.HeartbeatInterval.Seconds()),
		},
	}); err != nil {
		return fmt.Errorf("failed to send registration response: %w", err)
	}

	h.logger.InfoContext(ctx, "worker connected",
		"name", reg.Name,
		"tools", len(reg.Tools),
		"queued", ws.outbox.Len(),
	)

	recvErr := make(chan error, 1)
	go func() { recvErr <- h.receive(ctx, ws, stream) }()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.pump(ctx, ws, stream)
	}()
	go func() {
		defer wg.Done()
		h.watchdog(ctx, ws, cancel)
	}()

	select {
	case err = <-recvErr:
	case <-ctx.Done():
	}
	// The stream must not be written after Connect returns.
	cancel()
	wg.Wait()
	return err
}

func (h *Hub) authenticate(reg *Register) error {
	if h.config.SharedSecret == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(reg.Secret), []byte(h.config.SharedSecret)) != 1 {
		return ErrUnauthenticated
	}
	return nil
}

// attach records a new connection, replacing any earlier one for the same
// worker.
func (h *Hub) attach(reg *Register, cancel context.CancelFunc) (*workerState, *workerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ws := h.stateLocked(reg.WorkerID)
	if ws.conn != nil {
		h.logger.Info("replacing existing worker connection", "worker_id", reg.WorkerID)
		ws.conn.cancel()
	} else {
		h.metrics.WorkerConnected(1)
	}
	h.connSeq++
	conn := &workerConn{id: h.connSeq, cancel: cancel}
	ws.conn = conn
	ws.name = reg.Name
	ws.tools = append([]models.ToolSpec{}, reg.Tools...)
	ws.lastSeen = h.now()
	return ws, conn
}

func (h *Hub) detach(ws *workerState, conn *workerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ws.conn != conn {
		return
	}
	ws.conn = nil
	h.metrics.WorkerConnected(-1)
	h.logger.Info("worker disconnected", "worker_id", ws.id, "queued", ws.outbox.Len())
}

func (h *Hub) touch(ws *workerState) {
	h.mu.Lock()
	ws.lastSeen = h.now()
	h.mu.Unlock()
}

func (h *Hub) receive(ctx context.Context, ws *workerState, stream WorkerService_ConnectServer) error {
	for {
		msg, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		h.touch(ws)

		switch msg.Type {
		case TypeHeartbeat:
		case TypeResult:
			h.DeliverResult(msg.Result)
		case TypeRegister:
			h.logger.WarnContext(ctx, "ignoring repeated registration")
		default:
			h.logger.WarnContext(ctx, "ignoring unexpected message", "type", msg.Type)
		}
	}
}

// pump forwards the worker's outbox onto the stream. A dispatch that
// cannot be sent is rejected so its caller fails fast.
func (h *Hub) pump(ctx context.Context, ws *workerState, stream WorkerService_ConnectServer) {
	for {
		msg, err := ws.outbox.Receive(ctx)
		if err != nil {
			return
		}
		if err := stream.Send(&Envelope{Type: TypeDispatch, Dispatch: msg}); err != nil {
			h.logger.WarnContext(ctx, "failed to deliver dispatch", "error", err)
			if msg.Invocation != nil {
				h.broker.Reject(msg.Invocation.CallID, fmt.Errorf("worker %s disconnected: %w", ws.id, err))
			}
			return
		}
	}
}

func (h *Hub) watchdog(ctx context.Context, ws *workerState, cancel context.CancelFunc) {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			silent := h.now().Sub(ws.lastSeen)
			h.mu.RUnlock()
			if silent > h.config.HeartbeatTimeout {
				h.logger.WarnContext(ctx, "worker heartbeat timed out", "silent", silent)
				cancel()
				return
			}
		}
	}
}
