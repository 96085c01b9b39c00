package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/pkg/models"
)

// ErrRejected is returned by Client.Run when the hub refuses the worker.
var ErrRejected = errors.New("hub rejected worker")

// DispatchHandler runs one dispatched tool call and returns its result.
type DispatchHandler func(ctx context.Context, msg *models.DispatchMessage) *models.ToolResultMessage

// ClientConfig configures the worker side of the stream.
type ClientConfig struct {
	// Address of the hub, e.g. "localhost:50051".
	Address string

	WorkerID string
	Name     string
	Secret   string
	Version  string

	// HeartbeatInterval overrides the interval the hub advertises.
	HeartbeatInterval time.Duration

	// Reconnect controls delays between connection attempts.
	Reconnect backoff.Policy

	// MaxConcurrent bounds dispatches executed in parallel.
	MaxConcurrent int

	// DialOptions are appended to the defaults (insecure transport).
	DialOptions []grpc.DialOption
}

// Client keeps a worker connected to the hub.
type Client struct {
	config  ClientConfig
	tools   []models.ToolSpec
	handler DispatchHandler
	logger  *slog.Logger

	connected atomic.Bool
	running   atomic.Int64
}

// NewClient creates a worker client advertising tools.
func NewClient(config ClientConfig, tools []models.ToolSpec, handler DispatchHandler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Reconnect.Initial <= 0 {
		config.Reconnect = backoff.DefaultPolicy()
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	return &Client{
		config:  config,
		tools:   tools,
		handler: handler,
		logger:  logger.With("component", "transport.client", "worker_id", config.WorkerID),
	}
}

// Connected reports whether a stream is currently registered.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run connects and reconnects until ctx ends or the hub rejects the
// worker.
func (c *Client) Run(ctx context.Context) error {
	retry := backoff.New(c.config.Reconnect)
	for {
		registered, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		if registered {
			retry.Reset()
		}
		delay := retry.Next()
		c.logger.Warn("hub connection lost, reconnecting",
			"error", err,
			"attempt", retry.Attempt(),
			"delay", delay,
		)
		if err := backoff.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// session runs one connection. It reports whether registration succeeded.
func (c *Client) session(ctx context.Context) (bool, error) {
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, c.config.DialOptions...)
	conn, err := grpc.NewClient(c.config.Address, opts...)
	if err != nil {
		return false, fmt.Errorf("dial hub: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := NewWorkerServiceClient(conn).Connect(ctx)
	if err != nil {
		return false, fmt.Errorf("open stream: %w", err)
	}

	interval, err := c.register(stream)
	if err != nil {
		return false, err
	}
	c.connected.Store(true)
	defer c.connected.Store(false)
	c.logger.Info("registered with hub", "address", c.config.Address, "tools", len(c.tools))

	s := &clientSession{client: c, stream: stream, sem: make(chan struct{}, c.config.MaxConcurrent)}
	go s.heartbeats(ctx, interval)
	err = s.receive(ctx)
	cancel()
	s.wg.Wait()
	return true, err
}

func (c *Client) register(stream WorkerService_ConnectClient) (time.Duration, error) {
	if err := stream.Send(&Envelope{
		Type: TypeRegister,
		Register: &Register{
			WorkerID: c.config.WorkerID,
			Name:     c.config.Name,
			Secret:   c.config.Secret,
			Version:  c.config.Version,
			Tools:    c.tools,
		},
	}); err != nil {
		return 0, fmt.Errorf("send registration: %w", err)
	}

	msg, err := stream.Recv()
	if err != nil {
		if status.Code(err) == codes.Unauthenticated {
			return 0, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return 0, fmt.Errorf("receive registration: %w", err)
	}
	switch {
	case msg.Type == TypeError:
		return 0, fmt.Errorf("%w: %s", ErrRejected, msg.Error)
	case msg.Type != TypeRegistered || msg.Registered == nil:
		return 0, fmt.Errorf("unexpected %q message during registration", msg.Type)
	}

	interval := c.config.HeartbeatInterval
	if interval <= 0 {
		interval = time.Duration(msg.Registered.HeartbeatIntervalSeconds) * time.Second
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return interval, nil
}

// clientSession is one registered stream. Sends are serialized by mu.
type clientSession struct {
	client *Client
	stream WorkerService_ConnectClient
	sem    chan struct{}
	wg     sync.WaitGroup

	mu sync.Mutex
}

func (s *clientSession) send(env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.Send(env)
}

func (s *clientSession) heartbeats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.send(&Envelope{Type: TypeHeartbeat, Heartbeat: &Heartbeat{
				SentAt:  time.Now(),
				Running: int(s.client.running.Load()),
			}})
			if err != nil {
				return
			}
		}
	}
}

func (s *clientSession) receive(ctx context.Context) error {
	for {
		msg, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("hub closed the stream")
			}
			return err
		}
		switch msg.Type {
		case TypeDispatch:
			if msg.Dispatch == nil || msg.Dispatch.Invocation == nil {
				s.client.logger.Warn("ignoring dispatch without invocation")
				continue
			}
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			s.wg.Add(1)
			go s.execute(ctx, msg.Dispatch)
		case TypeError:
			s.client.logger.Warn("hub error", "message", msg.Error)
		default:
			s.client.logger.Debug("ignoring message", "type", msg.Type)
		}
	}
}

func (s *clientSession) execute(ctx context.Context, msg *models.DispatchMessage) {
	defer s.wg.Done()
	defer func() { <-s.sem }()
	s.client.running.Add(1)
	defer s.client.running.Add(-1)

	callID := msg.Invocation.CallID
	s.client.logger.Debug("executing dispatch", "call_id", callID, "tool", msg.Invocation.Name)
	result := s.client.handler(ctx, msg)
	if result == nil {
		result = &models.ToolResultMessage{Error: "worker produced no result"}
	}
	result.CallID = callID
	if err := s.send(&Envelope{Type: TypeResult, Result: result}); err != nil {
		s.client.logger.Warn("failed to send result", "call_id", callID, "error", err)
	}
}
