// Package gateway assembles the relay server: session storage, the result
// broker, the worker hub, the model engine, the turn runner and the HTTP
// and gRPC listeners.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/haasonsaas/relay/internal/activesession"
	"github.com/haasonsaas/relay/internal/broker"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/internal/httpapi"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/runner"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/transport"
)

// Server is the relay server.
type Server struct {
	config *config.Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	shutdown func(context.Context) error

	store    sessions.Store
	broker   *broker.Broker
	hub      *transport.Hub
	engine   engine.Engine
	runner   *runner.Runner
	active   *activesession.Registry
	api      *httpapi.Server
	grpc     *grpc.Server
	health   *health.Server
	http     *http.Server
	stopOnce sync.Once

	mu       sync.Mutex
	grpcAddr net.Addr
	httpAddr net.Addr
}

// Option customizes a Server.
type Option func(*Server)

// WithEngine replaces the engine selected by configuration.
func WithEngine(e engine.Engine) Option {
	return func(s *Server) { s.engine = e }
}

// WithStore replaces the session store selected by configuration.
func WithStore(store sessions.Store) Option {
	return func(s *Server) { s.store = store }
}

// NewServer builds every component. Nothing listens until Start.
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *Server, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:   cfg,
		logger:   logger.With("component", "gateway"),
		registry: prometheus.NewRegistry(),
		active:   activesession.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = observability.NewMetrics(s.registry)
	s.tracer, s.shutdown = observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})

	if s.store == nil {
		store, err := openStore(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		s.store = store
	}
	defer func() {
		if err != nil {
			_ = s.store.Close()
		}
	}()

	s.broker = broker.New(broker.Config{
		DefaultTimeout: cfg.Broker.DefaultTimeout,
		OnOutcome: func(o broker.Outcome) {
			s.metrics.RecordBrokerOutcome(string(o))
		},
	}, logger)

	s.hub = transport.NewHub(transport.HubConfig{
		SharedSecret:      cfg.Workers.SharedSecret,
		OutboxCapacity:    cfg.Workers.OutboxCapacity,
		HeartbeatInterval: cfg.Workers.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Workers.HeartbeatTimeout,
	}, s.broker, logger, s.metrics)

	if s.engine == nil {
		if s.engine, err = newEngine(cfg, logger); err != nil {
			return nil, err
		}
	}

	factory, err := s.executorFactory()
	if err != nil {
		return nil, err
	}
	s.runner, err = runner.New(runner.Config{
		DefaultModel:     cfg.Runner.DefaultModel,
		Instructions:     cfg.Runner.Instructions,
		MaxToolRounds:    cfg.Runner.MaxToolRounds,
		MaxQueueDepth:    cfg.Runner.MaxQueueDepth,
		SubscriberBuffer: cfg.Runner.SubscriberBuffer,
	}, s.store, s.engine, factory,
		runner.WithLogger(logger),
		runner.WithMetrics(s.metrics),
		runner.WithTracer(s.tracer),
	)
	if err != nil {
		return nil, err
	}

	apiConfig := httpapi.Config{
		Store:           s.store,
		Runner:          s.runner,
		Registry:        s.active,
		Workers:         s.hub,
		Limiter:         ratelimit.NewLimiter(cfg.RateLimit),
		WorkerSecret:    cfg.Workers.SharedSecret,
		DefaultWorkerID: cfg.Runner.DefaultWorkerID,
		Metrics:         s.metrics,
		Gatherer:        s.registry,
		Logger:          logger,
	}
	if rl, ok := s.engine.(engine.RateLimitReporter); ok {
		apiConfig.RateLimits = rl
	}
	if s.api, err = httpapi.New(apiConfig); err != nil {
		return nil, err
	}

	s.grpc = grpc.NewServer(
		grpc.ChainStreamInterceptor(streamLoggingInterceptor(s.logger)),
	)
	transport.RegisterWorkerServiceServer(s.grpc, s.hub)
	s.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpc, s.health)

	return s, nil
}

// Start listens on the configured ports and serves until ctx ends or a
// listener fails. It always returns after shutting everything down.
func (s *Server) Start(ctx context.Context) error {
	host := s.config.Server.Host
	grpcLis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, s.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	httpLis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, s.config.Server.HTTPPort))
	if err != nil {
		_ = grpcLis.Close()
		return fmt.Errorf("http listen: %w", err)
	}

	s.http = &http.Server{
		Handler:           s.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.grpcAddr = grpcLis.Addr()
	s.httpAddr = httpLis.Addr()
	s.mu.Unlock()

	s.health.SetServingStatus(transport.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	s.logger.Info("starting gRPC server", "addr", grpcLis.Addr().String())
	s.logger.Info("starting http server", "addr", httpLis.Addr().String())

	errs := make(chan error, 2)
	go func() {
		if err := s.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errs <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := s.http.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errs:
		s.logger.Error("listener failed", "error", serveErr)
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, s.Stop(stopCtx))
}

// Stop drains in-flight turns and closes every component. Only the first
// call has an effect.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() { err = s.stop(ctx) })
	return err
}

func (s *Server) stop(ctx context.Context) error {
	s.logger.Info("stopping server")
	s.health.Shutdown()

	var errs []error
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := s.runner.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("runner close: %w", err))
	}

	// Worker streams never end on their own.
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}

	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session store close: %w", err))
	}
	if err := s.shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// HTTPAddr returns the bound HTTP address once Start is listening.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

// GRPCAddr returns the bound gRPC address once Start is listening.
func (s *Server) GRPCAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grpcAddr
}

func streamLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		logger.Debug("stream started", "method", info.FullMethod)
		err := handler(srv, ss)
		if err != nil {
			logger.Warn("stream error", "method", info.FullMethod, "error", err)
		}
		logger.Debug("stream ended", "method", info.FullMethod)
		return err
	}
}
