package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/internal/engine/openai"
	"github.com/haasonsaas/relay/internal/engine/scripted"
	"github.com/haasonsaas/relay/internal/executor"
	"github.com/haasonsaas/relay/internal/runner"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/worker"
	"github.com/haasonsaas/relay/pkg/models"
)

// openStore selects session storage. SQL stores are retried while the
// database comes up.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (sessions.Store, error) {
	var dialect sessions.Dialect
	switch cfg.Driver {
	case "memory":
		return sessions.NewMemoryStore(), nil
	case "postgres":
		dialect = sessions.DialectPostgres
	case "sqlite":
		dialect = sessions.DialectSQLite
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	sqlCfg := sessions.DefaultSQLConfig(dialect, cfg.URL)
	if cfg.MaxConnections > 0 {
		sqlCfg.MaxOpenConns = cfg.MaxConnections
		sqlCfg.MaxIdleConns = min(sqlCfg.MaxIdleConns, cfg.MaxConnections)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
	}

	var store *sessions.SQLStore
	err := backoff.Retry(ctx, backoff.StartupPolicy(), max(cfg.ConnectAttempts, 1), func(ctx context.Context, attempt int) error {
		var err error
		store, err = sessions.OpenSQLStore(ctx, sqlCfg)
		if err != nil {
			logger.Warn("session store unavailable", "driver", cfg.Driver, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open %s session store: %w", cfg.Driver, err)
	}
	logger.Info("session store ready", "driver", cfg.Driver)
	return store, nil
}

func newEngine(cfg *config.Config, logger *slog.Logger) (engine.Engine, error) {
	switch cfg.Engine.Provider {
	case "openai":
		return openai.New(openai.Config{
			APIKey:       cfg.Engine.APIKey,
			BaseURL:      cfg.Engine.BaseURL,
			DefaultModel: cfg.Runner.DefaultModel,
			MaxRetries:   cfg.Engine.MaxRetries,
			RateLimitTTL: cfg.Engine.RateLimitTTL,
		}, logger), nil
	case "scripted":
		return scripted.New(scripted.Config{
			Rules:        cfg.Engine.Script.Rules,
			DefaultReply: cfg.Engine.Script.DefaultReply,
			Delay:        cfg.Engine.Script.Delay,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported engine provider %q", cfg.Engine.Provider)
	}
}

// executorFactory binds each session to an executor once, when its lane
// first runs.
func (s *Server) executorFactory() (runner.ExecutorFactory, error) {
	cfg := s.config.Runner
	switch cfg.ExecutorMode {
	case "local":
		local, err := worker.NewExecutor(worker.Config{
			Root:           cfg.LocalRoot,
			ShellTimeout:   s.config.Worker.ShellTimeout,
			MaxOutputBytes: s.config.Worker.MaxOutputBytes,
		}, s.logger)
		if err != nil {
			return nil, fmt.Errorf("local tools: %w", err)
		}
		return func(context.Context, *models.Session) (executor.Executor, error) {
			return local, nil
		}, nil

	case "remote":
		timeout := s.config.Broker.DefaultTimeout
		return func(ctx context.Context, session *models.Session) (executor.Executor, error) {
			workerID := session.WorkerID
			if workerID == "" {
				workerID = cfg.DefaultWorkerID
			}
			if workerID == "" {
				return nil, fmt.Errorf("session %s has no worker", session.ID)
			}
			tools, err := s.hub.Tools(workerID)
			if err != nil {
				return nil, err
			}
			return executor.NewRemote(executor.RemoteConfig{
				WorkerID:  workerID,
				SessionID: session.ID,
				Workdir:   session.Workdir,
				Tools:     tools,
				Timeout:   timeout,
			}, s.hub.Outbox(workerID), s.broker, s.logger), nil
		}, nil

	default:
		return nil, fmt.Errorf("unsupported executor mode %q", cfg.ExecutorMode)
	}
}
