// Package config loads relay configuration from YAML or JSON5 files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/engine/scripted"
	"github.com/haasonsaas/relay/internal/ratelimit"
)

// Config is the main configuration structure for relay.
type Config struct {
	Version   int              `yaml:"version"`
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Runner    RunnerConfig     `yaml:"runner"`
	Broker    BrokerConfig     `yaml:"broker"`
	Workers   WorkersConfig    `yaml:"workers"`
	Engine    EngineConfig     `yaml:"engine"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Logging   LoggingConfig    `yaml:"logging"`
	Tracing   TracingConfig    `yaml:"tracing"`
	Worker    WorkerConfig     `yaml:"worker"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	GRPCPort        int           `yaml:"grpc_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects session storage. Driver is memory, postgres or
// sqlite.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectAttempts int           `yaml:"connect_attempts"`
}

// RunnerConfig configures turn execution. ExecutorMode is local or remote.
type RunnerConfig struct {
	DefaultModel     string `yaml:"default_model"`
	Instructions     string `yaml:"instructions"`
	MaxToolRounds    int    `yaml:"max_tool_rounds"`
	MaxQueueDepth    int    `yaml:"max_queue_depth"`
	SubscriberBuffer int    `yaml:"subscriber_buffer"`
	ExecutorMode     string `yaml:"executor_mode"`
	DefaultWorkerID  string `yaml:"default_worker_id"`
	// LocalRoot confines local tool execution. Sessions without a workdir
	// run here.
	LocalRoot string `yaml:"local_root"`
}

type BrokerConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// WorkersConfig configures the hub side of worker connections.
type WorkersConfig struct {
	SharedSecret      string        `yaml:"shared_secret"`
	OutboxCapacity    int           `yaml:"outbox_capacity"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
}

// EngineConfig selects the model engine. Provider is openai or scripted.
type EngineConfig struct {
	Provider     string        `yaml:"provider"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	MaxRetries   int           `yaml:"max_retries"`
	RateLimitTTL time.Duration `yaml:"rate_limit_ttl"`
	Script       ScriptConfig  `yaml:"script"`
}

// ScriptConfig configures the scripted engine.
type ScriptConfig struct {
	DefaultReply string          `yaml:"default_reply"`
	Delay        time.Duration   `yaml:"delay"`
	Rules        []scripted.Rule `yaml:"rules"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// WorkerConfig configures `relay worker`.
type WorkerConfig struct {
	ID                string         `yaml:"id"`
	Name              string         `yaml:"name"`
	HubAddress        string         `yaml:"hub_address"`
	SharedSecret      string         `yaml:"shared_secret"`
	Root              string         `yaml:"root"`
	ShellTimeout      time.Duration  `yaml:"shell_timeout"`
	MaxOutputBytes    int            `yaml:"max_output_bytes"`
	HeartbeatInterval time.Duration  `yaml:"heartbeat_interval"`
	Reconnect         backoff.Policy `yaml:"reconnect"`
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Load reads, merges, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if cfg.Version != 0 {
		if err := ValidateVersion(cfg.Version); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 50051
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnectAttempts == 0 {
		cfg.Database.ConnectAttempts = 5
	}
	if cfg.Runner.DefaultModel == "" {
		cfg.Runner.DefaultModel = "gpt-4.1-mini"
	}
	if cfg.Runner.MaxToolRounds == 0 {
		cfg.Runner.MaxToolRounds = 16
	}
	if cfg.Runner.MaxQueueDepth == 0 {
		cfg.Runner.MaxQueueDepth = 32
	}
	if cfg.Runner.SubscriberBuffer == 0 {
		cfg.Runner.SubscriberBuffer = 256
	}
	if cfg.Runner.ExecutorMode == "" {
		cfg.Runner.ExecutorMode = "remote"
	}
	if cfg.Broker.DefaultTimeout == 0 {
		cfg.Broker.DefaultTimeout = 60 * time.Second
	}
	if cfg.Workers.OutboxCapacity == 0 {
		cfg.Workers.OutboxCapacity = 64
	}
	if cfg.Workers.HeartbeatInterval == 0 {
		cfg.Workers.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Workers.HeartbeatTimeout == 0 {
		cfg.Workers.HeartbeatTimeout = 3 * cfg.Workers.HeartbeatInterval
	}
	if cfg.Engine.Provider == "" {
		cfg.Engine.Provider = "openai"
	}
	if cfg.Engine.MaxRetries == 0 {
		cfg.Engine.MaxRetries = 2
	}
	if cfg.Engine.RateLimitTTL == 0 {
		cfg.Engine.RateLimitTTL = time.Minute
	}
	if cfg.RateLimit.PromptsPerMinute == 0 {
		cfg.RateLimit.PromptsPerMinute = ratelimit.DefaultConfig().PromptsPerMinute
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = ratelimit.DefaultConfig().Burst
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "relay"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1
	}
	if cfg.Worker.HubAddress == "" {
		cfg.Worker.HubAddress = "localhost:50051"
	}
	if cfg.Worker.Root == "" {
		cfg.Worker.Root = "."
	}
	if cfg.Worker.ShellTimeout == 0 {
		cfg.Worker.ShellTimeout = 2 * time.Minute
	}
	if cfg.Worker.MaxOutputBytes == 0 {
		cfg.Worker.MaxOutputBytes = 64 * 1024
	}
	if cfg.Worker.HeartbeatInterval == 0 {
		cfg.Worker.HeartbeatInterval = cfg.Workers.HeartbeatInterval
	}
	if cfg.Worker.Reconnect.Initial == 0 {
		cfg.Worker.Reconnect = backoff.DefaultPolicy()
	}
}

// Validate reports every invalid setting at once.
func Validate(cfg *Config) error {
	var issues []string

	switch cfg.Database.Driver {
	case "memory":
	case "postgres", "sqlite":
		if strings.TrimSpace(cfg.Database.URL) == "" {
			issues = append(issues, fmt.Sprintf("database.url is required for driver %q", cfg.Database.Driver))
		}
	default:
		issues = append(issues, fmt.Sprintf("database.driver must be memory, postgres or sqlite (got %q)", cfg.Database.Driver))
	}

	switch cfg.Runner.ExecutorMode {
	case "local":
	case "remote":
		if strings.TrimSpace(cfg.Workers.SharedSecret) == "" {
			issues = append(issues, "workers.shared_secret is required for executor_mode remote")
		}
	default:
		issues = append(issues, fmt.Sprintf("runner.executor_mode must be local or remote (got %q)", cfg.Runner.ExecutorMode))
	}
	if cfg.Runner.MaxToolRounds < 0 {
		issues = append(issues, "runner.max_tool_rounds must be positive")
	}
	if cfg.Runner.MaxQueueDepth < 0 {
		issues = append(issues, "runner.max_queue_depth must be positive")
	}
	if cfg.Broker.DefaultTimeout < 0 {
		issues = append(issues, "broker.default_timeout must be positive")
	}

	switch cfg.Engine.Provider {
	case "openai":
		if strings.TrimSpace(cfg.Engine.APIKey) == "" {
			issues = append(issues, "engine.api_key is required for provider openai")
		}
	case "scripted":
	default:
		issues = append(issues, fmt.Sprintf("engine.provider must be openai or scripted (got %q)", cfg.Engine.Provider))
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q is not recognised", cfg.Logging.Level))
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format must be json or text (got %q)", cfg.Logging.Format))
	}
	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
