// Package worker provides the tools a relay worker runs on behalf of
// sessions: a shell and a unified diff applier, both confined to the
// worker root.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/relay/internal/executor"
	"github.com/haasonsaas/relay/internal/transport"
	"github.com/haasonsaas/relay/pkg/models"
)

// Defaults for Config.
const (
	DefaultShellTimeout   = 2 * time.Minute
	DefaultMaxOutputBytes = 64000
)

// Config configures the worker tools.
type Config struct {
	// Root confines every path the tools touch.
	Root string

	// ShellTimeout bounds a shell command unless the call overrides it.
	ShellTimeout time.Duration

	// MaxOutputBytes caps stdout and stderr separately.
	MaxOutputBytes int
}

// NewExecutor returns a local executor with the worker tools registered.
func NewExecutor(config Config, logger *slog.Logger) (*executor.Local, error) {
	if config.ShellTimeout <= 0 {
		config.ShellTimeout = DefaultShellTimeout
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = DefaultMaxOutputBytes
	}
	resolver := Resolver{Root: config.Root}
	if _, err := resolver.root(); err != nil {
		return nil, err
	}

	shell := &shellTool{resolver: resolver, timeout: config.ShellTimeout, maxOutput: config.MaxOutputBytes}
	patch := &patchTool{resolver: resolver}

	local := executor.NewLocal(logger)
	for _, tool := range []struct {
		spec    func() (models.ToolSpec, error)
		handler executor.Handler
	}{
		{shell.spec, shell.handle},
		{patch.spec, patch.handle},
	} {
		spec, err := tool.spec()
		if err != nil {
			return nil, err
		}
		if err := local.Register(spec, tool.handler); err != nil {
			return nil, err
		}
	}
	return local, nil
}

// DispatchHandler adapts exec to the hub's dispatch messages. The dispatch
// workdir is used unless the invocation names its own.
func DispatchHandler(exec executor.Executor, logger *slog.Logger) transport.DispatchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker")
	return func(ctx context.Context, msg *models.DispatchMessage) *models.ToolResultMessage {
		inv := msg.Invocation.Clone()
		if inv.Workdir == "" {
			inv.Workdir = msg.Workdir
		}
		if inv.SessionID == "" {
			inv.SessionID = msg.SessionID
		}

		start := time.Now()
		outputs, err := exec.Execute(ctx, inv)
		if err != nil {
			logger.WarnContext(ctx, "tool failed",
				"tool", inv.Name,
				"call_id", inv.CallID,
				"session_id", inv.SessionID,
				"error", err,
			)
			return &models.ToolResultMessage{CallID: inv.CallID, Error: err.Error()}
		}
		logger.DebugContext(ctx, "tool finished",
			"tool", inv.Name,
			"call_id", inv.CallID,
			"duration", time.Since(start),
		)
		return &models.ToolResultMessage{CallID: inv.CallID, Outputs: outputs}
	}
}

// reflectSchema derives a tool parameter schema from an argument struct.
func reflectSchema(v any) (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode tool schema: %w", err)
	}
	return data, nil
}
