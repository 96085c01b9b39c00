package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/relay/pkg/models"
)

// Handler runs one tool in-process.
type Handler func(ctx context.Context, inv *models.ToolInvocation) ([]models.ToolOutput, error)

type localTool struct {
	spec    models.ToolSpec
	schema  *jsonschema.Schema
	handler Handler
}

// Local executes tools through in-process handlers.
type Local struct {
	mu     sync.RWMutex
	tools  map[string]*localTool
	logger *slog.Logger
}

// NewLocal creates an empty local executor.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		tools:  make(map[string]*localTool),
		logger: logger.With("component", "executor.local"),
	}
}

// Register declares spec and binds it to h, replacing any earlier binding.
func (l *Local) Register(spec models.ToolSpec, h Handler) error {
	tool, err := compileTool(spec)
	if err != nil {
		return err
	}
	tool.handler = h
	l.mu.Lock()
	l.tools[spec.Name] = tool
	l.mu.Unlock()
	return nil
}

// Declare offers spec to the model without a handler. Invoking it fails
// with ErrHandlerNotRegistered until Register binds one.
func (l *Local) Declare(spec models.ToolSpec) error {
	tool, err := compileTool(spec)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if existing, ok := l.tools[spec.Name]; ok {
		tool.handler = existing.handler
	}
	l.tools[spec.Name] = tool
	l.mu.Unlock()
	return nil
}

func compileTool(spec models.ToolSpec) (*localTool, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	tool := &localTool{spec: spec}
	if len(spec.Parameters) > 0 {
		schema, err := jsonschema.CompileString("tool_"+spec.Name, string(spec.Parameters))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", spec.Name, err)
		}
		tool.schema = schema
	}
	return tool, nil
}

// Supports reports whether name is declared.
func (l *Local) Supports(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.tools[name]
	return ok
}

// Tools returns the declared specs sorted by name.
func (l *Local) Tools() []models.ToolSpec {
	l.mu.RLock()
	specs := make([]models.ToolSpec, 0, len(l.tools))
	for _, tool := range l.tools {
		specs = append(specs, tool.spec)
	}
	l.mu.RUnlock()
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Execute validates inv against the declared schema and runs its handler.
func (l *Local) Execute(ctx context.Context, inv *models.ToolInvocation) (outputs []models.ToolOutput, err error) {
	l.mu.RLock()
	tool, ok := l.tools[inv.Name]
	l.mu.RUnlock()

	if !ok {
		return nil, UnsupportedToolError(inv.Name, inv.CallID)
	}
	if tool.handler == nil {
		return nil, HandlerNotRegisteredError(inv.Name, inv.CallID)
	}
	if tool.schema != nil {
		if err := validateArguments(tool.schema, inv.Arguments); err != nil {
			return nil, &ToolError{Kind: ErrInvalidArguments, ToolName: inv.Name, CallID: inv.CallID, Cause: err}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("tool handler panicked", "tool", inv.Name, "call_id", inv.CallID, "panic", r)
			outputs = nil
			err = &ToolError{Kind: ErrToolPanic, ToolName: inv.Name, CallID: inv.CallID, Message: fmt.Sprint(r)}
		}
	}()
	return tool.handler(ctx, inv)
}

func validateArguments(schema *jsonschema.Schema, raw json.RawMessage) error {
	var payload any
	if len(raw) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}
