package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedTool indicates the executor does not offer the tool.
	ErrUnsupportedTool = errors.New("unsupported tool")

	// ErrHandlerNotRegistered indicates the tool is declared but nothing
	// can run it.
	ErrHandlerNotRegistered = errors.New("tool handler not registered")

	// ErrInvalidArguments indicates the arguments failed schema validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrToolPanic indicates a local handler panicked.
	ErrToolPanic = errors.New("tool panicked")
)

// ToolError carries the tool identity alongside one of the sentinel errors.
type ToolError struct {
	Kind     error
	ToolName string
	CallID   string
	Message  string
	Cause    error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("tool %s: %s", e.ToolName, e.Kind.Error())
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is matches the sentinel kind so errors.Is(err, ErrUnsupportedTool) works.
func (e *ToolError) Is(target error) bool { return target == e.Kind }

func (e *ToolError) Unwrap() error { return e.Cause }

// UnsupportedToolError builds the error returned for tools the executor
// does not offer.
func UnsupportedToolError(name, callID string) *ToolError {
	return &ToolError{Kind: ErrUnsupportedTool, ToolName: name, CallID: callID}
}

// HandlerNotRegisteredError builds the error returned for declared tools
// without a handler.
func HandlerNotRegisteredError(name, callID string) *ToolError {
	return &ToolError{Kind: ErrHandlerNotRegistered, ToolName: name, CallID: callID}
}
