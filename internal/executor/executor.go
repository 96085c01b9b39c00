// Package executor runs tool invocations on behalf of a turn.
//
// There are exactly two executors: Local runs registered handlers in this
// process, Remote forwards the invocation to one worker and waits for the
// correlated answer. Which one a session uses is decided once, when the
// session's turn lane is created.
package executor

import (
	"context"

	"github.com/haasonsaas/relay/pkg/models"
)

// Executor runs tools for one session.
type Executor interface {
	// Supports reports whether Execute may succeed for the tool name.
	Supports(name string) bool

	// Tools lists the specs offered to the model.
	Tools() []models.ToolSpec

	// Execute runs inv and returns its outputs.
	Execute(ctx context.Context, inv *models.ToolInvocation) ([]models.ToolOutput, error)
}
