package models

import (
	"encoding/json"
	"strings"
)

// ToolInvocation is one request to run a named tool.
type ToolInvocation struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	// Workdir overrides the session working directory when set.
	Workdir string `json:"workdir,omitempty"`
}

// Clone returns a deep copy of the invocation.
func (t *ToolInvocation) Clone() *ToolInvocation {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Arguments != nil {
		cp.Arguments = append(json.RawMessage(nil), t.Arguments...)
	}
	return &cp
}

// ToolOutputType distinguishes textual and structured tool output.
type ToolOutputType string

const (
	OutputText ToolOutputType = "text"
	OutputJSON ToolOutputType = "json"
)

// ToolOutput is one output item produced by a tool.
type ToolOutput struct {
	Type ToolOutputType  `json:"type"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TextOutput builds a text output item.
func TextOutput(text string) ToolOutput {
	return ToolOutput{Type: OutputText, Text: text}
}

// Clone returns a deep copy of the output.
func (o ToolOutput) Clone() ToolOutput {
	if o.Data != nil {
		o.Data = append(json.RawMessage(nil), o.Data...)
	}
	return o
}

// JoinOutputs flattens outputs into the single string handed back to a model.
func JoinOutputs(outputs []ToolOutput) string {
	parts := make([]string, 0, len(outputs))
	for _, out := range outputs {
		switch {
		case out.Text != "":
			parts = append(parts, out.Text)
		case len(out.Data) > 0:
			parts = append(parts, string(out.Data))
		}
	}
	return strings.Join(parts, "\n")
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}
