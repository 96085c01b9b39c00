package models

import "time"

// MessageTypeToolCall is the type tag of tool dispatch messages sent to workers.
const MessageTypeToolCall = "agent_tool_call"

// DispatchMessage asks a worker to run one tool for a session.
type DispatchMessage struct {
	Type       string          `json:"type"`
	WorkerID   string          `json:"worker_id"`
	SessionID  string          `json:"session_id"`
	Workdir    string          `json:"workdir,omitempty"`
	Invocation *ToolInvocation `json:"invocation"`
}

// ToolResultMessage carries a worker's answer for one call id.
// Error is set instead of Outputs when the tool failed.
type ToolResultMessage struct {
	CallID  string       `json:"call_id"`
	Outputs []ToolOutput `json:"outputs,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// WorkerInfo describes a connected worker.
type WorkerInfo struct {
	ID            string     `json:"id"`
	Name          string     `json:"name,omitempty"`
	Tools         []ToolSpec `json:"tools,omitempty"`
	Connected     bool       `json:"connected"`
	PendingOutbox int        `json:"pending_outbox"`
	LastSeen      time.Time  `json:"last_seen"`
}
