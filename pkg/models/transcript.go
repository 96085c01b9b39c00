package models

import (
	"encoding/json"
	"time"
)

// Role indicates who produced a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	// RoleError marks an entry describing a failed turn.
	RoleError Role = "error"
)

// TranscriptEntry is one ordered record in a session transcript.
type TranscriptEntry struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	TurnID      string          `json:"turn_id,omitempty"`
	Role        Role            `json:"role"`
	Content     string          `json:"content,omitempty"`
	ToolCall    *ToolInvocation `json:"tool_call,omitempty"`
	ToolOutputs []ToolOutput    `json:"tool_outputs,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Clone returns a deep copy of the entry.
func (e *TranscriptEntry) Clone() *TranscriptEntry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.ToolCall != nil {
		cp.ToolCall = e.ToolCall.Clone()
	}
	if e.ToolOutputs != nil {
		cp.ToolOutputs = make([]ToolOutput, len(e.ToolOutputs))
		for i, out := range e.ToolOutputs {
			cp.ToolOutputs[i] = out.Clone()
		}
	}
	return &cp
}

// MarshalToolFields encodes the optional tool fields for storage.
// Empty values encode as nil so they can be stored as SQL NULL.
func (e *TranscriptEntry) MarshalToolFields() (call, outputs []byte, err error) {
	if e.ToolCall != nil {
		if call, err = json.Marshal(e.ToolCall); err != nil {
			return nil, nil, err
		}
	}
	if len(e.ToolOutputs) > 0 {
		if outputs, err = json.Marshal(e.ToolOutputs); err != nil {
			return nil, nil, err
		}
	}
	return call, outputs, nil
}

// UnmarshalToolFields is the inverse of MarshalToolFields.
func (e *TranscriptEntry) UnmarshalToolFields(call, outputs []byte) error {
	if len(call) > 0 {
		var inv ToolInvocation
		if err := json.Unmarshal(call, &inv); err != nil {
			return err
		}
		e.ToolCall = &inv
	}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &e.ToolOutputs); err != nil {
			return err
		}
	}
	return nil
}
