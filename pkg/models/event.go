package models

import (
	"encoding/json"
	"time"
)

// TurnEventType is the closed vocabulary of normalized streaming events.
type TurnEventType string

const (
	EventCreated         TurnEventType = "created"
	EventOutputItemAdded TurnEventType = "output_item_added"
	EventTextDelta       TurnEventType = "text_delta"
	EventToolArgsDelta   TurnEventType = "tool_args_delta"
	EventToolArgsDone    TurnEventType = "tool_args_done"
	EventCompleted       TurnEventType = "completed"
	EventFailed          TurnEventType = "failed"
)

// TokenUsage reports token accounting for one model response.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// TurnEvent is a normalized streaming event.
// Only the fields relevant to Type are populated.
type TurnEvent struct {
	Type         TurnEventType   `json:"type"`
	ResponseID   string          `json:"response_id,omitempty"`
	Item         json.RawMessage `json:"item,omitempty"`
	ItemID       string          `json:"item_id,omitempty"`
	OutputIndex  int             `json:"output_index"`
	ContentIndex int             `json:"content_index,omitempty"`
	Delta        string          `json:"delta,omitempty"`
	Arguments    string          `json:"arguments,omitempty"`
	TokenUsage   *TokenUsage     `json:"token_usage,omitempty"`
	Code         string          `json:"code,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// StreamEvent is what live subscribers of a session observe.
// Exactly one of Event, Status or Entry is set.
type StreamEvent struct {
	SessionID string           `json:"session_id"`
	TurnID    string           `json:"turn_id,omitempty"`
	Sequence  uint64           `json:"sequence"`
	Time      time.Time        `json:"time"`
	Event     *TurnEvent       `json:"event,omitempty"`
	Status    SessionStatus    `json:"status,omitempty"`
	Entry     *TranscriptEntry `json:"entry,omitempty"`
}
