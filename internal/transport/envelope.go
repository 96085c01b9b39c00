package transport

import (
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// EnvelopeType tags the payload carried by an Envelope.
type EnvelopeType string

const (
	// Worker to hub.
	TypeRegister  EnvelopeType = "register"
	TypeResult    EnvelopeType = "result"
	TypeHeartbeat EnvelopeType = "heartbeat"

	// Hub to worker.
	TypeRegistered EnvelopeType = "registered"
	TypeDispatch   EnvelopeType = "dispatch"
	TypeError      EnvelopeType = "error"
)

// Envelope is the single message type exchanged on a worker stream.
// Exactly one payload field matching Type is set.
type Envelope struct {
	Type       EnvelopeType              `json:"type"`
	Register   *Register                 `json:"register,omitempty"`
	Registered *Registered               `json:"registered,omitempty"`
	Dispatch   *models.DispatchMessage   `json:"dispatch,omitempty"`
	Result     *models.ToolResultMessage `json:"result,omitempty"`
	Heartbeat  *Heartbeat                `json:"heartbeat,omitempty"`
	Error      string                    `json:"error,omitempty"`
}

// Register is the first message a worker sends.
type Register struct {
	WorkerID string            `json:"worker_id"`
	Name     string            `json:"name,omitempty"`
	Secret   string            `json:"secret,omitempty"`
	Version  string            `json:"version,omitempty"`
	Tools    []models.ToolSpec `json:"tools,omitempty"`
}

// Registered acknowledges a registration.
type Registered struct {
	WorkerID                 string `json:"worker_id"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
}

// Heartbeat keeps a worker connection alive.
type Heartbeat struct {
	SentAt  time.Time `json:"sent_at"`
	Running int       `json:"running"`
}
