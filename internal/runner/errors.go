package runner

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned when a session already has the maximum number
	// of prompts waiting.
	ErrQueueFull = errors.New("session queue is full")

	// ErrMaxToolRounds is returned when the model keeps requesting tools past
	// the configured number of rounds.
	ErrMaxToolRounds = errors.New("maximum tool rounds exceeded")

	// ErrStreamTruncated is returned when an engine stream ends without a
	// completed or failed event.
	ErrStreamTruncated = errors.New("engine stream ended before completion")

	// ErrClosed is returned by SubmitPrompt after Close.
	ErrClosed = errors.New("runner is closed")
)

// TurnPhase names the stage of a turn where it failed.
type TurnPhase string

const (
	PhaseInit         TurnPhase = "init"
	PhaseStream       TurnPhase = "stream"
	PhaseExecuteTools TurnPhase = "execute_tools"
	PhaseContinue     TurnPhase = "continue"
	PhaseComplete     TurnPhase = "complete"
)

// TurnError reports a failed turn.
type TurnError struct {
	SessionID string
	TurnID    string
	Phase     TurnPhase
	Round     int
	Cause     error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn %s failed at %s (round %d): %v", e.TurnID, e.Phase, e.Round, e.Cause)
}

func (e *TurnError) Unwrap() error { return e.Cause }

// EngineFailure is an error event reported by the model stream.
type EngineFailure struct {
	ResponseID string
	Code       string
	Message    string
}

func (e *EngineFailure) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("engine failure %s: %s", e.Code, e.Message)
	case e.Message != "":
		return "engine failure: " + e.Message
	case e.Code != "":
		return "engine failure " + e.Code
	}
	return "engine failure"
}
