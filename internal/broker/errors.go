package broker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateCall is returned when a call id is awaited while another
	// wait for the same id is still pending. Callers treat it as a bug in id
	// allocation, never as a tool failure.
	ErrDuplicateCall = errors.New("duplicate pending call id")

	// ErrTimeout is returned when no result arrives within the deadline.
	ErrTimeout = errors.New("tool result timed out")
)

// DuplicateCallError reports a second registration for a pending call id.
type DuplicateCallError struct {
	CallID string
}

func (e *DuplicateCallError) Error() string {
	return fmt.Sprintf("call %s: %s", e.CallID, ErrDuplicateCall.Error())
}

func (e *DuplicateCallError) Unwrap() error { return ErrDuplicateCall }

// TimeoutError reports a wait that expired before a result arrived.
type TimeoutError struct {
	CallID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %s: no result after %s", e.CallID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// RemoteError is the error delivered to a waiter by Reject.
type RemoteError struct {
	CallID  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("call %s failed: %s", e.CallID, e.Message)
}
