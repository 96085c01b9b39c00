package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayWithRand(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name:     "first attempt",
			policy:   Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2},
			attempt:  1,
			expected: 100 * time.Millisecond,
		},
		{
			name:     "third attempt quadruples",
			policy:   Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2},
			attempt:  3,
			expected: 400 * time.Millisecond,
		},
		{
			name:        "jitter adds a fraction",
			policy:      Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.5},
			attempt:     1,
			randomValue: 0.5,
			expected:    125 * time.Millisecond,
		},
		{
			name:     "clamped to max",
			policy:   Policy{Initial: time.Second, Max: 3 * time.Second, Factor: 10},
			attempt:  4,
			expected: 3 * time.Second,
		},
		{
			name:     "attempt zero treated as first",
			policy:   Policy{Initial: 50 * time.Millisecond, Factor: 2},
			attempt:  0,
			expected: 50 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.DelayWithRand(tt.attempt, tt.randomValue); got != tt.expected {
				t.Errorf("DelayWithRand() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBackoffNextAndReset(t *testing.T) {
	b := New(Policy{Initial: 10 * time.Millisecond, Max: time.Second, Factor: 2})
	if got := b.Next(); got != 10*time.Millisecond {
		t.Fatalf("first delay = %v", got)
	}
	if got := b.Next(); got != 20*time.Millisecond {
		t.Fatalf("second delay = %v", got)
	}
	if b.Attempt() != 2 {
		t.Fatalf("attempt = %d", b.Attempt())
	}
	b.Reset()
	if got := b.Next(); got != 10*time.Millisecond {
		t.Fatalf("delay after reset = %v", got)
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep: %v", err)
	}
}

func TestRetry(t *testing.T) {
	policy := Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
	errTemporary := errors.New("temporary")

	calls := 0
	err := Retry(context.Background(), policy, 5, func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errTemporary
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}

	calls = 0
	err = Retry(context.Background(), policy, 2, func(context.Context, int) error {
		calls++
		return errTemporary
	})
	if !errors.Is(err, ErrMaxAttemptsExhausted) || !errors.Is(err, errTemporary) {
		t.Fatalf("expected exhausted error wrapping the cause, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}
