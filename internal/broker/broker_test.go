package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

func newTestBroker() *Broker {
	return New(Config{DefaultTimeout: time.Second}, nil)
}

func TestAwaitResultResolved(t *testing.T) {
	b := newTestBroker()
	done := make(chan struct{})
	var got []models.ToolOutput
	var gotErr error

	go func() {
		defer close(done)
		got, gotErr = b.AwaitResult(context.Background(), "call-1", time.Second)
	}()

	waitForPending(t, b, 1)
	if !b.Resolve("call-1", []models.ToolOutput{models.TextOutput("hello")}) {
		t.Fatal("expected first resolve to succeed")
	}
	<-done

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if len(got) != 1 || got[0].Text != "hello" {
		t.Fatalf("unexpected outputs: %+v", got)
	}
	if b.Resolve("call-1", nil) {
		t.Fatal("expected second resolve to be reported as late")
	}
	if b.Pending() != 0 {
		t.Fatalf("expected empty table, got %d", b.Pending())
	}
}

func TestAwaitResultRejected(t *testing.T) {
	b := newTestBroker()
	p, err := b.Register("call-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	cause := &RemoteError{CallID: "call-1", Message: "boom"}
	if !b.Reject("call-1", cause) {
		t.Fatal("expected reject to succeed")
	}
	_, err = p.Wait(context.Background(), time.Second)
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "boom" {
		t.Fatalf("expected remote error, got %v", err)
	}
	if b.Resolve("call-1", nil) {
		t.Fatal("resolve after reject must be a no-op")
	}
}

func TestAwaitResultDuplicate(t *testing.T) {
	b := newTestBroker()
	if _, err := b.Register("call-1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	start := time.Now()
	_, err := b.AwaitResult(context.Background(), "call-1", time.Second)
	if !errors.Is(err, ErrDuplicateCall) {
		t.Fatalf("expected ErrDuplicateCall, got %v", err)
	}
	var dup *DuplicateCallError
	if !errors.As(err, &dup) || dup.CallID != "call-1" {
		t.Fatalf("expected DuplicateCallError for call-1, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("duplicate detection should not block")
	}
	if b.Pending() != 1 {
		t.Fatalf("original entry should remain, pending=%d", b.Pending())
	}
}

func TestAwaitResultTimeout(t *testing.T) {
	b := newTestBroker()
	_, err := b.AwaitResult(context.Background(), "call-1", 10*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Timeout != 10*time.Millisecond {
		t.Fatalf("unexpected timeout error: %v", err)
	}
	if b.Resolve("call-1", nil) {
		t.Fatal("resolve after timeout must return false")
	}
	if b.Reject("call-1", errors.New("late")) {
		t.Fatal("reject after timeout must return false")
	}
}

func TestAwaitResultContextCancelled(t *testing.T) {
	b := newTestBroker()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := b.AwaitResult(ctx, "call-1", time.Minute)
		errCh <- err
	}()
	waitForPending(t, b, 1)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not return after cancellation")
	}
	if b.Resolve("call-1", nil) {
		t.Fatal("resolve after cancellation must return false")
	}
}

func TestPendingCancel(t *testing.T) {
	b := newTestBroker()
	p, err := b.Register("call-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	p.Cancel()
	p.Cancel()
	if b.Pending() != 0 {
		t.Fatalf("expected no pending entries, got %d", b.Pending())
	}
	if _, err := b.Register("call-1"); err != nil {
		t.Fatalf("id should be reusable after cancel: %v", err)
	}
}

func TestResolveUnknown(t *testing.T) {
	b := newTestBroker()
	if b.Resolve("missing", nil) {
		t.Fatal("expected false for unknown id")
	}
	if b.Reject("missing", errors.New("x")) {
		t.Fatal("expected false for unknown id")
	}
}

func TestConcurrentResolveDeliversOnce(t *testing.T) {
	b := newTestBroker()
	p, err := b.Register("call-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ok bool
			if i%2 == 0 {
				ok = b.Resolve("call-1", nil)
			} else {
				ok = b.Reject("call-1", errors.New("x"))
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one successful delivery, got %d", wins.Load())
	}
	if _, err := p.Wait(context.Background(), time.Second); err != nil && err.Error() != "x" {
		t.Fatalf("unexpected wait result: %v", err)
	}
}

func TestOutcomeHook(t *testing.T) {
	var mu sync.Mutex
	seen := map[Outcome]int{}
	b := New(Config{DefaultTimeout: 10 * time.Millisecond, OnOutcome: func(o Outcome) {
		mu.Lock()
		seen[o]++
		mu.Unlock()
	}}, nil)

	p, _ := b.Register("a")
	b.Resolve("a", nil)
	_, _ = p.Wait(context.Background(), 0)
	b.Resolve("a", nil)
	_, _ = b.AwaitResult(context.Background(), "b", 0)

	mu.Lock()
	defer mu.Unlock()
	if seen[OutcomeResolved] != 1 || seen[OutcomeLate] != 1 || seen[OutcomeTimeout] != 1 {
		t.Fatalf("unexpected outcomes: %+v", seen)
	}
}

func waitForPending(t *testing.T, b *Broker, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.Pending() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d pending entries, got %d", n, b.Pending())
}
