package runner

import (
	"fmt"
	"sync"
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

func TestEventHubFiltersAndSequences(t *testing.T) {
	hub := newEventHub(4, nil)
	s1, cancel1 := hub.subscribe("s1")
	defer cancel1()
	all, cancelAll := hub.subscribe("")
	defer cancelAll()

	hub.publish(models.StreamEvent{SessionID: "s1", Status: models.StatusRunning})
	hub.publish(models.StreamEvent{SessionID: "s2", Status: models.StatusRunning})

	if len(s1) != 1 {
		t.Fatalf("s1 subscriber got %d events, want 1", len(s1))
	}
	if len(all) != 2 {
		t.Fatalf("wildcard subscriber got %d events, want 2", len(all))
	}
	first, second := <-all, <-all
	if first.Sequence != 1 || second.Sequence != 2 {
		t.Fatalf("unexpected sequences %d, %d", first.Sequence, second.Sequence)
	}
	if first.Time.IsZero() {
		t.Fatal("expected publish time")
	}
}

func TestEventHubCancel(t *testing.T) {
	hub := newEventHub(1, nil)
	ch, cancel := hub.subscribe("s1")
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	if hub.count() != 0 {
		t.Fatalf("expected no subscribers, got %d", hub.count())
	}
	// Publishing after cancel must not panic.
	hub.publish(models.StreamEvent{SessionID: "s1"})
}

func TestEventHubDropsWhenFull(t *testing.T) {
	hub := newEventHub(1, nil)
	ch, cancel := hub.subscribe("s1")
	defer cancel()
	for i := 0; i < 3; i++ {
		hub.publish(models.StreamEvent{SessionID: "s1"})
	}
	if len(ch) != 1 {
		t.Fatalf("expected 1 buffered event, got %d", len(ch))
	}
	if ev := <-ch; ev.Sequence != 1 {
		t.Fatalf("expected the first event to survive, got sequence %d", ev.Sequence)
	}
}

func TestEventHubOrdersConcurrentPublishers(t *testing.T) {
	const publishers, perPublisher = 8, 200
	hub := newEventHub(publishers*perPublisher, nil)
	ch, unsubscribe := hub.subscribe("")
	defer unsubscribe()

	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(session string) {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				hub.publish(models.StreamEvent{SessionID: session})
			}
		}(fmt.Sprintf("s%d", i))
	}
	wg.Wait()

	var last uint64
	for i := 0; i < publishers*perPublisher; i++ {
		ev := <-ch
		if ev.Sequence <= last {
			t.Fatalf("sequence %d delivered after %d", ev.Sequence, last)
		}
		last = ev.Sequence
	}
}
