package activesession

import (
	"sync"
	"testing"
)

func TestSetActiveNotifiesOnce(t *testing.T) {
	r := NewRegistry()
	var changes []Change
	r.Subscribe(func(c Change) { changes = append(changes, c) })

	r.SetActive("ctx-a", "s1")
	r.SetActive("ctx-a", "s1")

	if len(changes) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(changes))
	}
	want := Change{Context: "ctx-a", SessionID: "s1"}
	if changes[0] != want {
		t.Fatalf("change = %+v, want %+v", changes[0], want)
	}
	if got := r.GetActive("ctx-a"); got != "s1" {
		t.Fatalf("GetActive = %q, want s1", got)
	}
}

func TestDefaultContext(t *testing.T) {
	r := NewRegistry()
	r.SetActive("", "s1")
	if got := r.GetActive(DefaultContext); got != "s1" {
		t.Fatalf("GetActive(default) = %q", got)
	}
	if got := r.GetActive(""); got != "s1" {
		t.Fatalf("GetActive(\"\") = %q", got)
	}
}

func TestClearingIsListed(t *testing.T) {
	r := NewRegistry()
	var changes []Change
	r.Subscribe(func(c Change) { changes = append(changes, c) })

	r.SetActive("b", "s2")
	r.SetActive("a", "s1")
	r.SetActive("b", "")

	got := r.ListContexts()
	want := []Pointer{{Context: "a", SessionID: "s1"}, {Context: "b", SessionID: ""}}
	if len(got) != len(want) {
		t.Fatalf("ListContexts = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ListContexts[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	last := changes[len(changes)-1]
	if last.Previous != "s2" || last.SessionID != "" {
		t.Fatalf("unexpected clear change: %+v", last)
	}
}

func TestSettingNoneOnUnknownContextIsSilent(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.Subscribe(func(Change) { calls++ })

	r.SetActive("x", "")
	r.SetActive("x", "")
	if calls != 0 {
		t.Fatalf("expected no notification, got %d", calls)
	}
	if len(r.ListContexts()) != 1 {
		t.Fatal("explicitly cleared context should be listed")
	}
}

func TestUnsubscribeInsideCallback(t *testing.T) {
	r := NewRegistry()
	var unsubscribe func()
	first, second := 0, 0
	unsubscribe = r.Subscribe(func(Change) {
		first++
		unsubscribe()
		unsubscribe()
	})
	r.Subscribe(func(Change) { second++ })

	r.SetActive("c", "s1")
	r.SetActive("c", "s2")

	if first != 1 {
		t.Fatalf("self-unsubscribing observer called %d times", first)
	}
	if second != 2 {
		t.Fatalf("remaining observer called %d times", second)
	}
}

func TestObserverSeesCommittedValue(t *testing.T) {
	r := NewRegistry()
	var seen string
	r.Subscribe(func(c Change) { seen = r.GetActive(c.Context) })
	r.SetActive("c", "s9")
	if seen != "s9" {
		t.Fatalf("observer saw %q before commit", seen)
	}
}

func TestConcurrentSetActive(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	count := 0
	r.Subscribe(func(Change) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.SetActive("shared", "s1")
		}()
	}
	wg.Wait()

	if count != 1 {
		t.Fatalf("expected a single notification for identical writes, got %d", count)
	}
}
