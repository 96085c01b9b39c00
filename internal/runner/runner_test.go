package runner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/relay/internal/broker"
	"github.com/haasonsaas/relay/internal/engine/scripted"
	"github.com/haasonsaas/relay/internal/executor"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/outbox"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

func TestSubmitPromptEndToEnd(t *testing.T) {
	eng := scripted.New(scripted.Config{Rules: []scripted.Rule{{Match: "hallo", Reply: "Hallo!"}}})
	r, store := newTestRunner(t, Config{}, eng, nil)
	createSession(t, store, "s1")

	res, err := r.SubmitPrompt(context.Background(), "s1", "hi ai antworte mir bitte mit hallo")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Reply != "Hallo!" {
		t.Fatalf("reply = %q, want %q", res.Reply, "Hallo!")
	}
	if res.Usage.TotalTokens == 0 {
		t.Fatal("expected token usage from completed event")
	}

	history, _ := store.History(context.Background(), "s1", 0)
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if history[0].Role != models.RoleUser || history[0].Content != "hi ai antworte mir bitte mit hallo" {
		t.Fatalf("unexpected user entry: %+v", history[0])
	}
	if history[1].Role != models.RoleAssistant || history[1].Content != "Hallo!" {
		t.Fatalf("unexpected assistant entry: %+v", history[1])
	}
	for _, entry := range history {
		if entry.TurnID != res.TurnID {
			t.Fatalf("entry turn id %q, want %q", entry.TurnID, res.TurnID)
		}
	}

	session, _ := store.Get(context.Background(), "s1")
	if session.Status != models.StatusWaiting {
		t.Fatalf("status = %s, want waiting", session.Status)
	}

	types := map[models.TurnEventType]bool{}
	for _, ev := range res.Events {
		types[ev.Type] = true
	}
	for _, want := range []models.TurnEventType{models.EventCreated, models.EventOutputItemAdded, models.EventTextDelta, models.EventCompleted} {
		if !types[want] {
			t.Errorf("missing %s event", want)
		}
	}
}

func TestSubmitPromptUnknownSession(t *testing.T) {
	r, _ := newTestRunner(t, Config{}, scripted.New(scripted.Config{}), nil)
	if _, err := r.SubmitPrompt(context.Background(), "missing", "hi"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSameSessionRunsInOrder(t *testing.T) {
	eng := newGateEngine()
	r, store := newTestRunner(t, Config{}, eng, nil)
	createSession(t, store, "s1")

	type outcome struct {
		prompt string
		res    *TurnResult
		err    error
	}
	results := make(chan outcome, 3)
	submit := func(prompt string) {
		go func() {
			res, err := r.SubmitPrompt(context.Background(), "s1", prompt)
			results <- outcome{prompt, res, err}
		}()
	}

	submit("p1")
	if got := <-eng.started; got != "p1" {
		t.Fatalf("first started = %q", got)
	}
	submit("p2")
	waitFor(t, "p2 queued", func() bool { return r.Status("s1").QueueDepth == 1 })
	submit("p3")
	waitFor(t, "p3 queued", func() bool { return r.Status("s1").QueueDepth == 2 })

	if st := r.Status("s1"); st.State != LaneRunning {
		t.Fatalf("state = %s, want running", st.State)
	}

	for i := 0; i < 3; i++ {
		eng.release <- struct{}{}
	}
	for i := 0; i < 3; i++ {
		out := <-results
		if out.err != nil {
			t.Fatalf("%s: %v", out.prompt, out.err)
		}
		if out.res.Reply != "echo: "+out.prompt {
			t.Fatalf("%s: reply %q", out.prompt, out.res.Reply)
		}
	}

	if got := strings.Join(eng.seen(), ","); got != "p1,p2,p3" {
		t.Fatalf("engine order = %s", got)
	}
	history, _ := store.History(context.Background(), "s1", 0)
	var users []string
	for _, entry := range history {
		if entry.Role == models.RoleUser {
			users = append(users, entry.Content)
		}
	}
	if strings.Join(users, ",") != "p1,p2,p3" {
		t.Fatalf("transcript order = %v", users)
	}
	waitFor(t, "lane idle", func() bool { return r.Status("s1").State == LaneIdle })
}

func TestDifferentSessionsRunInParallel(t *testing.T) {
	eng := newGateEngine()
	r, store := newTestRunner(t, Config{}, eng, nil)
	createSession(t, store, "s1")
	createSession(t, store, "s2")

	errs := make(chan error, 2)
	for _, id := range []string{"s1", "s2"} {
		go func() {
			_, err := r.SubmitPrompt(context.Background(), id, "hello from "+id)
			errs <- err
		}()
	}

	// Both streams start before either is released.
	started := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case p := <-eng.started:
			started[p] = true
		case <-time.After(2 * time.Second):
			t.Fatal("sessions did not run in parallel")
		}
	}
	if !started["hello from s1"] || !started["hello from s2"] {
		t.Fatalf("unexpected started prompts: %v", started)
	}

	eng.release <- struct{}{}
	eng.release <- struct{}{}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
}

func TestQueueFull(t *testing.T) {
	eng := newGateEngine()
	r, store := newTestRunner(t, Config{MaxQueueDepth: 1}, eng, nil)
	createSession(t, store, "s1")

	done := make(chan error, 2)
	go func() {
		_, err := r.SubmitPrompt(context.Background(), "s1", "p1")
		done <- err
	}()
	<-eng.started
	go func() {
		_, err := r.SubmitPrompt(context.Background(), "s1", "p2")
		done <- err
	}()
	waitFor(t, "p2 queued", func() bool { return r.Status("s1").QueueDepth == 1 })

	if _, err := r.SubmitPrompt(context.Background(), "s1", "p3"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	eng.release <- struct{}{}
	eng.release <- struct{}{}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
}

func TestCancelledWhileQueuedNeverRuns(t *testing.T) {
	eng := newGateEngine()
	r, store := newTestRunner(t, Config{}, eng, nil)
	createSession(t, store, "s1")

	first := make(chan error, 1)
	go func() {
		_, err := r.SubmitPrompt(context.Background(), "s1", "p1")
		first <- err
	}()
	<-eng.started

	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	go func() {
		_, err := r.SubmitPrompt(ctx, "s1", "p2")
		second <- err
	}()
	waitFor(t, "p2 queued", func() bool { return r.Status("s1").QueueDepth == 1 })
	cancel()
	if err := <-second; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	eng.release <- struct{}{}
	if err := <-first; err != nil {
		t.Fatalf("p1: %v", err)
	}
	waitFor(t, "lane idle", func() bool { return r.Status("s1").State == LaneIdle })

	if got := eng.seen(); len(got) != 1 || got[0] != "p1" {
		t.Fatalf("engine saw %v", got)
	}
	history, _ := store.History(context.Background(), "s1", 0)
	if len(history) != 2 {
		t.Fatalf("expected only p1's entries, got %d", len(history))
	}
}

func TestToolRoundTripLocal(t *testing.T) {
	eng := scripted.New(scripted.Config{Rules: []scripted.Rule{{
		Match: "list",
		Reply: "files:",
		Calls: []scripted.Call{{Name: "echo", Arguments: json.RawMessage(`{"text":"a.txt"}`)}},
	}}})
	local := echoTool(t)
	r, store := newTestRunner(t, Config{}, eng, func(context.Context, *models.Session) (executor.Executor, error) {
		return local, nil
	})
	createSession(t, store, "s1")

	res, err := r.SubmitPrompt(context.Background(), "s1", "list the files")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Reply != "files:\na.txt" {
		t.Fatalf("reply = %q", res.Reply)
	}
	if res.ToolCalls != 1 {
		t.Fatalf("tool calls = %d", res.ToolCalls)
	}

	history, _ := store.History(context.Background(), "s1", 0)
	roles := make([]string, len(history))
	for i, entry := range history {
		roles[i] = string(entry.Role)
	}
	if strings.Join(roles, ",") != "user,tool,assistant" {
		t.Fatalf("roles = %v", roles)
	}
	tool := history[1]
	if tool.ToolCall == nil || tool.ToolCall.Name != "echo" || tool.ToolCall.CallID != "call-1-0" {
		t.Fatalf("unexpected tool call: %+v", tool.ToolCall)
	}
	if tool.ToolCall.SessionID != "s1" || tool.ToolCall.Workdir != "/repo" {
		t.Fatalf("invocation missing session context: %+v", tool.ToolCall)
	}
	if models.JoinOutputs(tool.ToolOutputs) != "a.txt" {
		t.Fatalf("unexpected outputs: %+v", tool.ToolOutputs)
	}
}

func TestToolRoundTripRemote(t *testing.T) {
	b := broker.New(broker.Config{}, nil)
	ch := outbox.NewChannel(4)
	go func() {
		for {
			msg, err := ch.Receive(context.Background())
			if err != nil {
				return
			}
			b.Resolve(msg.Invocation.CallID, []models.ToolOutput{models.TextOutput("ok in " + msg.Workdir)})
		}
	}()
	t.Cleanup(ch.Close)

	eng := scripted.New(scripted.Config{Rules: []scripted.Rule{{
		Match: "run",
		Reply: "ran:",
		Calls: []scripted.Call{{Name: "shell", Arguments: json.RawMessage(`{"command":"ls"}`)}},
	}}})
	r, store := newTestRunner(t, Config{}, eng, func(_ context.Context, s *models.Session) (executor.Executor, error) {
		return executor.NewRemote(executor.RemoteConfig{
			WorkerID: s.WorkerID, SessionID: s.ID, Workdir: s.Workdir, Timeout: time.Second,
		}, ch, b, nil), nil
	})
	createSession(t, store, "s1")

	res, err := r.SubmitPrompt(context.Background(), "s1", "run ls")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Reply != "ran:\nok in /repo" {
		t.Fatalf("reply = %q", res.Reply)
	}
	if b.Pending() != 0 {
		t.Fatalf("broker still has %d pending", b.Pending())
	}
}

func TestRemoteTimeoutFailsTurn(t *testing.T) {
	b := broker.New(broker.Config{}, nil)
	ch := outbox.NewChannel(4)
	eng := scripted.New(scripted.Config{Rules: []scripted.Rule{{
		Match: "run",
		Calls: []scripted.Call{{Name: "shell", Arguments: json.RawMessage(`{"command":"ls"}`)}},
	}}})
	r, store := newTestRunner(t, Config{}, eng, func(_ context.Context, s *models.Session) (executor.Executor, error) {
		return executor.NewRemote(executor.RemoteConfig{
			WorkerID: s.WorkerID, SessionID: s.ID, Timeout: 10 * time.Millisecond,
		}, ch, b, nil), nil
	})
	createSession(t, store, "s1")

	_, err := r.SubmitPrompt(context.Background(), "s1", "run ls")
	if !errors.Is(err, broker.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var turnErr *TurnError
	if !errors.As(err, &turnErr) || turnErr.Phase != PhaseExecuteTools {
		t.Fatalf("expected execute_tools TurnError, got %v", err)
	}
	assertFailed(t, store, "s1")
	if b.Pending() != 0 {
		t.Fatalf("timed out entry not removed: %d pending", b.Pending())
	}
}

func TestDuplicateCallPropagates(t *testing.T) {
	b := broker.New(broker.Config{}, nil)
	if _, err := b.Register("call-1-0"); err != nil {
		t.Fatalf("register: %v", err)
	}
	ch := outbox.NewChannel(4)
	eng := scripted.New(scripted.Config{Rules: []scripted.Rule{{
		Match: "run",
		Calls: []scripted.Call{{Name: "shell"}},
	}}})
	r, store := newTestRunner(t, Config{}, eng, func(_ context.Context, s *models.Session) (executor.Executor, error) {
		return executor.NewRemote(executor.RemoteConfig{WorkerID: "w1", SessionID: s.ID}, ch, b, nil), nil
	})
	createSession(t, store, "s1")

	_, err := r.SubmitPrompt(context.Background(), "s1", "run it")
	if !errors.Is(err, broker.ErrDuplicateCall) {
		t.Fatalf("expected ErrDuplicateCall, got %v", err)
	}
	var dup *broker.DuplicateCallError
	if !errors.As(err, &dup) || dup.CallID != "call-1-0" {
		t.Fatalf("expected DuplicateCallError for call-1-0, got %v", err)
	}
	if ch.Len() != 0 {
		t.Fatal("duplicate call must not be dispatched")
	}
	assertFailed(t, store, "s1")
}

func TestUnsupportedToolFailsTurn(t *testing.T) {
	eng := scripted.New(scripted.Config{Rules: []scripted.Rule{{
		Match: "run",
		Calls: []scripted.Call{{Name: "shell"}},
	}}})
	r, store := newTestRunner(t, Config{}, eng, nil)
	createSession(t, store, "s1")

	_, err := r.SubmitPrompt(context.Background(), "s1", "run it")
	if !errors.Is(err, executor.ErrUnsupportedTool) {
		t.Fatalf("expected ErrUnsupportedTool, got %v", err)
	}
	assertFailed(t, store, "s1")
}

func TestEngineFailureFailsTurn(t *testing.T) {
	eng := scripted.New(scripted.Config{Rules: []scripted.Rule{{
		Match: "boom", FailCode: "rate_limit_exceeded", FailMessage: "slow down",
	}}})
	r, store := newTestRunner(t, Config{}, eng, nil)
	createSession(t, store, "s1")

	_, err := r.SubmitPrompt(context.Background(), "s1", "boom")
	var failure *EngineFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected EngineFailure, got %v", err)
	}
	if failure.Code != "rate_limit_exceeded" || failure.Message != "slow down" {
		t.Fatalf("unexpected failure: %+v", failure)
	}
	session := assertFailed(t, store, "s1")
	if !strings.Contains(session.LastError, "slow down") {
		t.Fatalf("last error = %q", session.LastError)
	}

	// A failed session accepts the next prompt.
	if _, err := r.SubmitPrompt(context.Background(), "s1", "hello"); err != nil {
		t.Fatalf("submit after failure: %v", err)
	}
	session, _ = store.Get(context.Background(), "s1")
	if session.Status != models.StatusWaiting || session.LastError != "" {
		t.Fatalf("unexpected session after recovery: %+v", session)
	}
}

func TestTruncatedStreamFailsTurn(t *testing.T) {
	eng := &fixedEngine{events: []string{
		`{"type":"response.created","response":{"id":"resp-1"}}`,
		`{"type":"response.output_text.delta","item_id":"msg-1","delta":"hal"}`,
	}}
	r, store := newTestRunner(t, Config{}, eng, nil)
	createSession(t, store, "s1")

	_, err := r.SubmitPrompt(context.Background(), "s1", "hi")
	if !errors.Is(err, ErrStreamTruncated) {
		t.Fatalf("expected ErrStreamTruncated, got %v", err)
	}
	var turnErr *TurnError
	if !errors.As(err, &turnErr) || turnErr.Phase != PhaseStream {
		t.Fatalf("expected stream TurnError, got %v", err)
	}
	assertFailed(t, store, "s1")
	history, _ := store.History(context.Background(), "s1", 0)
	for _, e := range history {
		if e.Role == models.RoleAssistant {
			t.Fatalf("truncated reply was recorded: %+v", e)
		}
	}
}

func TestUpstreamErrorEventFailsTurn(t *testing.T) {
	eng := &fixedEngine{events: []string{
		`{"type":"response.created","response":{"id":"resp-1"}}`,
		`{"type":"error","error":"rate_limit_exceeded"}`,
	}}
	r, store := newTestRunner(t, Config{}, eng, nil)
	createSession(t, store, "s1")

	_, err := r.SubmitPrompt(context.Background(), "s1", "hi")
	var failure *EngineFailure
	if !errors.As(err, &failure) || failure.Code != "rate_limit_exceeded" {
		t.Fatalf("expected EngineFailure rate_limit_exceeded, got %v", err)
	}
	assertFailed(t, store, "s1")
}

func TestOutOfRangeUsageIsIgnored(t *testing.T) {
	eng := &fixedEngine{events: []string{
		`{"type":"response.created","response":{"id":"resp-1"}}`,
		`{"type":"response.output_text.delta","item_id":"msg-1","delta":"hallo"}`,
		`{"type":"response.completed","response":{"id":"resp-1","usage":{"input_tokens":1e30,"output_tokens":"1e30"}}}`,
	}}
	store := sessions.NewMemoryStore()
	r, err := New(Config{}, store, eng, func(context.Context, *models.Session) (executor.Executor, error) {
		return executor.NewLocal(nil), nil
	}, WithMetrics(observability.NewMetrics(prometheus.NewRegistry())))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	defer r.Close(context.Background()) //nolint:errcheck
	createSession(t, store, "s1")

	result, err := r.SubmitPrompt(context.Background(), "s1", "hi")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Reply != "hallo" || result.Usage != (models.TokenUsage{}) {
		t.Fatalf("unexpected result: reply=%q usage=%+v", result.Reply, result.Usage)
	}
}

func TestPromptWriteFailureFailsSession(t *testing.T) {
	store := promptRejectingStore{MemoryStore: sessions.NewMemoryStore()}
	r, err := New(Config{}, store, scripted.New(scripted.Config{}), func(context.Context, *models.Session) (executor.Executor, error) {
		return executor.NewLocal(nil), nil
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	defer r.Close(context.Background()) //nolint:errcheck
	createSession(t, store, "s1")

	_, err = r.SubmitPrompt(context.Background(), "s1", "hi")
	var turnErr *TurnError
	if !errors.As(err, &turnErr) || turnErr.Phase != PhaseInit {
		t.Fatalf("expected init TurnError, got %v", err)
	}
	session := assertFailed(t, store, "s1")
	if !strings.Contains(session.LastError, "disk full") {
		t.Fatalf("last error = %q", session.LastError)
	}
}

func TestEnqueueReportsQueueFull(t *testing.T) {
	eng := newGateEngine()
	r, store := newTestRunner(t, Config{MaxQueueDepth: 1}, eng, nil)
	createSession(t, store, "s1")
	ctx := context.Background()

	first, err := r.Enqueue(ctx, "s1", "one")
	if err != nil {
		t.Fatalf("enqueue one: %v", err)
	}
	<-eng.started
	second, err := r.Enqueue(ctx, "s1", "two")
	if err != nil {
		t.Fatalf("enqueue two: %v", err)
	}
	if second.QueueDepth != 1 {
		t.Fatalf("queue depth = %d, want 1", second.QueueDepth)
	}
	if _, err := r.Enqueue(ctx, "s1", "three"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	eng.release <- struct{}{}
	eng.release <- struct{}{}
	if _, err := first.Wait(ctx); err != nil {
		t.Fatalf("wait one: %v", err)
	}
	if _, err := second.Wait(ctx); err != nil {
		t.Fatalf("wait two: %v", err)
	}
}

func TestMaxToolRounds(t *testing.T) {
	local := echoTool(t)
	var executed atomic.Int64
	counting := executor.NewLocal(nil)
	for _, spec := range local.Tools() {
		_ = counting.Register(spec, func(ctx context.Context, inv *models.ToolInvocation) ([]models.ToolOutput, error) {
			executed.Add(1)
			return local.Execute(ctx, inv)
		})
	}
	r, store := newTestRunner(t, Config{MaxToolRounds: 2}, &loopEngine{}, func(context.Context, *models.Session) (executor.Executor, error) {
		return counting, nil
	})
	createSession(t, store, "s1")

	_, err := r.SubmitPrompt(context.Background(), "s1", "loop forever")
	if !errors.Is(err, ErrMaxToolRounds) {
		t.Fatalf("expected ErrMaxToolRounds, got %v", err)
	}
	if executed.Load() != 2 {
		t.Fatalf("executed %d tool calls, want 2", executed.Load())
	}
	assertFailed(t, store, "s1")
}

func TestExecutorResolvedOncePerSession(t *testing.T) {
	var calls atomic.Int64
	var fail atomic.Bool
	fail.Store(true)
	factory := func(context.Context, *models.Session) (executor.Executor, error) {
		calls.Add(1)
		if fail.Load() {
			return nil, errors.New("worker offline")
		}
		return executor.NewLocal(nil), nil
	}
	r, store := newTestRunner(t, Config{}, scripted.New(scripted.Config{}), factory)
	createSession(t, store, "s1")

	if _, err := r.SubmitPrompt(context.Background(), "s1", "one"); err == nil {
		t.Fatal("expected factory failure")
	}
	fail.Store(false)
	for _, prompt := range []string{"two", "three"} {
		if _, err := r.SubmitPrompt(context.Background(), "s1", prompt); err != nil {
			t.Fatalf("submit %s: %v", prompt, err)
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("factory called %d times, want 2", calls.Load())
	}
}

func TestSubscribe(t *testing.T) {
	r, store := newTestRunner(t, Config{}, scripted.New(scripted.Config{}), nil)
	createSession(t, store, "s1")
	createSession(t, store, "s2")

	mine, cancelMine := r.Subscribe("s1")
	defer cancelMine()
	other, cancelOther := r.Subscribe("s2")
	defer cancelOther()
	all, cancelAll := r.Subscribe("")

	if _, err := r.SubmitPrompt(context.Background(), "s1", "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var events []models.StreamEvent
	for len(mine) > 0 {
		events = append(events, <-mine)
	}
	if len(events) == 0 {
		t.Fatal("expected events")
	}
	var lastSeq uint64
	var sawDelta, sawAssistant bool
	for _, ev := range events {
		if ev.SessionID != "s1" {
			t.Fatalf("foreign event: %+v", ev)
		}
		if ev.Sequence <= lastSeq {
			t.Fatalf("sequence not increasing: %d after %d", ev.Sequence, lastSeq)
		}
		lastSeq = ev.Sequence
		if ev.Event != nil && ev.Event.Type == models.EventTextDelta {
			sawDelta = true
		}
		if ev.Entry != nil && ev.Entry.Role == models.RoleAssistant {
			sawAssistant = true
		}
	}
	if events[0].Entry == nil || events[0].Entry.Role != models.RoleUser {
		t.Fatalf("first event should be the user entry: %+v", events[0])
	}
	if last := events[len(events)-1]; last.Status != models.StatusWaiting {
		t.Fatalf("last event should be waiting status: %+v", last)
	}
	if !sawDelta || !sawAssistant {
		t.Fatalf("missing delta or assistant entry: delta=%v assistant=%v", sawDelta, sawAssistant)
	}
	if len(other) != 0 {
		t.Fatal("s2 subscriber received s1 events")
	}
	if len(all) != len(events) {
		t.Fatalf("wildcard subscriber got %d events, want %d", len(all), len(events))
	}

	cancelAll()
	cancelAll()
	for range all {
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	store := sessions.NewMemoryStore()
	r, err := New(Config{SubscriberBuffer: 1}, store, scripted.New(scripted.Config{}), func(context.Context, *models.Session) (executor.Executor, error) {
		return executor.NewLocal(nil), nil
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	createSession(t, store, "s1")
	ch, cancel := r.Subscribe("s1")
	defer cancel()

	if _, err := r.SubmitPrompt(context.Background(), "s1", "a longer prompt with several words"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(ch) != 1 {
		t.Fatalf("expected a full buffer of 1, got %d", len(ch))
	}
}

func TestCloseRejectsNewPrompts(t *testing.T) {
	r, store := newTestRunner(t, Config{}, scripted.New(scripted.Config{}), nil)
	createSession(t, store, "s1")
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := r.SubmitPrompt(context.Background(), "s1", "hi"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func assertFailed(t *testing.T, store sessions.Store, id string) *models.Session {
	t.Helper()
	session, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if session.Status != models.StatusError || session.LastError == "" {
		t.Fatalf("expected error status with last error, got %+v", session)
	}
	history, _ := store.History(context.Background(), id, 0)
	if len(history) == 0 || history[len(history)-1].Role != models.RoleError {
		t.Fatalf("expected trailing error entry, got %+v", history)
	}
	return session
}
