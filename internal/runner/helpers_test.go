package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/internal/engine/scripted"
	"github.com/haasonsaas/relay/internal/executor"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

func newTestRunner(t *testing.T, config Config, eng engine.Engine, factory ExecutorFactory) (*Runner, *sessions.MemoryStore) {
	t.Helper()
	store := sessions.NewMemoryStore()
	if factory == nil {
		factory = func(context.Context, *models.Session) (executor.Executor, error) {
			return executor.NewLocal(nil), nil
		}
	}
	r, err := New(config, store, eng, factory)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r, store
}

func createSession(t *testing.T, store sessions.Store, id string) {
	t.Helper()
	if err := store.Create(context.Background(), &models.Session{ID: id, WorkerID: "w1", Workdir: "/repo"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func lastUserPrompt(transcript []*models.TranscriptEntry) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == models.RoleUser {
			return transcript[i].Content
		}
	}
	return ""
}

// gateEngine holds every stream until the test releases it.
type gateEngine struct {
	inner   *scripted.Engine
	started chan string
	release chan struct{}

	mu      sync.Mutex
	prompts []string
}

func newGateEngine() *gateEngine {
	return &gateEngine{
		inner:   scripted.New(scripted.Config{}),
		started: make(chan string, 16),
		release: make(chan struct{}, 16),
	}
}

func (g *gateEngine) Name() string { return "gate" }

func (g *gateEngine) Stream(ctx context.Context, req *engine.Request) (engine.Stream, error) {
	prompt := lastUserPrompt(req.Transcript)
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	g.started <- prompt

	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.inner.Stream(ctx, req)
}

func (g *gateEngine) seen() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

// loopEngine requests a tool call on every response.
type loopEngine struct {
	n atomic.Int64
}

func (e *loopEngine) Name() string { return "loop" }

func (e *loopEngine) Stream(ctx context.Context, req *engine.Request) (engine.Stream, error) {
	n := e.n.Add(1)
	item, _ := json.Marshal(map[string]any{
		"type": "function_call", "id": fmt.Sprintf("fc-%d", n),
		"call_id": fmt.Sprintf("call-%d", n), "name": "echo",
	})
	events := []string{
		fmt.Sprintf(`{"type":"response.created","response":{"id":"loop-%d"}}`, n),
		fmt.Sprintf(`{"type":"response.output_item.added","output_index":0,"item":%s}`, item),
		fmt.Sprintf(`{"type":"response.function_call_arguments.done","item_id":"fc-%d","output_index":0,"arguments":"{\"text\":\"again\"}"}`, n),
		fmt.Sprintf(`{"type":"response.completed","response":{"id":"loop-%d","usage":{"input_tokens":1,"output_tokens":1,"total_tokens":2}}}`, n),
	}
	return &sliceStream{events: events}, nil
}

type sliceStream struct {
	events []string
	pos    int
}

func (s *sliceStream) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return []byte(ev), nil
}

func (s *sliceStream) Close() error { return nil }

func echoTool(t *testing.T) *executor.Local {
	t.Helper()
	local := executor.NewLocal(nil)
	spec := models.ToolSpec{
		Name:        "echo",
		Description: "Echo the text argument.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}
	err := local.Register(spec, func(_ context.Context, inv *models.ToolInvocation) ([]models.ToolOutput, error) {
		var args struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(inv.Arguments, &args); err != nil {
			return nil, err
		}
		return []models.ToolOutput{models.TextOutput(args.Text)}, nil
	})
	if err != nil {
		t.Fatalf("register echo: %v", err)
	}
	return local
}

// fixedEngine replays the same events for every request.
type fixedEngine struct {
	events []string
}

func (e *fixedEngine) Name() string { return "fixed" }

func (e *fixedEngine) Stream(context.Context, *engine.Request) (engine.Stream, error) {
	return &sliceStream{events: e.events}, nil
}

// promptRejectingStore fails every append that records a user prompt.
type promptRejectingStore struct {
	*sessions.MemoryStore
}

func (s promptRejectingStore) AppendMessages(ctx context.Context, sessionID string, entries ...*models.TranscriptEntry) error {
	for _, e := range entries {
		if e.Role == models.RoleUser {
			return fmt.Errorf("disk full")
		}
	}
	return s.MemoryStore.AppendMessages(ctx, sessionID, entries...)
}
