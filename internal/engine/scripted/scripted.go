// Package scripted is a deterministic engine that answers prompts from a
// fixed rule table. It speaks the same wire events as a real provider and
// is used for local development and tests.
package scripted

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/pkg/models"
)

// Call is a tool call a rule asks for.
type Call struct {
	Name      string          `yaml:"name" json:"name"`
	Arguments json.RawMessage `yaml:"arguments" json:"arguments"`
}

// UnmarshalYAML accepts arguments either as a mapping or as a JSON string.
func (c *Call) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Name      string    `yaml:"name"`
		Arguments yaml.Node `yaml:"arguments"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.Name = raw.Name
	c.Arguments = nil
	switch raw.Arguments.Kind {
	case 0:
	case yaml.ScalarNode:
		c.Arguments = json.RawMessage(raw.Arguments.Value)
	default:
		var v any
		if err := raw.Arguments.Decode(&v); err != nil {
			return err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("arguments of %s: %w", raw.Name, err)
		}
		c.Arguments = b
	}
	return nil
}

// Rule answers prompts containing Match (case-insensitive).
type Rule struct {
	Match string `yaml:"match" json:"match"`
	Reply string `yaml:"reply" json:"reply"`

	// Calls are requested before replying. Once their outputs are in the
	// transcript the rule replies with Reply followed by the outputs.
	Calls []Call `yaml:"calls" json:"calls"`

	// FailCode, when set, makes the response end with an error event.
	FailCode    string `yaml:"fail_code" json:"fail_code"`
	FailMessage string `yaml:"fail_message" json:"fail_message"`
}

// Config configures the engine.
type Config struct {
	Rules []Rule

	// DefaultReply answers prompts no rule matches. "%s" is replaced by the
	// prompt.
	DefaultReply string

	// Delay is slept between events.
	Delay time.Duration
}

// Engine implements engine.Engine.
type Engine struct {
	config Config
	seq    atomic.Uint64
}

// New creates a scripted engine.
func New(config Config) *Engine {
	if config.DefaultReply == "" {
		config.DefaultReply = "echo: %s"
	}
	return &Engine{config: config}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return "scripted" }

// Stream implements engine.Engine.
func (e *Engine) Stream(ctx context.Context, req *engine.Request) (engine.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prompt, toolEntries := lastPrompt(req.Transcript)
	n := e.seq.Add(1)
	respID := fmt.Sprintf("resp-%d", n)

	b := &builder{respID: respID}
	b.add(map[string]any{"type": "response.created", "response": map[string]any{"id": respID}})

	rule := e.match(prompt)
	switch {
	case rule != nil && len(rule.Calls) > 0 && len(toolEntries) == 0:
		for i, call := range rule.Calls {
			b.functionCall(i, fmt.Sprintf("call-%d-%d", n, i), call)
		}
	case rule != nil && rule.FailCode != "":
		b.add(map[string]any{"type": "error", "code": rule.FailCode, "message": rule.FailMessage})
		return &stream{events: b.events, delay: e.config.Delay}, nil
	default:
		text := e.reply(rule, prompt, toolEntries)
		b.text(text)
	}
	b.completed(len(strings.Fields(prompt)))
	return &stream{events: b.events, delay: e.config.Delay}, nil
}

func (e *Engine) match(prompt string) *Rule {
	lower := strings.ToLower(prompt)
	for i := range e.config.Rules {
		if m := strings.ToLower(e.config.Rules[i].Match); m != "" && strings.Contains(lower, m) {
			return &e.config.Rules[i]
		}
	}
	return nil
}

func (e *Engine) reply(rule *Rule, prompt string, toolEntries []*models.TranscriptEntry) string {
	if rule == nil {
		return strings.ReplaceAll(e.config.DefaultReply, "%s", prompt)
	}
	if len(toolEntries) == 0 {
		return rule.Reply
	}
	parts := []string{rule.Reply}
	for _, entry := range toolEntries {
		parts = append(parts, models.JoinOutputs(entry.ToolOutputs))
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// lastPrompt returns the newest user prompt and the tool entries after it.
func lastPrompt(transcript []*models.TranscriptEntry) (string, []*models.TranscriptEntry) {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == models.RoleUser {
			var tools []*models.TranscriptEntry
			for _, entry := range transcript[i+1:] {
				if entry.Role == models.RoleTool {
					tools = append(tools, entry)
				}
			}
			return transcript[i].Content, tools
		}
	}
	return "", nil
}

type builder struct {
	respID string
	index  int
	events [][]byte
}

func (b *builder) add(v map[string]any) {
	raw, _ := json.Marshal(v)
	b.events = append(b.events, raw)
}

func (b *builder) text(text string) {
	itemID := fmt.Sprintf("msg-%s-%d", b.respID, b.index)
	b.add(map[string]any{
		"type":         "response.output_item.added",
		"output_index": b.index,
		"item":         map[string]any{"type": "message", "id": itemID, "role": "assistant"},
	})
	for _, chunk := range chunks(text) {
		b.add(map[string]any{
			"type":          "response.output_text.delta",
			"item_id":       itemID,
			"output_index":  b.index,
			"content_index": 0,
			"delta":         chunk,
		})
	}
	b.index++
}

func (b *builder) functionCall(i int, callID string, call Call) {
	itemID := fmt.Sprintf("fc-%s-%d", b.respID, i)
	args := string(call.Arguments)
	if args == "" {
		args = "{}"
	}
	b.add(map[string]any{
		"type":         "response.output_item.added",
		"output_index": b.index,
		"item": map[string]any{
			"type": "function_call", "id": itemID, "call_id": callID,
			"name": call.Name, "arguments": "",
		},
	})
	b.add(map[string]any{
		"type": "response.function_call_arguments.delta", "item_id": itemID,
		"output_index": b.index, "delta": args,
	})
	b.add(map[string]any{
		"type": "response.function_call_arguments.done", "item_id": itemID,
		"output_index": b.index, "arguments": args,
	})
	b.index++
}

func (b *builder) completed(inputTokens int) {
	b.add(map[string]any{
		"type": "response.completed",
		"response": map[string]any{
			"id": b.respID,
			"usage": map[string]any{
				"input_tokens":  inputTokens,
				"output_tokens": b.index,
				"total_tokens":  inputTokens + b.index,
			},
		},
	})
}

// chunks splits text into word-sized deltas.
func chunks(text string) []string {
	if text == "" {
		return nil
	}
	words := strings.SplitAfter(text, " ")
	out := words[:0]
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

type stream struct {
	mu     sync.Mutex
	events [][]byte
	pos    int
	closed bool
	delay  time.Duration
}

func (s *stream) Next(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, engine.ErrStreamClosed
	}
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
