package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestLoggerRedactsAndAddsContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := AddSessionID(context.Background(), "sess-1")
	ctx = AddCallID(ctx, "call-7")
	logger.InfoContext(ctx, "worker registered",
		"shared_secret", "hunter2hunter2",
		"detail", "api_key=abcdefghijklmnopqrstuvwxyz",
		"error", errors.New("token: abcdefghijklmnopqrstu"),
	)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if rec["session_id"] != "sess-1" || rec["call_id"] != "call-7" {
		t.Fatalf("missing context fields: %v", rec)
	}
	if rec["shared_secret"] != "[REDACTED]" {
		t.Fatalf("secret key not redacted: %v", rec["shared_secret"])
	}
	if strings.Contains(buf.String(), "abcdefghijklmnop") {
		t.Fatalf("secret value leaked: %s", buf.String())
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})
	logger.Info("hidden")
	logger.With("component", "runner").Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") || !strings.Contains(out, "component=runner") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := map[string]string{"debug": "DEBUG", "WARNING": "WARN", "error": "ERROR", "bogus": "INFO", "": "INFO"}
	for in, want := range tests {
		if got := LogLevelFromString(in).String(); got != want {
			t.Errorf("LogLevelFromString(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordTurn("completed", 0.2)
	m.RecordTurn("failed", 1)
	m.RecordTurn("completed", 0.3)
	m.RecordBrokerOutcome("timeout")
	m.RecordToolExecution("shell", "remote", "success", 0.1)

	expected := `
		# HELP relay_turns_total Total number of turns by final status
		# TYPE relay_turns_total counter
		relay_turns_total{status="completed"} 2
		relay_turns_total{status="failed"} 1
	`
	if err := testutil.CollectAndCompare(m.TurnCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected turn metrics: %v", err)
	}
	if got := testutil.ToFloat64(m.BrokerOutcomes.WithLabelValues("timeout")); got != 1 {
		t.Errorf("timeout outcomes = %v", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("shell", "remote", "success")); got != 1 {
		t.Errorf("tool executions = %v", got)
	}
}

func TestRecordTokensIgnoresNegativeCounts(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordTokens(-5, 3)
	m.RecordTokens(2, -1)
	if got := testutil.ToFloat64(m.TokensUsed.WithLabelValues("input")); got != 2 {
		t.Fatalf("input tokens = %v", got)
	}
	if got := testutil.ToFloat64(m.TokensUsed.WithLabelValues("output")); got != 3 {
		t.Fatalf("output tokens = %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordTurn("completed", 1)
	m.QueueChanged(1)
	m.RecordToolExecution("x", "local", "success", 1)
	m.RecordBrokerOutcome("late")
	m.RecordWireEvent("x", false)
	m.RecordTokens(1, 2)
	m.StreamEventDropped()
	m.WorkerConnected(1)
	m.RecordHTTPRequest("GET", "/", "200", 1)
}

func TestTracerSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := NewTracerFromProvider(provider, "test")

	ctx, turn := tracer.TraceTurn(context.Background(), "s1", "t1")
	_, tool := tracer.TraceToolExecution(ctx, "shell", "c1")
	RecordError(tool, errors.New("boom"))
	tool.End()
	turn.End()

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "relay.tool.shell" || spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Fatalf("unexpected span tree: %s -> %s", spans[0].Name(), spans[1].Name())
	}
}

func TestNoopTracer(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	_, span := tracer.TraceTurn(context.Background(), "s", "t")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	var nilTracer *Tracer
	_, span = nilTracer.Start(context.Background(), "x")
	span.End()
}
