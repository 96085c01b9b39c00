package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/internal/httpapi"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "worker", "prompt", "sessions", "config", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestPromptCreatesSessionAndPrintsReply(t *testing.T) {
	var gotPrompt httpapi.PromptRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req httpapi.CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID != "laptop" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "s-1", "worker_id": req.WorkerID, "status": "idle"}) //nolint:errcheck
	})
	mux.HandleFunc("POST /v1/sessions/{id}/prompts", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "s-1" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotPrompt) //nolint:errcheck
		_ = json.NewEncoder(w).Encode(map[string]any{"turn_id": "t-1", "session_id": "s-1", "reply": "done"}) //nolint:errcheck
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	stdout, stderr, err := execute(t, "prompt", "--server", srv.URL, "--worker", "laptop", "list", "files")
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if strings.TrimSpace(stdout) != "done" {
		t.Fatalf("stdout = %q", stdout)
	}
	if !strings.Contains(stderr, "session: s-1") {
		t.Fatalf("stderr = %q", stderr)
	}
	if gotPrompt.Prompt != "list files" {
		t.Fatalf("prompt = %q", gotPrompt.Prompt)
	}
}

func TestPromptReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"code":"turn_failed","message":"unknown worker","turn_id":"t-9","phase":"init"}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, _, err := execute(t, "prompt", "--server", srv.URL, "--session", "s-1", "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*apiError)
	if !ok {
		t.Fatalf("error type = %T (%v)", err, err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Code != "turn_failed" || apiErr.Phase != "init" {
		t.Fatalf("error = %+v", apiErr)
	}
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("server:\n  http_port: 9090\nrunner:\n  executor_mode: local\nengine:\n  provider: scripted\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	stdout, _, err := execute(t, "config", "validate", "--config", good)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(stdout, "ok") {
		t.Fatalf("stdout = %q", stdout)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("runner:\n  executor_mode: sideways\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := execute(t, "config", "validate", "--config", bad); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestConfigSchemaIsJSON(t *testing.T) {
	stdout, _, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(stdout), &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
}

func TestWorkerRequiresID(t *testing.T) {
	dir := t.TempDir()
	err := runWorker(t.Context(), workerFlags{
		configPath: filepath.Join(dir, "missing.yaml"),
		hub:        "127.0.0.1:1",
	})
	if err == nil {
		t.Fatal("expected error for missing config file")
	}

	flags := workerFlags{configPath: defaultConfigPath, hub: "127.0.0.1:1", root: dir}
	t.Chdir(dir)
	if err := runWorker(t.Context(), flags); err == nil || !strings.Contains(err.Error(), "worker id") {
		t.Fatalf("err = %v", err)
	}
}
