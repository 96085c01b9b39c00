package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/gateway"
	"github.com/haasonsaas/relay/internal/httpapi"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/runner"
	"github.com/haasonsaas/relay/internal/transport"
	"github.com/haasonsaas/relay/internal/worker"
	"github.com/haasonsaas/relay/pkg/models"
)

// loadConfig loads path, falling back to defaults when the default path
// does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == defaultConfigPath && errors.Is(err, os.ErrNotExist) {
		slog.Warn("config file not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return nil, err
}

func newLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := cfg.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    cfg.Format,
		Output:    os.Stderr,
		AddSource: cfg.AddSource,
	})
}

// =============================================================================
// Server Handlers
// =============================================================================

// runServe handles the serve command execution.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", gateway.Version,
		"commit", commit,
		"config", configPath,
		"engine", cfg.Engine.Provider,
		"executor_mode", cfg.Runner.ExecutorMode,
	)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := gateway.NewServer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	logger.Info("relay stopped gracefully")
	return nil
}

// runWorker handles the worker command execution.
func runWorker(ctx context.Context, flags workerFlags) error {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	applyWorkerFlags(&cfg.Worker, flags)
	if cfg.Worker.ID == "" {
		return fmt.Errorf("worker id is required (--id or worker.id)")
	}
	if cfg.Worker.HubAddress == "" {
		return fmt.Errorf("hub address is required (--hub or worker.hub_address)")
	}

	logger := newLogger(cfg.Logging, flags.debug).With("worker_id", cfg.Worker.ID)
	slog.SetDefault(logger)

	exec, err := worker.NewExecutor(worker.Config{
		Root:           cfg.Worker.Root,
		ShellTimeout:   cfg.Worker.ShellTimeout,
		MaxOutputBytes: cfg.Worker.MaxOutputBytes,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build tools: %w", err)
	}

	client := transport.NewClient(transport.ClientConfig{
		Address:           cfg.Worker.HubAddress,
		WorkerID:          cfg.Worker.ID,
		Name:              cfg.Worker.Name,
		Secret:            cfg.Worker.SharedSecret,
		Version:           gateway.Version,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		Reconnect:         cfg.Worker.Reconnect,
	}, exec.Tools(), worker.DispatchHandler(exec, logger), logger)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting worker", "hub", cfg.Worker.HubAddress, "root", cfg.Worker.Root)
	if err := client.Run(ctx); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	logger.Info("worker stopped")
	return nil
}

func applyWorkerFlags(cfg *config.WorkerConfig, flags workerFlags) {
	if flags.hub != "" {
		cfg.HubAddress = flags.hub
	}
	if flags.id != "" {
		cfg.ID = flags.id
	}
	if flags.name != "" {
		cfg.Name = flags.name
	}
	if flags.root != "" {
		cfg.Root = flags.root
	}
	if flags.secret != "" {
		cfg.SharedSecret = flags.secret
	}
}

// =============================================================================
// Client Handlers
// =============================================================================

func runPrompt(cmd *cobra.Command, flags promptFlags, args []string) error {
	client, err := newAPIClient(flags.server)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	sessionID := flags.session
	if sessionID == "" {
		var created models.Session
		err := client.postJSON(ctx, "/v1/sessions", httpapi.CreateSessionRequest{
			WorkerID: flags.workerID,
			Workdir:  flags.workdir,
		}, &created)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		sessionID = created.ID
		fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", sessionID)
	}

	req := httpapi.PromptRequest{Prompt: strings.Join(args, " "), Async: flags.async}
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/prompts"

	if flags.async {
		var accepted httpapi.PromptAccepted
		if err := client.postJSON(ctx, path, req, &accepted); err != nil {
			return err
		}
		if flags.jsonOut {
			return writeIndented(out, accepted)
		}
		fmt.Fprintf(out, "queued for %s (queue depth %d)\n", accepted.SessionID, accepted.QueueDepth)
		return nil
	}

	var result runner.TurnResult
	if err := client.postJSON(ctx, path, req, &result); err != nil {
		return err
	}
	if flags.jsonOut {
		return writeIndented(out, result)
	}
	fmt.Fprintln(out, result.Reply)
	return nil
}

func runSessionsList(cmd *cobra.Command, server, workerID string, limit int) error {
	client, err := newAPIClient(server)
	if err != nil {
		return err
	}
	query := url.Values{}
	if workerID != "" {
		query.Set("worker_id", workerID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Sessions []models.Session `json:"sessions"`
	}
	if err := client.getJSON(cmd.Context(), "/v1/sessions", query, &resp); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWORKER\tSTATUS\tUPDATED\tTITLE")
	for _, s := range resp.Sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.WorkerID, s.Status, s.UpdatedAt.Format(time.RFC3339), s.Title)
	}
	return tw.Flush()
}

func runSessionsTranscript(cmd *cobra.Command, server, sessionID string, limit int) error {
	client, err := newAPIClient(server)
	if err != nil {
		return err
	}
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Entries []models.TranscriptEntry `json:"entries"`
	}
	if err := client.getJSON(cmd.Context(), "/v1/sessions/"+url.PathEscape(sessionID)+"/transcript", query, &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, e := range resp.Entries {
		switch {
		case e.ToolCall != nil:
			fmt.Fprintf(out, "[%s] %s(%s)\n", e.Role, e.ToolCall.Name, string(e.ToolCall.Arguments))
		default:
			fmt.Fprintf(out, "[%s] %s\n", e.Role, e.Content)
		}
		for _, o := range e.ToolOutputs {
			if o.Text != "" {
				fmt.Fprintf(out, "  %s\n", o.Text)
			}
		}
	}
	return nil
}

// =============================================================================
// Configuration Handlers
// =============================================================================

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
	return err
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	if _, err := config.Load(configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", configPath)
	return nil
}

func runVersion(cmd *cobra.Command) {
	fmt.Fprintf(cmd.OutOrStdout(), "relay %s\n", gateway.Version)
	fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
	fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", date)
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
