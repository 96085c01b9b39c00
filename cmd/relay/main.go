// Package main provides the relay CLI.
//
// # Basic Usage
//
// Start the server:
//
//	relay serve --config relay.yaml
//
// Connect a tool worker:
//
//	relay worker --hub localhost:50051 --id laptop --root ~/src
//
// Send a prompt:
//
//	relay prompt --session <id> "list the files"
//
// # Environment Variables
//
//   - RELAY_CONFIG: Path to configuration file (default: relay.yaml)
//   - RELAY_SERVER: Base URL used by client commands (default: http://localhost:8080)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/gateway"
)

// Build information, populated by ldflags.
//
//	go build -ldflags "-X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	commit = "none"
	date   = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - multi-session turn coordination for tool-using models",
		Long: `Relay runs model turns for many sessions at once, one turn at a time per
session, and routes the tools a model calls to local handlers or to remote
workers connected over gRPC.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", gateway.Version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildWorkerCmd(),
		buildPromptCmd(),
		buildSessionsCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
