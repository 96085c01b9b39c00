package main

import (
	"os"

	"github.com/spf13/cobra"
)

const (
	defaultConfigPath = "relay.yaml"
	defaultServerURL  = "http://localhost:8080"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// =============================================================================
// Server Commands
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the relay server.

The server opens session storage, connects the model engine, accepts worker
streams on the gRPC port and serves the HTTP API and metrics on the HTTP
port. SIGINT and SIGTERM drain running turns before exiting.`,
		Example: `  relay serve
  relay serve --config /etc/relay/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", envOr("RELAY_CONFIG", defaultConfigPath), "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

type workerFlags struct {
	configPath string
	hub        string
	id         string
	name       string
	root       string
	secret     string
	debug      bool
}

func buildWorkerCmd() *cobra.Command {
	var flags workerFlags
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Connect a tool worker to a relay server",
		Long: `Connect to the relay hub and run dispatched tool calls.

The worker offers the shell and apply_patch tools, confined to --root. It
reconnects with exponential backoff when the hub goes away.`,
		Example: `  relay worker --hub relay.internal:50051 --id build-box --root /srv/checkouts`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", envOr("RELAY_CONFIG", defaultConfigPath), "Path to YAML configuration file")
	cmd.Flags().StringVar(&flags.hub, "hub", "", "Hub gRPC address (overrides worker.hub_address)")
	cmd.Flags().StringVar(&flags.id, "id", "", "Worker id (overrides worker.id)")
	cmd.Flags().StringVar(&flags.name, "name", "", "Display name (overrides worker.name)")
	cmd.Flags().StringVar(&flags.root, "root", "", "Directory the tools are confined to (overrides worker.root)")
	cmd.Flags().StringVar(&flags.secret, "secret", "", "Shared secret (overrides worker.shared_secret)")
	cmd.Flags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Client Commands
// =============================================================================

type promptFlags struct {
	server   string
	session  string
	workerID string
	workdir  string
	async    bool
	jsonOut  bool
}

func buildPromptCmd() *cobra.Command {
	var flags promptFlags
	cmd := &cobra.Command{
		Use:   "prompt [text...]",
		Short: "Send a prompt to a session and print the reply",
		Long: `Send a prompt to a session and print the reply.

Without --session a new session is created for --worker first and its id is
printed to stderr.`,
		Example: `  relay prompt --session 6f1c... "run the tests"
  relay prompt --worker build-box --workdir repo "what changed?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrompt(cmd, flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.server, "server", envOr("RELAY_SERVER", defaultServerURL), "Relay HTTP base URL")
	cmd.Flags().StringVarP(&flags.session, "session", "s", "", "Session id")
	cmd.Flags().StringVar(&flags.workerID, "worker", "", "Worker for a new session")
	cmd.Flags().StringVar(&flags.workdir, "workdir", "", "Working directory for a new session")
	cmd.Flags().BoolVar(&flags.async, "async", false, "Queue the prompt and return immediately")
	cmd.Flags().BoolVar(&flags.jsonOut, "json", false, "Print the full turn result as JSON")
	return cmd
}

func buildSessionsCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect sessions",
	}
	cmd.PersistentFlags().StringVar(&server, "server", envOr("RELAY_SERVER", defaultServerURL), "Relay HTTP base URL")

	var (
		workerID string
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, server, workerID, limit)
		},
	}
	list.Flags().StringVar(&workerID, "worker", "", "Only sessions of this worker")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum sessions to list")

	var historyLimit int
	transcript := &cobra.Command{
		Use:   "transcript <session-id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsTranscript(cmd, server, args[0], historyLimit)
		},
	}
	transcript.Flags().IntVar(&historyLimit, "limit", 0, "Only the newest N entries")

	cmd.AddCommand(list, transcript)
	return cmd
}

// =============================================================================
// Configuration Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}

	var configPath string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	validate.Flags().StringVarP(&configPath, "config", "c", envOr("RELAY_CONFIG", defaultConfigPath), "Path to YAML configuration file")

	cmd.AddCommand(schema, validate)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			runVersion(cmd)
		},
	}
}
