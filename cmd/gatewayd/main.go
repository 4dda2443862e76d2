// Package main provides the CLI entry point for the agent gateway.
//
// The gateway bridges HTTP clients and heterogeneous LLM backends, driving
// a tool-calling loop with multi-agent orchestration and human-in-the-loop
// interrupts over a streaming SSE transport.
//
// # Basic usage
//
//	gatewayd serve --config gateway.yaml
//	gatewayd version
//
// # Environment variables
//
//   - GATEWAY_CONFIG: path to the configuration file (default: gateway.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY: backend credentials, named by each
//     backend's configured api_key_env
//   - GATEWAY_LOG_FORMAT: "json" (default) or "text"
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentgateway/gateway/internal/agents"
	"github.com/agentgateway/gateway/internal/backend"
	"github.com/agentgateway/gateway/internal/config"
	"github.com/agentgateway/gateway/internal/contextpacks"
	"github.com/agentgateway/gateway/internal/gateway"
	"github.com/agentgateway/gateway/internal/interrupts"
	"github.com/agentgateway/gateway/internal/mcpclient"
	"github.com/agentgateway/gateway/internal/registry"
	"github.com/agentgateway/gateway/internal/toolloop"
)

// Build information, populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	configPath string
)

// Exit codes, per the CLI contract: 0 success, 1 generic failure, 2 missing
// inputs (e.g. unreadable config), 3 invalid configuration, 130 cancelled.
const (
	exitOK            = 0
	exitFailure       = 1
	exitMissingInput  = 2
	exitInvalidConfig = 3
	exitInterrupted   = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	rootCmd := buildRootCmd()
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		return exitFailure
	}
	return exitOK
}

// exitCodeError lets a subcommand report a specific process exit code
// without cobra printing its own usage/error banner twice.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "gatewayd",
		Short:         "Agent gateway: HTTP bridge between clients and LLM backends",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", envOr("GATEWAY_CONFIG", "gateway.yaml"), "path to the gateway configuration file")

	rootCmd.AddCommand(buildServeCmd())
	rootCmd.AddCommand(buildVersionCmd())
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "gatewayd %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
}

func serve(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &exitCodeError{code: exitMissingInput, err: fmt.Errorf("config file not found: %w", err)}
		}
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			return &exitCodeError{code: exitInvalidConfig, err: err}
		}
		return &exitCodeError{code: exitFailure, err: err}
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	backends, err := buildBackendRegistry(cfg)
	if err != nil {
		return &exitCodeError{code: exitInvalidConfig, err: err}
	}

	agentStore := agents.NewStore(cfg.Registry.PersistPath)
	agentRegistry := agents.New(cfg.Registry.HeartbeatTimeout, agentStore)
	interruptStore := interrupts.NewStore(cfg.Interrupts.StorageDir)
	contextPackStore := contextpacks.NewStore(contextPackDir(cfg))
	workerLimits := toolloop.NewWorkerLimits()

	var mcpClient *mcpclient.Client
	if cfg.MCP.BaseURL != "" {
		mcpClient = mcpclient.NewClient(cfg.MCP.BaseURL)
		if err := mcpClient.Connect(ctx); err != nil {
			logger.Warn("mcp server unreachable at startup, will retry lazily", "error", err)
		}
	}

	srv := gateway.New(gateway.Deps{
		Config:       cfg,
		Logger:       logger,
		Backends:     backends,
		Agents:       agentRegistry,
		Interrupts:   interruptStore,
		ContextPacks: contextPackStore,
		MCP:          mcpClient,
		WorkerLimits: workerLimits,
	})

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(runCtx); err != nil {
		return &exitCodeError{code: exitFailure, err: err}
	}

	if runCtx.Err() != nil {
		return &exitCodeError{code: exitInterrupted, err: errors.New("interrupted")}
	}
	return nil
}

// contextPackDir places the context pack directory alongside the
// interrupt store's state directory, matching the on-disk layout
// documented for worker run resumption (<state>/contextpacks/<run_id>.json).
func contextPackDir(cfg *config.Config) string {
	if cfg.Interrupts.StorageDir == "" {
		return ""
	}
	return filepath.Join(cfg.Interrupts.StorageDir, "contextpacks")
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	format := cfg.Logging.Format
	if envFormat := os.Getenv("GATEWAY_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// buildBackendRegistry constructs every configured backend variant and
// registers it on the fallback chain in the order given by
// llm.fallback_chain, falling back to map iteration order for any backend
// the chain omits.
func buildBackendRegistry(cfg *config.Config) (*registry.Registry, error) {
	reg := registry.New()

	order := cfg.LLM.FallbackChain
	if len(order) == 0 {
		for name := range cfg.LLM.Backends {
			order = append(order, name)
		}
	}

	for priority, name := range order {
		bc, ok := cfg.LLM.Backends[name]
		if !ok {
			continue
		}
		be, err := buildBackend(cfg, name, bc)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", name, err)
		}
		reg.Register(be, priority)
	}

	if len(reg.ListBackends()) == 0 {
		return nil, errors.New("no backends configured")
	}
	return reg, nil
}

func buildBackend(cfg *config.Config, name string, bc config.BackendConfig) (backend.Backend, error) {
	apiKey := cfg.ResolveAPIKey(name)

	switch name {
	case "anthropic":
		return backend.NewAnthropicBackend(apiKey, bc.DefaultModel, bc.MaxTokens), nil
	case "openai":
		return backend.NewOpenAIBackend(apiKey, bc.DefaultModel), nil
	default:
		if bc.BaseURL == "" {
			return nil, fmt.Errorf("unknown backend variant %q and no base_url configured for a local/OpenAI-compatible fallback", name)
		}
		return backend.NewLocalBackend(bc.BaseURL, apiKey, bc.DefaultModel), nil
	}
}
