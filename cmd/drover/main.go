// Package main provides the CLI entry point for the drover pipeline runner.
//
// Drover executes DOT-described coding pipelines against LLM providers
// (Anthropic, OpenAI, Gemini, Bedrock) and hosts interactive agent sessions
// with workspace tool execution.
//
// # Basic Usage
//
// Execute a pipeline:
//
//	drover run build.dot
//
// Lint a pipeline without running it:
//
//	drover validate build.dot
//
// Start an interactive agent session:
//
//	drover session
//
// # Environment Variables
//
// A .env file in the working directory is loaded before the configuration
// file, so credentials can be kept out of the config:
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - GEMINI_API_KEY: Google Gemini API key
//   - AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY: Bedrock credentials
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/drover/internal/config"
	"github.com/haasonsaas/drover/internal/observability"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// defaultConfigFile is looked for in the working directory when --config is
// not given. A missing default file falls back to built-in defaults; a
// missing explicit file is an error.
const defaultConfigFile = "drover.yaml"

var (
	configPath string
	debug      bool
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not load .env file, continuing with existing environment", "error", err)
	}

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "drover",
		Short: "Drover - DOT-graph pipeline runner and coding agent",
		Long: `Drover executes coding pipelines described as DOT digraphs, dispatching
stages to LLM providers and workspace tools, and hosts interactive agent
sessions with steering and follow-up queues.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT), Gemini, Bedrock
Stage types: codergen, tool, wait.human, parallel, fan-in, conditional

Documentation: https://github.com/haasonsaas/drover`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigFile,
		"Path to YAML or JSON5 configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"Enable debug logging (verbose output)")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildValidateCmd(),
		buildSessionCmd(),
		buildTranscriptCmd(),
		buildRunsCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}

// loadConfig resolves the configuration for one command invocation. The
// default file may be absent; an explicitly named one must exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && path == defaultConfigFile {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config.Load(path)
}

// loadRuntime loads the config and installs the configured logger as the
// process default. Every RunE handler goes through here first.
func loadRuntime(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
