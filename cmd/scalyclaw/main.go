// Package main provides the scalyclaw CLI.
//
// A deployment runs one node, which owns the channel adapters and the
// orchestrator, and any number of workers, which execute commands, code,
// skills and sub-agents pulled from the shared job queue.
//
// # Basic Usage
//
// Start a node with an in-process worker:
//
//	scalyclaw node --config scalyclaw.yaml
//
// Start a worker against a shared Postgres backend:
//
//	scalyclaw worker --config scalyclaw.yaml
//
// Inspect and stop running processes:
//
//	scalyclaw status
//	scalyclaw stop --all
//
// # Environment Variables
//
//   - SCALYCLAW_CONFIG: path to the configuration file (default: scalyclaw.yaml)
//
// Any ${VAR} reference inside the configuration file is expanded from the
// environment, which is the usual way to supply API keys and tokens.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "scalyclaw.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scalyclaw",
		Short: "ScalyClaw - conversational agent with distributed tool execution",
		Long: `ScalyClaw runs a tool-calling assistant behind chat channels.

The node receives messages, runs the orchestrator loop and dispatches
shell, code, skill and sub-agent jobs to workers through a shared queue.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildNodeCmd(),
		buildWorkerCmd(),
		buildStatusCmd(),
		buildStopCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
