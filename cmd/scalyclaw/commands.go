package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/scalyclaw/scalyclaw-sub000/internal/config"
)

// buildNodeCmd creates the "node" command that runs the orchestrating node.
func buildNodeCmd() *cobra.Command {
	var (
		configPath  string
		debug       bool
		embedWorker bool
	)
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run the orchestrating node",
		Long: `Run the node: channel adapters, the orchestrator loop, job dispatch,
progress delivery, and the HTTP gateway (health, metrics, shutdown, /ws).

With the memory backend the node also runs a worker in-process so that
jobs have somewhere to go. Graceful shutdown runs on SIGINT/SIGTERM or an
authenticated POST /shutdown.`,
		Example: `  # Start with the default config
  scalyclaw node

  # Start with a custom config and debug logging
  scalyclaw node --config /etc/scalyclaw/node.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), configPath, debug, embedWorker)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (default: $SCALYCLAW_CONFIG or scalyclaw.yaml)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&embedWorker, "embedded-worker", true, "Run a worker in-process when the backend is not shared")
	return cmd
}

// buildWorkerCmd creates the "worker" command.
func buildWorkerCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a job worker",
		Long: `Run a worker that consumes the configured queues, executes jobs in
per-job sandboxes and serves produced files to the node over /files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildStatusCmd creates the "status" command.
func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List registered processes and probe their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), configPath, asJSON)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

// buildStopCmd creates the "stop" command.
func buildStopCmd() *cobra.Command {
	var (
		configPath string
		opts       stopOptions
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop running processes",
		Long: `Send an authenticated shutdown request and wait until the process no
longer answers its health endpoint. Without --id, --url or --all only
nodes are stopped.`,
		Example: `  scalyclaw stop
  scalyclaw stop --id worker-1a2b3c4d
  scalyclaw stop --url http://10.0.0.5:8421 --token "$WORKER_TOKEN"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd.Context(), cmd.OutOrStdout(), configPath, opts)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&opts.ID, "id", "", "Registered process id to stop")
	cmd.Flags().StringVar(&opts.URL, "url", "", "Base URL of a process to stop, bypassing the registry")
	cmd.Flags().StringVar(&opts.Token, "token", "", "Auth token (default: the registered or configured token)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "Stop every registered process")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "How long to wait for each process to stop")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return err
		},
	})

	var configPath string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok: %d models (%d enabled), queue backend %s\n",
				len(cfg.Models), len(cfg.EnabledModels()), cfg.Queue.Backend)
			return err
		},
	}
	validate.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.AddCommand(validate)
	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scalyclaw %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
