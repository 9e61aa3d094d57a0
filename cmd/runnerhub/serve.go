package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/runnerhub/runnerhub/pkg/config"
	"github.com/runnerhub/runnerhub/pkg/log"
	"github.com/runnerhub/runnerhub/pkg/metrics"
	"github.com/runnerhub/runnerhub/pkg/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	Long: `Start the RunnerHub daemon: webhook ingress, REST API, dispatcher
workers, auto-scaler, cleanup loops, and the monitoring bus, all in
one process. Runs until SIGINT or SIGTERM, then drains gracefully.`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "runnerhub.yaml", "Path to the configuration file")
	serveCmd.Flags().String("listen", "", "Override the API listen address")
	serveCmd.Flags().String("data-dir", "", "Override the data directory")
}

func runServe(cmd *cobra.Command, args []string) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	metrics.SetVersion(Version)

	orch, err := orchestrator.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Startup failed: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Orchestrator failed: %v\n", err)
		os.Exit(2)
	}
}
