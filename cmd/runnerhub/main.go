package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/runnerhub/runnerhub/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes: 0 success, 1 configuration error, 2 unrecoverable
// runtime error. 78 is reserved for proxy-worker hooks and unused.
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "runnerhub",
	Short: "RunnerHub - self-hosted CI runner orchestrator",
	Long: `RunnerHub orchestrates ephemeral, per-repository isolated CI runners.

Incoming workflow-job webhooks are verified, deduplicated, and queued;
dispatcher workers route each job to a runner pool, scaling pools up
and down as load changes. Every runner lives in a hardened container
attached to its repository's internal bridge network and registers
just-in-time against the upstream platform.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"RunnerHub version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("addr", "http://127.0.0.1:8080", "Daemon API address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(runnersCmd)
	rootCmd.AddCommand(poolsCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(networksCmd)
	rootCmd.AddCommand(webhooksCmd)
}

// apiClient builds the REST client from the --addr flag.
func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return client.New(addr)
}
