package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Replay and retry webhook deliveries",
}

var webhooksReplayCmd = &cobra.Command{
	Use:   "replay <delivery-id>",
	Short: "Re-enqueue a persisted delivery, bypassing dedup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).ReplayWebhook(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Delivery %s replayed\n", args[0])
		return nil
	},
}

var webhooksRetryCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Re-enqueue deliveries whose last attempt failed",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		retried, err := apiClient(cmd).RetryFailedWebhooks(cmd.Context(), limit)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Retried %d deliverie(s)\n", retried)
		return nil
	},
}

func init() {
	webhooksRetryCmd.Flags().Int("limit", 50, "Maximum deliveries to retry")

	webhooksCmd.AddCommand(webhooksReplayCmd)
	webhooksCmd.AddCommand(webhooksRetryCmd)
}
