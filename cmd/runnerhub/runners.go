package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var runnersCmd = &cobra.Command{
	Use:   "runners",
	Short: "Inspect runners",
}

var runnersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runners",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repository")
		runners, err := apiClient(cmd).ListRunners(cmd.Context(), repo)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTYPE\tREPOSITORY\tSTATUS\tJOBS\tLAST HEARTBEAT")
		for _, r := range runners {
			heartbeat := "never"
			if !r.LastHeartbeat.IsZero() {
				heartbeat = time.Since(r.LastHeartbeat).Round(time.Second).String() + " ago"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				r.Name, r.Type, r.Repository, r.Status, r.JobsServed, heartbeat)
		}
		return w.Flush()
	},
}

var poolsCmd = &cobra.Command{
	Use:   "pools",
	Short: "Inspect and scale runner pools",
}

var poolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pools with live metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		pools, err := apiClient(cmd).ListPools(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "REPOSITORY\tSIZE\tMIN\tMAX\tIDLE\tBUSY\tUTIL\tCOOLDOWN")
		for _, p := range pools {
			cooldown := ""
			if p.InCooldown {
				cooldown = "yes"
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%.0f%%\t%s\n",
				p.Repository, p.CurrentRunners, p.MinRunners, p.MaxRunners,
				p.Idle, p.Busy, p.Utilization*100, cooldown)
		}
		return w.Flush()
	},
}

var poolsScaleCmd = &cobra.Command{
	Use:   "scale <owner/repo> <up|down>",
	Short: "Force a scaling operation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		before, after, err := apiClient(cmd).ScalePool(cmd.Context(), args[0], args[1], count)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Pool %s scaled %s: %d -> %d\n", args[0], args[1], before, after)
		return nil
	},
}

func init() {
	runnersListCmd.Flags().String("repository", "", "Filter by repository (owner/name)")
	runnersCmd.AddCommand(runnersListCmd)

	poolsScaleCmd.Flags().Int("count", 1, "How many runners to add or remove")
	poolsCmd.AddCommand(poolsListCmd)
	poolsCmd.AddCommand(poolsScaleCmd)
}
