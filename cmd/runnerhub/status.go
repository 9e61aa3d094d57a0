package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's live snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := apiClient(cmd).Status(cmd.Context())
		if err != nil {
			return err
		}

		if snap := report.Snapshot; snap != nil {
			fmt.Printf("Snapshot taken %s ago\n\n", time.Since(snap.Timestamp).Round(time.Second))
			fmt.Printf("Jobs:    %d queued, %d running, %d completed, %d failed\n",
				snap.Jobs.Queued, snap.Jobs.Running, snap.Jobs.Completed, snap.Jobs.Failed)
			fmt.Printf("Runners: %d total (%d idle, %d busy, %d offline)\n",
				snap.Runners.Total, snap.Runners.Idle, snap.Runners.Busy, snap.Runners.Offline)
			if snap.Upstream.Remaining > 0 || !snap.Upstream.Reset.IsZero() {
				fmt.Printf("Upstream: %d requests remaining, resets %s\n",
					snap.Upstream.Remaining, snap.Upstream.Reset.Format(time.Kitchen))
			}

			if len(snap.Pools) > 0 {
				fmt.Println()
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "POOL\tSIZE\tUTIL\tCOOLDOWN")
				for _, p := range snap.Pools {
					cooldown := ""
					if p.InCooldown {
						cooldown = "yes"
					}
					fmt.Fprintf(w, "%s\t%d\t%.0f%%\t%s\n",
						p.Repository, p.Size, p.Utilization*100, cooldown)
				}
				w.Flush()
			}
		} else {
			fmt.Println("No snapshot yet (daemon just started?)")
		}

		fmt.Printf("\nQueue: %d ready, %d delayed, %d in flight, %d dead-lettered\n",
			report.Queue.Depth(), report.Queue.Delayed, report.Queue.InFlight, report.Queue.DLQ)
		return nil
	},
}
