package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var networksCmd = &cobra.Command{
	Use:   "networks",
	Short: "Inspect isolation networks",
}

var networksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active isolation networks",
	RunE: func(cmd *cobra.Command, args []string) error {
		networks, err := apiClient(cmd).ListNetworks(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tREPOSITORY\tSUBNET\tGATEWAY\tLAST USED")
		for _, n := range networks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s ago\n",
				n.Name, n.Repository, n.Subnet, n.Gateway,
				time.Since(n.LastUsed).Round(time.Second))
		}
		return w.Flush()
	},
}

var networksCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove idle isolation networks now",
	RunE: func(cmd *cobra.Command, args []string) error {
		removed, err := apiClient(cmd).CleanupNetworks(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("✓ Removed %d idle network(s)\n", removed)
		return nil
	},
}

func init() {
	networksCmd.AddCommand(networksListCmd)
	networksCmd.AddCommand(networksCleanupCmd)
}
