package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/runnerhub/runnerhub/pkg/client"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and cancel CI jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repository")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := apiClient(cmd).ListJobs(cmd.Context(), client.JobFilter{
			Repository: repo,
			Status:     status,
			Limit:      limit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tREPOSITORY\tWORKFLOW\tPRIORITY\tSTATUS\tAGE")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				j.ID, j.Repository, j.Workflow, j.Priority, j.Status,
				time.Since(j.CreatedAt).Round(time.Second))
		}
		return w.Flush()
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := apiClient(cmd).GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("ID:         %s\n", job.ID)
		fmt.Printf("Repository: %s\n", job.Repository)
		fmt.Printf("Workflow:   %s\n", job.Workflow)
		fmt.Printf("Labels:     %s\n", job.Labels)
		fmt.Printf("Priority:   %s\n", job.Priority)
		fmt.Printf("Status:     %s\n", job.Status)
		if job.AssignedRunnerID != nil {
			fmt.Printf("Runner:     %s\n", *job.AssignedRunnerID)
		}
		if job.ContainerID != nil {
			fmt.Printf("Container:  %s\n", *job.ContainerID)
		}
		fmt.Printf("Created:    %s\n", job.CreatedAt.Format(time.RFC3339))
		if job.CompletedAt != nil {
			fmt.Printf("Completed:  %s\n", job.CompletedAt.Format(time.RFC3339))
		}
		if job.Error != "" {
			fmt.Printf("Error:      %s\n", job.Error)
		}
		return nil
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := apiClient(cmd).CancelJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Job %s cancelled\n", job.ID)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("repository", "", "Filter by repository (owner/name)")
	jobsListCmd.Flags().String("status", "", "Filter by status (comma-separated)")
	jobsListCmd.Flags().Int("limit", 50, "Maximum rows")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
}
