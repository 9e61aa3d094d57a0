package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/runnerhub/runnerhub/pkg/types"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage routing rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List routing rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := apiClient(cmd).ListRules(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPRIORITY\tCONDITIONS\tTARGET LABELS\tEXCLUSIVE\tENABLED")
		for _, r := range rules {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%v\t%v\n",
				r.ID, r.Name, r.Priority, summarizeConditions(r.Conditions),
				r.Targets.RunnerLabels, r.Targets.Exclusive, r.Enabled)
		}
		return w.Flush()
	},
}

func summarizeConditions(c types.RuleConditions) string {
	var parts []string
	if len(c.Labels) > 0 {
		parts = append(parts, "labels="+c.Labels.String())
	}
	if c.RepositoryPattern != "" {
		parts = append(parts, "repo="+c.RepositoryPattern)
	}
	if c.WorkflowPattern != "" {
		parts = append(parts, "workflow="+c.WorkflowPattern)
	}
	if c.BranchPattern != "" {
		parts = append(parts, "branch="+c.BranchPattern)
	}
	if c.Event != "" {
		parts = append(parts, "event="+c.Event)
	}
	if len(parts) == 0 {
		return "(any)"
	}
	return strings.Join(parts, " ")
}

// ruleManifest is the YAML shape accepted by `rules apply`.
type ruleManifest struct {
	Rules []struct {
		Name       string               `yaml:"name"`
		Priority   int                  `yaml:"priority"`
		Conditions types.RuleConditions `yaml:"conditions"`
		Targets    types.RuleTargets    `yaml:"targets"`
		Enabled    *bool                `yaml:"enabled"`
	} `yaml:"rules"`
}

var rulesApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Load routing rules from a YAML manifest",
	Long: `Create or update routing rules from a manifest file.

Rules are matched to existing ones by name: a rule whose name already
exists is updated in place, anything else is created.

Example manifest:

  rules:
    - name: gpu-jobs
      priority: 100
      conditions:
        labels: [gpu]
      targets:
        runner_labels: [gpu, cuda-12]
        exclusive: true`,
	RunE: runRulesApply,
}

func runRulesApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}
	var manifest ruleManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}
	if len(manifest.Rules) == 0 {
		return fmt.Errorf("manifest %s contains no rules", filename)
	}

	api := apiClient(cmd)
	existing, err := api.ListRules(cmd.Context())
	if err != nil {
		return err
	}
	byName := make(map[string]*types.RoutingRule, len(existing))
	for _, r := range existing {
		byName[r.Name] = r
	}

	for _, spec := range manifest.Rules {
		enabled := true
		if spec.Enabled != nil {
			enabled = *spec.Enabled
		}
		rule := &types.RoutingRule{
			Name:       spec.Name,
			Priority:   spec.Priority,
			Conditions: spec.Conditions,
			Targets:    spec.Targets,
			Enabled:    enabled,
		}

		if prev, ok := byName[spec.Name]; ok {
			rule.ID = prev.ID
			if _, err := api.UpdateRule(cmd.Context(), rule); err != nil {
				return fmt.Errorf("updating rule %q: %w", spec.Name, err)
			}
			fmt.Printf("✓ Rule %q updated\n", spec.Name)
		} else {
			if _, err := api.CreateRule(cmd.Context(), rule); err != nil {
				return fmt.Errorf("creating rule %q: %w", spec.Name, err)
			}
			fmt.Printf("✓ Rule %q created\n", spec.Name)
		}
	}
	return nil
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a routing rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).DeleteRule(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Rule %s deleted\n", args[0])
		return nil
	},
}

var rulesPreviewCmd = &cobra.Command{
	Use:   "preview <owner/repo>",
	Short: "Dry-run routing for a synthetic job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workflow, _ := cmd.Flags().GetString("workflow")
		event, _ := cmd.Flags().GetString("event")
		labels, _ := cmd.Flags().GetStringSlice("labels")

		out, err := apiClient(cmd).PreviewRoute(cmd.Context(), args[0], workflow, event, labels)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rulesApplyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = rulesApplyCmd.MarkFlagRequired("file")

	rulesPreviewCmd.Flags().String("workflow", "", "Workflow name")
	rulesPreviewCmd.Flags().String("event", "workflow_job", "Webhook event")
	rulesPreviewCmd.Flags().StringSlice("labels", nil, "Job labels")

	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesApplyCmd)
	rulesCmd.AddCommand(rulesDeleteCmd)
	rulesCmd.AddCommand(rulesPreviewCmd)
}
