package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [project-id]",
	Short: "Show sandbox status",
	Long: `Show a project's stored sandbox status next to what the provider
reports, or list every project of an owner with --owner.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		asJSON, _ := cmd.Flags().GetBool("json")
		if len(args) == 0 && owner == "" {
			return fmt.Errorf("pass a project id or --owner")
		}

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if len(args) == 0 {
			projects, err := a.store.ListProjectsByOwner(ctx, owner)
			if err != nil {
				return fmt.Errorf("failed to list projects: %w", err)
			}
			if asJSON {
				return printJSON(projects)
			}
			if len(projects) == 0 {
				fmt.Printf("No projects for %s\n", owner)
				return nil
			}
			cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
			fmt.Printf("\n%s\n\n", cyan("=== Projects of "+owner+" ==="))
			for _, p := range projects {
				displayProject(p)
			}
			fmt.Println()
			return nil
		}

		report := a.orch.GetStatus(ctx, args[0])
		if asJSON {
			return printJSON(report)
		}
		displayReport(report)
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

func init() {
	statusCmd.Flags().String("owner", "", "List all projects of this owner")
	statusCmd.Flags().Bool("json", false, "Print JSON instead of text")
	rootCmd.AddCommand(statusCmd)
}
