package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start <project-id>",
	Short: "Start a project's sandbox and its dev server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		u, err := a.orch.StartSandbox(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to start sandbox: %w", err)
		}
		displayStatusUpdate(u)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <project-id>",
	Short: "Stop a project's sandbox",
	Long: `Stop a project's sandbox. A provisioning run still in progress for the
project is canceled first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		u, err := a.orch.StopSandbox(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to stop sandbox: %w", err)
		}
		displayStatusUpdate(u)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
}
