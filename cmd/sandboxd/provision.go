package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/sandboxd/internal/provisioning"
	"github.com/steveyegge/sandboxd/internal/storage"
	"github.com/steveyegge/sandboxd/internal/types"
)

var provisionCmd = &cobra.Command{
	Use:   "provision <project-id>",
	Short: "Provision a sandbox for a project and follow its setup",
	Long: `Create a sandbox for the project and walk it through setup, printing
each status transition as it happens.

The project row is created when it does not exist yet; --owner is required
in that case. Ctrl+C cancels the run and leaves the project failed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		title, _ := cmd.Flags().GetString("title")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		existing, err := a.store.GetProject(ctx, args[0])
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to load project: %w", err)
		}
		if existing == nil && owner == "" {
			return fmt.Errorf("project %s does not exist; --owner is required to create it", args[0])
		}
		if existing != nil && existing.HasSandbox() && existing.SandboxStatus != types.SandboxStatusFailed {
			return fmt.Errorf("project %s already has sandbox %s (%s); use 'sandboxd start' instead",
				args[0], existing.SandboxIDOrEmpty(), existing.SandboxStatus)
		}

		project, err := a.store.EnsureProject(ctx, &types.Project{
			ID:            args[0],
			OwnerID:       owner,
			Title:         title,
			SandboxStatus: types.SandboxStatusNone,
		})
		if err != nil {
			return fmt.Errorf("failed to create project: %w", err)
		}

		shutdown := a.startWorker(ctx)
		defer shutdown()

		job, err := a.orch.Enqueue(provisioning.ProjectRef{
			ID:      project.ID,
			Title:   project.Title,
			OwnerID: project.OwnerID,
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue provisioning: %w", err)
		}

		fmt.Printf("Provisioning %s for %s\n\n", color.New(color.Bold).Sprint(project.ID), project.OwnerID)
		for u := range job.Updates() {
			displayStatusUpdate(u)
		}
		if err := job.Wait(ctx); err != nil {
			return fmt.Errorf("provisioning failed: %w", err)
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("\n%s Sandbox ready\n", green("✓"))
		return nil
	},
}

func init() {
	provisionCmd.Flags().String("owner", "", "Owner id for a new project")
	provisionCmd.Flags().String("title", "", "Title for a new project")
	rootCmd.AddCommand(provisionCmd)
}
