package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/steveyegge/sandboxd/internal/provisioning"
	"github.com/steveyegge/sandboxd/internal/repl"
	"github.com/steveyegge/sandboxd/internal/session"
)

var chatCmd = &cobra.Command{
	Use:   "chat <project-id>",
	Short: "Talk to the coding agent in a project's sandbox",
	Long: `Open an interactive conversation with the agent running in the project's
sandbox. The conversation is kept per node, so coming back with the same
--node resumes where it left off.

With --prompt a single turn runs and the command exits.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetString("node")
		prompt, _ := cmd.Flags().GetString("prompt")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if _, err := a.store.GetProject(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to load project %s: %w", args[0], err)
		}

		r, err := repl.New(&repl.Config{
			Conversation: &session.Conversation{
				Store:      a.store,
				Runner:     a.turns,
				Project:    args[0],
				Node:       node,
				TurnKey:    uuid.New().String(),
				WorkingDir: provisioning.AppDir,
				Logger:     logger,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create REPL: %w", err)
		}

		if prompt != "" {
			return r.Once(ctx, prompt)
		}
		return r.Run(ctx)
	},
}

func init() {
	chatCmd.Flags().String("node", "cli", "Node the conversation belongs to")
	chatCmd.Flags().StringP("prompt", "p", "", "Run a single turn and exit")
	rootCmd.AddCommand(chatCmd)
}
