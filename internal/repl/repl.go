// Package repl is the interactive chat shell behind "sandboxd chat". Each
// line that is not a shell command becomes one turn against the project's
// sandbox.
package repl

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/steveyegge/sandboxd/internal/events"
	"github.com/steveyegge/sandboxd/internal/session"
)

// REPL represents the interactive shell
type REPL struct {
	conv     *session.Conversation
	rl       *readline.Instance
	ctx      context.Context
	out      io.Writer
	commands map[string]CommandHandler
}

// CommandHandler handles a specific command
type CommandHandler func(args []string) error

// Config holds REPL configuration
type Config struct {
	Conversation *session.Conversation

	// Out receives rendered output; defaults to stdout
	Out io.Writer
}

// New creates a new REPL instance
func New(cfg *Config) (*REPL, error) {
	if cfg.Conversation == nil {
		return nil, fmt.Errorf("conversation is required")
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}

	r := &REPL{
		conv:     cfg.Conversation,
		ctx:      context.Background(),
		out:      out,
		commands: make(map[string]CommandHandler),
	}
	r.registerCommands()
	return r, nil
}

// Run starts the REPL loop
func (r *REPL) Run(ctx context.Context) error {
	r.ctx = ctx

	cyan := color.New(color.FgCyan).SprintFunc()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cyan(r.conv.Project + "> "),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdout:            r.out,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	r.rl = rl

	r.printWelcome()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			} else if err == io.EOF {
				fmt.Fprintln(r.out, "\nGoodbye!")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := r.processInput(line); err != nil {
			if err == io.EOF {
				return nil
			}
			red := color.New(color.FgRed).SprintFunc()
			fmt.Fprintf(r.out, "%s %v\n", red("Error:"), err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// processInput runs a shell command or sends the line to the agent
func (r *REPL) processInput(line string) error {
	if strings.HasPrefix(line, "/") {
		parts := strings.Fields(line[1:])
		if len(parts) == 0 {
			return nil
		}
		if handler, ok := r.commands[parts[0]]; ok {
			return handler(parts[1:])
		}
		return fmt.Errorf("unknown command /%s (try /help)", parts[0])
	}
	return r.ask(line)
}

// Once runs a single prompt without the interactive loop. It fails unless
// the turn completed.
func (r *REPL) Once(ctx context.Context, prompt string) error {
	r.ctx = ctx
	last := r.conv.Ask(ctx, prompt, r.render)
	if last.Type != events.TurnEventComplete {
		return fmt.Errorf("turn did not complete")
	}
	return nil
}

func (r *REPL) ask(prompt string) error {
	last := r.conv.Ask(r.ctx, prompt, r.render)
	if last.Type == "" {
		return fmt.Errorf("turn ended without a result")
	}
	return nil
}

// registerCommands registers all built-in commands
func (r *REPL) registerCommands() {
	r.commands["help"] = r.cmdHelp
	r.commands["?"] = r.cmdHelp
	r.commands["history"] = r.cmdHistory
	r.commands["exit"] = r.cmdExit
	r.commands["quit"] = r.cmdExit
}

// printWelcome prints the welcome message
func (r *REPL) printWelcome() {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Fprintf(r.out, "\n%s\n", cyan("sandboxd chat"))
	fmt.Fprintf(r.out, "Project %s, node %s\n", r.conv.Project, r.conv.Node)
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Type a request for the agent, '/help' for commands, '/exit' to quit")
	fmt.Fprintln(r.out)
}

// cmdHelp shows help information
func (r *REPL) cmdHelp(args []string) error {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(r.out, "\n%s\n\n", cyan("Available Commands:"))

	commands := []struct {
		name string
		desc string
	}{
		{"/help, /?", "Show this help message"},
		{"/history [n]", "Show the last n messages of this node's conversation (default 20)"},
		{"/exit, /quit", "Exit the REPL"},
	}
	for _, cmd := range commands {
		fmt.Fprintf(r.out, "  %s  %s\n", green(cmd.name), cmd.desc)
	}
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Anything else is sent to the agent in the project's sandbox, e.g.")
	fmt.Fprintln(r.out, "  add a dark mode toggle to the header")
	fmt.Fprintln(r.out)
	return nil
}

// cmdHistory prints the stored transcript
func (r *REPL) cmdHistory(args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("history limit must be a positive number")
		}
		limit = n
	}

	msgs, err := r.conv.History(r.ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	if len(msgs) == 0 {
		gray := color.New(color.FgHiBlack).SprintFunc()
		fmt.Fprintf(r.out, "%s\n", gray("No messages yet"))
		return nil
	}
	for _, m := range msgs {
		r.renderMessage(m)
	}
	return nil
}

// cmdExit exits the REPL
func (r *REPL) cmdExit(args []string) error {
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(r.out, "\n%s Goodbye!\n", green("✓"))
	if r.rl != nil {
		r.rl.Close()
	}
	return io.EOF
}
