package repl

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/steveyegge/sandboxd/internal/events"
	"github.com/steveyegge/sandboxd/internal/types"
)

const maxToolInput = 80

// agentContent is the part of an assistant or user message worth showing.
type agentContent struct {
	Type    string `json:"type"`
	Message struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	} `json:"message"`
}

// render prints one turn event
func (r *REPL) render(e events.TurnEvent) {
	gray := color.New(color.FgHiBlack).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	magenta := color.New(color.FgMagenta).SprintFunc()

	switch e.Type {
	case events.TurnEventJSONMessage:
		var msg agentContent
		if err := json.Unmarshal(e.Data, &msg); err != nil || msg.Type != "assistant" {
			return
		}
		for _, c := range msg.Message.Content {
			switch c.Type {
			case "text":
				if text := strings.TrimSpace(c.Text); text != "" {
					fmt.Fprintln(r.out, text)
				}
			case "tool_use":
				fmt.Fprintf(r.out, "%s %s %s\n", magenta("🔧"), magenta(c.Name), gray(truncate(string(c.Input), maxToolInput)))
			}
		}
	case events.TurnEventSessionUpdate:
		fmt.Fprintf(r.out, "%s\n", gray("conversation "+e.SessionID))
	case events.TurnEventComplete:
		if e.Result != "" {
			fmt.Fprintf(r.out, "%s %s\n", green("✓"), e.Result)
		} else {
			fmt.Fprintf(r.out, "%s\n", green("✓ done"))
		}
	case events.TurnEventError:
		if e.Timeout {
			fmt.Fprintf(r.out, "%s %s\n", yellow("⚠"), e.Error)
		} else {
			fmt.Fprintf(r.out, "%s %s\n", red("✗"), e.Error)
		}
	}
}

// renderMessage prints one stored transcript entry
func (r *REPL) renderMessage(m *types.TurnMessage) {
	gray := color.New(color.FgHiBlack).SprintFunc()
	var who string
	switch m.Role {
	case types.RoleUser:
		who = color.New(color.FgCyan).Sprint("you")
	case types.RoleAssistant:
		who = color.New(color.FgGreen).Sprint("agent")
	default:
		who = color.New(color.FgRed).Sprint("error")
	}
	fmt.Fprintf(r.out, "%s %s %s\n", gray(m.CreatedAt.Format("15:04:05")), who, m.Content)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
