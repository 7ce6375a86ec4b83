package session

import (
	"encoding/base64"
	"errors"
	"path"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/steveyegge/sandboxd/internal/provider"
)

// operatingInstructions is prepended to every prompt.
const operatingInstructions = `You are working inside this project's development sandbox.
Edit files in the current working directory.
The dev server is already running with hot reload. Do not start another one.
When you finish, reply with one short paragraph describing what you changed.`

// RestartMessage is shown when a turn cannot reach its sandbox.
const RestartMessage = "The sandbox is not running or could not be reached. Restart it from the project and try again."

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// sanitizeKey makes a turn key safe for file names and session ids.
func sanitizeKey(key string) string {
	return unsafeKeyChars.ReplaceAllString(key, "_")
}

// augmentPrompt wraps the user's prompt with the operating instructions.
func augmentPrompt(prompt string) string {
	return operatingInstructions + "\n\nUser request:\n" + prompt
}

func scratchPath(dir, turnKey string) string {
	return path.Join(dir, "prompt-"+sanitizeKey(turnKey)+".txt")
}

// writeFileCommand writes content to file through base64 so no quoting of
// the content is needed.
func writeFileCommand(file, content string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	return "echo " + encoded + " | base64 -d > " + shellquote.Join(file)
}

func removeFileCommand(file string) string {
	return shellquote.Join("rm", "-f", file)
}

// agentCommand pipes the scratch file into the agent CLI, resuming the
// conversation when a prior handle is known.
func agentCommand(binary, workingDir, scratch, priorHandle string, extraArgs []string) string {
	args := []string{binary, "-p",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if priorHandle != "" {
		args = append(args, "--resume", priorHandle)
	}
	args = append(args, extraArgs...)

	var b strings.Builder
	if workingDir != "" {
		b.WriteString("cd ")
		b.WriteString(shellquote.Join(workingDir))
		b.WriteString(" && ")
	}
	b.WriteString(shellquote.Join("cat", scratch))
	b.WriteString(" | ")
	b.WriteString(shellquote.Join(args...))
	return b.String()
}

// UserMessage turns a turn failure into the short text shown to the user.
// Missing or unreachable sandboxes get a restart suggestion; anything else
// is passed through.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, provider.ErrNotFound), errors.Is(err, provider.ErrUnreachable):
		return RestartMessage
	default:
		return err.Error()
	}
}
