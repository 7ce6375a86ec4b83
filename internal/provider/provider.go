// Package provider is the client side of the remote sandbox service: it
// creates, starts, stops and inspects sandboxes and runs commands in them.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/sandboxd/internal/types"
)

var (
	// ErrNotFound is returned when the provider has no sandbox with the given id
	ErrNotFound = errors.New("sandbox not found")

	// ErrUnreachable is returned when a sandbox exists but cannot serve
	// toolbox calls, usually because it is stopped or still starting
	ErrUnreachable = errors.New("sandbox unreachable")

	// ErrSessionNotFound is returned for unknown session or command ids
	ErrSessionNotFound = errors.New("session not found")
)

// CreateParams describes a sandbox to create.
type CreateParams struct {
	Name            string
	Image           string
	Labels          map[string]string
	Env             map[string]string
	Public          bool
	AutoStopMinutes int
}

// ExecResult is the outcome of a synchronous command.
type ExecResult struct {
	ExitCode int
	Result   string
}

// SessionCommand is a command started inside a long-lived session.
type SessionCommand struct {
	Command  string
	RunAsync bool
	Env      map[string]string
}

// Client creates and looks up sandboxes.
type Client interface {
	// Create provisions a sandbox and returns its id.
	Create(ctx context.Context, params CreateParams) (string, error)

	// List returns every sandbox visible to the caller.
	List(ctx context.Context) ([]Sandbox, error)

	// Get returns the sandbox with the given id, or ErrNotFound when it is
	// absent from the listing.
	Get(ctx context.Context, id string) (Sandbox, error)
}

// Sandbox is a handle on one remote sandbox.
type Sandbox interface {
	ID() string
	Start(ctx context.Context, timeout time.Duration) error
	Stop(ctx context.Context, timeout time.Duration) error
	RefreshState(ctx context.Context) (types.ProviderState, error)
	UserRootDir(ctx context.Context) (string, error)
	PreviewLink(ctx context.Context, port int) (string, error)
	Process() Process
}

// Process runs commands inside a sandbox.
type Process interface {
	// ExecuteCommand runs cmd synchronously in cwd.
	ExecuteCommand(ctx context.Context, cmd, cwd string, env map[string]string, timeout time.Duration) (ExecResult, error)

	CreateSession(ctx context.Context, sessionID string) error

	// ExecuteSessionCommand starts cmd in the session and returns its command id.
	ExecuteSessionCommand(ctx context.Context, sessionID string, cmd SessionCommand) (string, error)

	// SessionCommandLogs follows the command's output, calling onChunk for
	// each piece as it arrives, until the command exits or ctx ends.
	SessionCommandLogs(ctx context.Context, sessionID, cmdID string, onChunk func(chunk string)) error

	DeleteSession(ctx context.Context, sessionID string) error
}

// FindInList looks a sandbox up by id in a listing.
func FindInList(ctx context.Context, c Client, id string) (Sandbox, error) {
	if id == "" {
		return nil, fmt.Errorf("empty sandbox id: %w", ErrNotFound)
	}
	all, err := c.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	for _, sb := range all {
		if sb.ID() == id {
			return sb, nil
		}
	}
	return nil, fmt.Errorf("sandbox %s: %w", id, ErrNotFound)
}

// CheckExec turns a non-zero exit code into an error.
func CheckExec(res ExecResult, err error, what string) (ExecResult, error) {
	if err != nil {
		return res, fmt.Errorf("%s: %w", what, err)
	}
	if res.ExitCode != 0 {
		return res, &ExitError{What: what, ExitCode: res.ExitCode, Output: res.Result}
	}
	return res, nil
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	What     string
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	out := e.Output
	if len(out) > 500 {
		out = out[len(out)-500:]
	}
	if out == "" {
		return fmt.Sprintf("%s: exit code %d", e.What, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit code %d: %s", e.What, e.ExitCode, out)
}
