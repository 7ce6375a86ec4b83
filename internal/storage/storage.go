// Package storage defines the persistence boundary for projects, agent
// conversation handles and the per-node message log.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/steveyegge/sandboxd/internal/types"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write loses a race or violates a constraint
	ErrConflict = errors.New("conflict")
)

// StatusWrite is one sandbox status transition for a project.
type StatusWrite struct {
	Status types.SandboxStatus

	// SandboxID assigns the sandbox id. nil leaves the stored id untouched;
	// an assigned id is never cleared.
	SandboxID *string

	// Error is stored as sandbox_error. nil clears it.
	Error *string

	// PreviewURL is stored when non-nil, otherwise left untouched. A
	// creating write stores it as given, so nil clears it.
	PreviewURL *string

	UpdatedAt time.Time
}

// ProjectStore reads and creates project rows
type ProjectStore interface {
	GetProject(ctx context.Context, id string) (*types.Project, error)

	// EnsureProject inserts the project if no row with its id exists and
	// returns the stored row either way.
	EnsureProject(ctx context.Context, p *types.Project) (*types.Project, error)

	ListProjectsByOwner(ctx context.Context, ownerID string) ([]*types.Project, error)
}

// StatusStore persists sandbox status transitions
type StatusStore interface {
	WriteStatus(ctx context.Context, projectID string, w StatusWrite) error
}

// HandleStore persists agent conversation handles, one per (node, project)
type HandleStore interface {
	// GetHandle returns ErrNotFound when the node has no handle yet.
	GetHandle(ctx context.Context, nodeID, projectID string) (*types.AgentHandle, error)

	// CreateHandleIfAbsent inserts h unless a handle already exists for its
	// node and project. It returns the stored handle and whether h won.
	CreateHandleIfAbsent(ctx context.Context, h *types.AgentHandle) (*types.AgentHandle, bool, error)

	// UpdateHandle replaces oldHandle with newHandle. It returns ErrConflict
	// when the stored handle is no longer oldHandle and ErrNotFound when
	// there is no stored handle.
	UpdateHandle(ctx context.Context, nodeID, projectID, oldHandle, newHandle string) error
}

// MessageStore is the append-only conversation log
type MessageStore interface {
	AppendMessage(ctx context.Context, m *types.TurnMessage) error

	// ListMessages returns the newest limit messages in chronological order.
	ListMessages(ctx context.Context, nodeID, projectID string, limit int) ([]*types.TurnMessage, error)
}

// Storage is everything the service persists
type Storage interface {
	ProjectStore
	StatusStore
	HandleStore
	MessageStore
	Close() error
}

// RecordHandle stores a handle reported by a turn that started from prior.
// A first handle goes through create-if-absent, a later one through
// compare-and-swap, so two racing turns for the same node cannot both win.
// It returns the handle that is stored afterwards.
func RecordHandle(ctx context.Context, s HandleStore, nodeID, projectID, prior, handle string, logger *slog.Logger) (string, error) {
	if handle == "" || handle == prior {
		return prior, nil
	}

	if prior == "" {
		return createHandle(ctx, s, nodeID, projectID, handle, logger)
	}

	err := s.UpdateHandle(ctx, nodeID, projectID, prior, handle)
	if errors.Is(err, ErrNotFound) {
		return createHandle(ctx, s, nodeID, projectID, handle, logger)
	}
	if errors.Is(err, ErrConflict) {
		current, getErr := s.GetHandle(ctx, nodeID, projectID)
		if getErr != nil {
			return prior, fmt.Errorf("failed to reload agent handle after conflict: %w", getErr)
		}
		if logger != nil {
			logger.Warn("agent handle changed by another turn",
				"node_id", nodeID, "project_id", projectID, "kept", current.Handle, "discarded", handle)
		}
		return current.Handle, nil
	}
	if err != nil {
		return prior, fmt.Errorf("failed to update agent handle: %w", err)
	}
	return handle, nil
}

func createHandle(ctx context.Context, s HandleStore, nodeID, projectID, handle string, logger *slog.Logger) (string, error) {
	now := time.Now()
	stored, created, err := s.CreateHandleIfAbsent(ctx, &types.AgentHandle{
		NodeID:    nodeID,
		ProjectID: projectID,
		Handle:    handle,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create agent handle: %w", err)
	}
	if !created && logger != nil {
		logger.Warn("agent handle already created by another turn",
			"node_id", nodeID, "project_id", projectID, "kept", stored.Handle, "discarded", handle)
	}
	return stored.Handle, nil
}
