package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/sandboxd/internal/storage"
	"github.com/steveyegge/sandboxd/internal/types"
)

// GetHandle returns the conversation handle stored for a node
func (s *SQLiteStorage) GetHandle(ctx context.Context, nodeID, projectID string) (*types.AgentHandle, error) {
	var (
		h                    types.AgentHandle
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT node_id, project_id, handle, created_at, updated_at
		FROM agent_handles WHERE node_id = ? AND project_id = ?
	`, nodeID, projectID).Scan(&h.NodeID, &h.ProjectID, &h.Handle, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("handle for node %s: %w", nodeID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get handle for node %s: %w", nodeID, err)
	}
	h.CreatedAt = fromMillis(createdAt)
	h.UpdatedAt = fromMillis(updatedAt)
	return &h, nil
}

// CreateHandleIfAbsent inserts h unless the node already has a handle
func (s *SQLiteStorage) CreateHandleIfAbsent(ctx context.Context, h *types.AgentHandle) (*types.AgentHandle, bool, error) {
	if h.NodeID == "" || h.ProjectID == "" || h.Handle == "" {
		return nil, false, fmt.Errorf("node id, project id and handle are required")
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_handles (node_id, project_id, handle, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_id, project_id) DO NOTHING
	`, h.NodeID, h.ProjectID, h.Handle, toMillis(h.CreatedAt), toMillis(h.UpdatedAt))
	if err != nil {
		if isConstraint(err) {
			return nil, false, fmt.Errorf("handle for node %s: %w: %v", h.NodeID, storage.ErrConflict, err)
		}
		return nil, false, fmt.Errorf("failed to create handle for node %s: %w", h.NodeID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	stored, err := s.GetHandle(ctx, h.NodeID, h.ProjectID)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

// UpdateHandle swaps oldHandle for newHandle if oldHandle is still stored
func (s *SQLiteStorage) UpdateHandle(ctx context.Context, nodeID, projectID, oldHandle, newHandle string) error {
	if newHandle == "" {
		return fmt.Errorf("new handle is required")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE agent_handles SET handle = ?, updated_at = ?
		WHERE node_id = ? AND project_id = ? AND handle = ?
	`, newHandle, time.Now().UnixMilli(), nodeID, projectID, oldHandle)
	if err != nil {
		return fmt.Errorf("failed to update handle for node %s: %w", nodeID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.GetHandle(ctx, nodeID, projectID); err != nil {
		return err
	}
	return fmt.Errorf("handle for node %s changed: %w", nodeID, storage.ErrConflict)
}
