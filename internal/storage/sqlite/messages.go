package sqlite

import (
	"context"
	"fmt"

	"github.com/steveyegge/sandboxd/internal/types"
)

// AppendMessage adds a message to a node's conversation log and sets m.ID
func (s *SQLiteStorage) AppendMessage(ctx context.Context, m *types.TurnMessage) error {
	if !m.Role.IsValid() {
		return fmt.Errorf("invalid message role: %s", m.Role)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO turn_messages (node_id, project_id, turn_key, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.NodeID, m.ProjectID, m.TurnKey, string(m.Role), m.Content, toMillis(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get message id: %w", err)
	}
	m.ID = id
	return nil
}

// ListMessages returns the newest limit messages for a node, oldest first.
// A limit <= 0 returns all of them.
func (s *SQLiteStorage) ListMessages(ctx context.Context, nodeID, projectID string, limit int) ([]*types.TurnMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, project_id, turn_key, role, content, created_at FROM (
			SELECT * FROM turn_messages
			WHERE node_id = ? AND project_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, nodeID, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.TurnMessage
	for rows.Next() {
		var (
			m         types.TurnMessage
			role      string
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.NodeID, &m.ProjectID, &m.TurnKey, &role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = types.MessageRole(role)
		m.CreatedAt = fromMillis(createdAt)
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}
