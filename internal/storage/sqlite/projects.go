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

const projectColumns = `id, owner_id, title, sandbox_id, sandbox_status, sandbox_error, preview_url, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*types.Project, error) {
	var (
		p                         types.Project
		status                    string
		sandboxID, sbErr, preview sql.NullString
		createdAt, updatedAt      int64
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Title, &sandboxID, &status, &sbErr, &preview, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.SandboxStatus = types.SandboxStatus(status)
	p.SandboxID = stringPtr(sandboxID)
	p.SandboxError = stringPtr(sbErr)
	p.PreviewURL = stringPtr(preview)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

// GetProject retrieves a project by id
func (s *SQLiteStorage) GetProject(ctx context.Context, id string) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", id, err)
	}
	return p, nil
}

// EnsureProject inserts p unless a project with its id already exists
func (s *SQLiteStorage) EnsureProject(ctx context.Context, p *types.Project) (*types.Project, error) {
	if p.SandboxStatus == "" {
		p.SandboxStatus = types.SandboxStatusNone
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, p.ID, p.OwnerID, p.Title, nullString(p.SandboxID), string(p.SandboxStatus),
		nullString(p.SandboxError), nullString(p.PreviewURL), toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert project %s: %w", p.ID, err)
	}
	return s.GetProject(ctx, p.ID)
}

// ListProjectsByOwner returns an owner's projects, most recently updated first
func (s *SQLiteStorage) ListProjectsByOwner(ctx context.Context, ownerID string) ([]*types.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE owner_id = ?
		ORDER BY updated_at DESC, id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// WriteStatus records a sandbox status transition. A sandbox id, once
// assigned, is kept when w.SandboxID is nil. Writing creating drops the
// preview url of any earlier sandbox. Writing started without a sandbox id
// fails with storage.ErrConflict.
func (s *SQLiteStorage) WriteStatus(ctx context.Context, projectID string, w storage.StatusWrite) error {
	if !w.Status.IsValid() {
		return fmt.Errorf("invalid sandbox status: %s", w.Status)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET
			sandbox_status = ?,
			sandbox_id = COALESCE(?, sandbox_id),
			sandbox_error = ?,
			preview_url = CASE WHEN ? = ? THEN ? ELSE COALESCE(?, preview_url) END,
			updated_at = ?
		WHERE id = ?
	`, string(w.Status), nullString(w.SandboxID), nullString(w.Error),
		string(w.Status), string(types.SandboxStatusCreating), nullString(w.PreviewURL), nullString(w.PreviewURL),
		toMillis(w.UpdatedAt), projectID)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("status %s for project %s: %w: %v", w.Status, projectID, storage.ErrConflict, err)
		}
		return fmt.Errorf("failed to write status for project %s: %w", projectID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("project %s: %w", projectID, storage.ErrNotFound)
	}
	return nil
}
