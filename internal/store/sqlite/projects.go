package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/conduithq/conduit/internal/common/errors"
	"github.com/conduithq/conduit/internal/store"
)

// CreateProject inserts a new project row.
func (r *Repository) CreateProject(ctx context.Context, p *store.Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, folder_path, default_model, default_permission_mode, system_prompt, append_system_prompt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.FolderPath, p.DefaultModel, p.DefaultPermissionMode, p.SystemPrompt, p.AppendSystemPrompt, p.CreatedAt)
	return err
}

// GetProject retrieves a project by id.
func (r *Repository) GetProject(ctx context.Context, id string) (*store.Project, error) {
	var p store.Project
	err := r.ro.GetContext(ctx, &p, `
		SELECT id, name, folder_path, default_model, default_permission_mode, system_prompt, append_system_prompt, created_at
		FROM projects WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("project", id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjects returns all projects ordered by creation time.
func (r *Repository) ListProjects(ctx context.Context) ([]*store.Project, error) {
	var projects []*store.Project
	err := r.ro.SelectContext(ctx, &projects, `
		SELECT id, name, folder_path, default_model, default_permission_mode, system_prompt, append_system_prompt, created_at
		FROM projects ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	return projects, nil
}
