package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/conduithq/conduit/internal/common/errors"
	"github.com/conduithq/conduit/internal/store"
)

// ruleWritableColumns is the exact set of rule columns an update may touch.
// Every other key in an update payload is silently ignored; the filter is a
// security property of the permission model.
var ruleWritableColumns = map[string]bool{
	"tool_name":    true,
	"rule_content": true,
	"behavior":     true,
	"priority":     true,
}

// CreateRule inserts a new permission rule.
func (r *Repository) CreateRule(ctx context.Context, rule *store.PermissionRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO permission_rules (id, project_id, tool_name, rule_content, behavior, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rule.ID, rule.ProjectID, rule.ToolName, rule.RuleContent, rule.Behavior, rule.Priority, rule.CreatedAt)
	return err
}

// GetRule retrieves a rule by id.
func (r *Repository) GetRule(ctx context.Context, id string) (*store.PermissionRule, error) {
	var rule store.PermissionRule
	err := r.ro.GetContext(ctx, &rule, `
		SELECT id, project_id, tool_name, rule_content, behavior, priority, created_at
		FROM permission_rules WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("permission rule", id)
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListProjectRules returns rules scoped to one project, highest priority first.
func (r *Repository) ListProjectRules(ctx context.Context, projectID string) ([]*store.PermissionRule, error) {
	var rules []*store.PermissionRule
	err := r.ro.SelectContext(ctx, &rules, `
		SELECT id, project_id, tool_name, rule_content, behavior, priority, created_at
		FROM permission_rules WHERE project_id = ? ORDER BY priority DESC, created_at
	`, projectID)
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// ListGlobalRules returns rules with no project scope, highest priority first.
func (r *Repository) ListGlobalRules(ctx context.Context) ([]*store.PermissionRule, error) {
	var rules []*store.PermissionRule
	err := r.ro.SelectContext(ctx, &rules, `
		SELECT id, project_id, tool_name, rule_content, behavior, priority, created_at
		FROM permission_rules WHERE project_id IS NULL ORDER BY priority DESC, created_at
	`)
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// UpdateRule builds a dynamic UPDATE from the payload, constrained to the
// writable-column allowlist. Unknown keys never reach the statement.
func (r *Repository) UpdateRule(ctx context.Context, id string, fields map[string]any) error {
	var sets []string
	var args []any
	for column, value := range fields {
		if !ruleWritableColumns[column] {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = ?", column))
		args = append(args, value)
	}
	if len(sets) == 0 {
		// Nothing writable in the payload; verify existence for a stable
		// not-found contract.
		_, err := r.GetRule(ctx, id)
		return err
	}

	args = append(args, id)
	res, err := r.db.ExecContext(ctx,
		`UPDATE permission_rules SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return requireRow(res, "permission rule", id)
}

// DeleteRule removes a rule.
func (r *Repository) DeleteRule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM permission_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "permission rule", id)
}
