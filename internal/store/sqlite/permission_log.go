package sqlite

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/conduithq/conduit/internal/store"
)

// AppendPermissionLog writes one audit row. The log is append-only; there
// are no update or delete operations.
func (r *Repository) AppendPermissionLog(ctx context.Context, e *store.PermissionLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.DecidedAt.IsZero() {
		e.DecidedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO permission_log (id, session_id, request_id, tool_name, tool_input_json, decision, decision_source, rule_id, decided_by, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.SessionID, e.RequestID, e.ToolName, e.ToolInputJSON, e.Decision, e.DecisionSource, e.RuleID, e.DecidedBy, e.DecidedAt)
	return err
}

// ListPermissionLog returns a session's audit entries, newest first. A limit
// of zero returns everything.
func (r *Repository) ListPermissionLog(ctx context.Context, sessionID string, limit int) ([]*store.PermissionLogEntry, error) {
	query := `
		SELECT id, session_id, request_id, tool_name, tool_input_json, decision, decision_source, rule_id, decided_by, decided_at
		FROM permission_log WHERE session_id = ? ORDER BY decided_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var entries []*store.PermissionLogEntry
	if err := r.ro.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, err
	}
	return entries, nil
}
