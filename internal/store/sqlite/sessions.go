package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/conduithq/conduit/internal/common/errors"
	"github.com/conduithq/conduit/internal/store"
)

const sessionColumns = `id, project_id, name, status, model, agent_session_id, cli_pid, ws_port,
	total_cost_usd, total_input_tokens, total_output_tokens, num_turns,
	error_message, created_at, last_active_at, closed_at`

// CreateSession inserts a new session row.
func (r *Repository) CreateSession(ctx context.Context, s *store.Session) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.LastActiveAt.IsZero() {
		s.LastActiveAt = now
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, name, status, model, agent_session_id, cli_pid, ws_port,
			total_cost_usd, total_input_tokens, total_output_tokens, num_turns,
			error_message, created_at, last_active_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.ProjectID, s.Name, s.Status, s.Model, s.AgentSessionID, s.CLIPID, s.WSPort,
		s.TotalCostUSD, s.TotalInputTokens, s.TotalOutputTokens, s.NumTurns,
		s.ErrorMessage, s.CreatedAt, s.LastActiveAt, s.ClosedAt)
	return err
}

// GetSession retrieves a session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (*store.Session, error) {
	var s store.Session
	err := r.ro.GetContext(ctx, &s, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns all sessions, newest first.
func (r *Repository) ListSessions(ctx context.Context) ([]*store.Session, error) {
	var sessions []*store.Session
	err := r.ro.SelectContext(ctx, &sessions, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// UpdateStatus sets the status and refreshes last_active_at.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status store.SessionStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, last_active_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "session", id)
}

// SetAgentSessionID records the agent-assigned id, only when none has been
// observed yet. An already-captured id is never overwritten.
func (r *Repository) SetAgentSessionID(ctx context.Context, id, agentSessionID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET agent_session_id = ? WHERE id = ? AND agent_session_id = ''
	`, agentSessionID, id)
	return err
}

// SetRuntime records the subprocess PID and bridge port for orphan cleanup
// across restarts.
func (r *Repository) SetRuntime(ctx context.Context, id string, pid, wsPort int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET cli_pid = ?, ws_port = ? WHERE id = ?
	`, pid, wsPort, id)
	if err != nil {
		return err
	}
	return requireRow(res, "session", id)
}

// ApplyResult applies a result frame in a single UPDATE: metrics are SET
// from the cumulative payload totals (never summed), num_turns increments,
// and the session returns to idle.
func (r *Repository) ApplyResult(ctx context.Context, id string, costUSD float64, inputTokens, outputTokens int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			total_cost_usd = ?,
			total_input_tokens = ?,
			total_output_tokens = ?,
			num_turns = num_turns + 1,
			status = ?,
			last_active_at = ?
		WHERE id = ?
	`, costUSD, inputTokens, outputTokens, store.StatusIdle, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "session", id)
}

// MarkError transitions the session to the error terminal state. The bridge
// port is gone by then, so ws_port is cleared.
func (r *Repository) MarkError(ctx context.Context, id, errorMessage string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, error_message = ?, ws_port = NULL, closed_at = ?, last_active_at = ? WHERE id = ?
	`, store.StatusError, errorMessage, now, now, id)
	if err != nil {
		return err
	}
	return requireRow(res, "session", id)
}

// MarkClosed transitions the session to the closed terminal state. The bridge
// port is gone by then, so ws_port is cleared.
func (r *Repository) MarkClosed(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, ws_port = NULL, closed_at = ?, last_active_at = ? WHERE id = ?
	`, store.StatusClosed, now, now, id)
	if err != nil {
		return err
	}
	return requireRow(res, "session", id)
}

// ListUnterminated returns sessions whose status is not terminal. Used by
// orphan cleanup so that applying cleanup twice is a no-op the second time.
func (r *Repository) ListUnterminated(ctx context.Context) ([]*store.Session, error) {
	var sessions []*store.Session
	err := r.ro.SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+` FROM sessions WHERE status NOT IN (?, ?)
	`, store.StatusClosed, store.StatusError)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// requireRow converts a zero-row UPDATE into a not found error.
func requireRow(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound(resource, id)
	}
	return nil
}
