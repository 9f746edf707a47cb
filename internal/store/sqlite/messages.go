package sqlite

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/conduithq/conduit/internal/store"
)

// AppendMessage writes one transcript entry.
func (r *Repository) AppendMessage(ctx context.Context, m *store.MessageRecord) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, direction, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.SessionID, m.Direction, m.Type, string(m.Payload), m.CreatedAt)
	return err
}

// ListMessages returns a session's transcript in insertion order. A limit of
// zero returns everything.
func (r *Repository) ListMessages(ctx context.Context, sessionID string, limit int) ([]*store.MessageRecord, error) {
	query := `
		SELECT id, session_id, direction, type, payload, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at, id`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var messages []*store.MessageRecord
	for rows.Next() {
		var m store.MessageRecord
		var payload string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Direction, &m.Type, &payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Payload = []byte(payload)
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}
