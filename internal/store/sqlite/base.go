// Package sqlite provides the SQLite-backed implementation of the Conduit
// store interfaces.
package sqlite

import (
	"fmt"

	"github.com/conduithq/conduit/internal/db"
	"github.com/conduithq/conduit/internal/store"
	"github.com/jmoiron/sqlx"
)

// Repository implements store.Store on SQLite via a reader/writer pool.
type Repository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

var _ store.Store = (*Repository)(nil)

// New creates a repository over an opened pool and initializes the schema.
func New(pool *db.Pool) (*Repository, error) {
	repo := &Repository{db: pool.Writer(), ro: pool.Reader()}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close is a no-op; the pool is owned by the caller.
func (r *Repository) Close() error {
	return nil
}

// initSchema creates the database tables if they don't exist.
func (r *Repository) initSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		folder_path TEXT NOT NULL,
		default_model TEXT DEFAULT '',
		default_permission_mode TEXT DEFAULT '',
		system_prompt TEXT DEFAULT '',
		append_system_prompt TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		model TEXT DEFAULT '',
		agent_session_id TEXT DEFAULT '',
		cli_pid INTEGER,
		ws_port INTEGER,
		total_cost_usd REAL NOT NULL DEFAULT 0,
		total_input_tokens INTEGER NOT NULL DEFAULT 0,
		total_output_tokens INTEGER NOT NULL DEFAULT 0,
		num_turns INTEGER NOT NULL DEFAULT 0,
		error_message TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_active_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		direction TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS permission_rules (
		id TEXT PRIMARY KEY,
		project_id TEXT REFERENCES projects(id) ON DELETE CASCADE,
		tool_name TEXT NOT NULL,
		rule_content TEXT NOT NULL DEFAULT '',
		behavior TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS permission_log (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		tool_input_json TEXT NOT NULL DEFAULT '',
		decision TEXT NOT NULL,
		decision_source TEXT NOT NULL,
		rule_id TEXT,
		decided_by TEXT NOT NULL DEFAULT '',
		decided_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS webhooks (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		event_types TEXT NOT NULL DEFAULT '',
		secret TEXT DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL
	);
	`)
	if err != nil {
		return err
	}
	return r.initIndexes()
}

func (r *Repository) initIndexes() error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_sessions_project_id ON sessions(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_permission_rules_project_id ON permission_rules(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_permission_log_session_id ON permission_log(session_id, decided_at)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
