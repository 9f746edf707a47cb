package store

import "context"

// ProjectStore manages project rows. The session core only reads projects.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
}

// SessionStore persists session lifecycle state and metrics.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)

	// UpdateStatus sets the status and last_active_at.
	UpdateStatus(ctx context.Context, id string, status SessionStatus) error

	// SetAgentSessionID records the agent-assigned id, only if none has
	// been observed yet.
	SetAgentSessionID(ctx context.Context, id, agentSessionID string) error

	// SetRuntime records the subprocess PID and bridge port once the
	// session's process is up.
	SetRuntime(ctx context.Context, id string, pid, wsPort int) error

	// ApplyResult atomically SETs the cumulative metrics from a result
	// frame, increments num_turns, refreshes last_active_at, and moves the
	// session back to idle.
	ApplyResult(ctx context.Context, id string, costUSD float64, inputTokens, outputTokens int64) error

	// MarkError terminates the session with an error message; sets closed_at.
	MarkError(ctx context.Context, id, errorMessage string) error

	// MarkClosed terminates the session normally; sets closed_at.
	MarkClosed(ctx context.Context, id string) error

	// ListUnterminated returns sessions whose status is not terminal, for
	// orphan cleanup on startup.
	ListUnterminated(ctx context.Context) ([]*Session, error)
}

// MessageStore is the append-only per-session transcript.
type MessageStore interface {
	AppendMessage(ctx context.Context, m *MessageRecord) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*MessageRecord, error)
}

// RuleStore manages permission rules.
type RuleStore interface {
	CreateRule(ctx context.Context, r *PermissionRule) error
	GetRule(ctx context.Context, id string) (*PermissionRule, error)

	// ListProjectRules returns the rules scoped to one project.
	ListProjectRules(ctx context.Context, projectID string) ([]*PermissionRule, error)

	// ListGlobalRules returns the rules with no project scope.
	ListGlobalRules(ctx context.Context) ([]*PermissionRule, error)

	// UpdateRule applies fields to a rule. Only tool_name, rule_content,
	// behavior, and priority are writable; every other key is silently
	// ignored. This filter is a security property, not an ergonomic one.
	UpdateRule(ctx context.Context, id string, fields map[string]any) error

	DeleteRule(ctx context.Context, id string) error
}

// PermissionLogStore is the append-only decision audit log.
type PermissionLogStore interface {
	AppendPermissionLog(ctx context.Context, e *PermissionLogEntry) error
	ListPermissionLog(ctx context.Context, sessionID string, limit int) ([]*PermissionLogEntry, error)
}

// Store aggregates every storage concern behind the single embedded engine.
type Store interface {
	ProjectStore
	SessionStore
	MessageStore
	RuleStore
	PermissionLogStore
	Close() error
}
