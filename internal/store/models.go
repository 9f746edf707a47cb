// Package store defines the persistent entities and storage interfaces for
// Conduit.
package store

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	// StatusStarting: subprocess spawned, bridge waiting for the inbound connect.
	StatusStarting SessionStatus = "starting"
	// StatusIdle: agent connected, no turn in flight.
	StatusIdle SessionStatus = "idle"
	// StatusActive: a user message has been sent, awaiting the result.
	StatusActive SessionStatus = "active"
	// StatusCompacting: reported by the agent; passthrough only.
	StatusCompacting SessionStatus = "compacting"
	// StatusError: terminal; agent exited unexpectedly or never connected.
	StatusError SessionStatus = "error"
	// StatusClosed: terminal; terminated by the caller.
	StatusClosed SessionStatus = "closed"
)

// Terminal reports whether the status is an end state.
func (s SessionStatus) Terminal() bool {
	return s == StatusError || s == StatusClosed
}

// Project is the folder-backed configuration object sessions are created
// under. The core only reads it; the HTTP surface manages it.
type Project struct {
	ID                    string    `db:"id" json:"id"`
	Name                  string    `db:"name" json:"name"`
	FolderPath            string    `db:"folder_path" json:"folder_path"`
	DefaultModel          string    `db:"default_model" json:"default_model"`
	DefaultPermissionMode string    `db:"default_permission_mode" json:"default_permission_mode"`
	SystemPrompt          string    `db:"system_prompt" json:"system_prompt"`
	AppendSystemPrompt    string    `db:"append_system_prompt" json:"append_system_prompt"`
	CreatedAt             time.Time `db:"created_at" json:"created_at"`
}

// Session is the central lifecycle-bearing entity: one agent subprocess plus
// its bridge and metrics.
type Session struct {
	ID        string        `db:"id" json:"id"`
	ProjectID string        `db:"project_id" json:"project_id"`
	Name      string        `db:"name" json:"name"`
	Status    SessionStatus `db:"status" json:"status"`
	Model     string        `db:"model" json:"model"`

	// AgentSessionID is assigned by the agent in the init handshake; empty
	// until then and never overwritten once observed.
	AgentSessionID string `db:"agent_session_id" json:"agent_session_id"`

	CLIPID *int `db:"cli_pid" json:"cli_pid,omitempty"`
	WSPort *int `db:"ws_port" json:"ws_port,omitempty"`

	// Metrics reflect the cumulative totals reported by each result frame;
	// they are SET from the payload, never accumulated.
	TotalCostUSD      float64 `db:"total_cost_usd" json:"total_cost_usd"`
	TotalInputTokens  int64   `db:"total_input_tokens" json:"total_input_tokens"`
	TotalOutputTokens int64   `db:"total_output_tokens" json:"total_output_tokens"`
	NumTurns          int     `db:"num_turns" json:"num_turns"`

	ErrorMessage string     `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	LastActiveAt time.Time  `db:"last_active_at" json:"last_active_at"`
	ClosedAt     *time.Time `db:"closed_at" json:"closed_at,omitempty"`
}

// Message directions in the transcript.
const (
	DirectionInbound  = "in"  // agent -> conduit
	DirectionOutbound = "out" // conduit -> agent
)

// MessageRecord is one transcript entry: an inbound assistant/result frame
// or an outbound user frame.
type MessageRecord struct {
	ID        string          `db:"id" json:"id"`
	SessionID string          `db:"session_id" json:"session_id"`
	Direction string          `db:"direction" json:"direction"`
	Type      string          `db:"type" json:"type"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Permission rule behaviors.
const (
	RuleBehaviorAllow = "allow"
	RuleBehaviorDeny  = "deny"
)

// RuleToolAny matches any tool name.
const RuleToolAny = "*"

// PermissionRule gates tool-use requests. A nil ProjectID makes the rule
// global. Empty RuleContent matches any input for the tool.
type PermissionRule struct {
	ID          string    `db:"id" json:"id"`
	ProjectID   *string   `db:"project_id" json:"project_id,omitempty"`
	ToolName    string    `db:"tool_name" json:"tool_name"`
	RuleContent string    `db:"rule_content" json:"rule_content"`
	Behavior    string    `db:"behavior" json:"behavior"`
	Priority    int       `db:"priority" json:"priority"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Permission decision sources.
const (
	DecisionSourceAutoRule    = "auto_rule"
	DecisionSourceAutoDefault = "auto_default"
)

// PermissionLogEntry is one append-only audit row, written synchronously
// with every permission decision.
type PermissionLogEntry struct {
	ID             string    `db:"id" json:"id"`
	SessionID      string    `db:"session_id" json:"session_id"`
	RequestID      string    `db:"request_id" json:"request_id"`
	ToolName       string    `db:"tool_name" json:"tool_name"`
	ToolInputJSON  string    `db:"tool_input_json" json:"tool_input_json"`
	Decision       string    `db:"decision" json:"decision"`
	DecisionSource string    `db:"decision_source" json:"decision_source"`
	RuleID         *string   `db:"rule_id" json:"rule_id,omitempty"`
	DecidedBy      string    `db:"decided_by" json:"decided_by"`
	DecidedAt      time.Time `db:"decided_at" json:"decided_at"`
}
