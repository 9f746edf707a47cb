// Package agent provides types for the agent CLI NDJSON protocol.
// The agent runs in SDK mode (--sdk-url) and exchanges newline-delimited JSON
// frames over a WebSocket with the Conduit bridge. Only the fields Conduit
// interprets are modeled; everything else is carried verbatim in Raw.
package agent

import "encoding/json"

// Message types from the agent CLI.
const (
	// MessageTypeSystem is a system message; subtype "init" carries the
	// agent-assigned session id and model.
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking, or tool use from the assistant.
	MessageTypeAssistant = "assistant"
	// MessageTypeStreamEvent is a partial streaming event.
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeResult is the end-of-turn result message.
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request (permission, init).
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request.
	MessageTypeControlResponse = "control_response"
	// MessageTypeToolProgress reports tool execution progress.
	MessageTypeToolProgress = "tool_progress"
	// MessageTypeKeepAlive is a liveness ping; carries no payload.
	MessageTypeKeepAlive = "keep_alive"
	// MessageTypeUser is an outbound user message (prompt).
	MessageTypeUser = "user"
	// MessageTypeInterrupt is an outbound interrupt.
	MessageTypeInterrupt = "interrupt"
)

// Message subtypes.
const (
	// SubtypeInit marks the first system message of a session.
	SubtypeInit = "init"
	// SubtypeSuccess marks a successful result.
	SubtypeSuccess = "success"
	// SubtypeCanUseTool is a permission request for tool use.
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeCanUseToolResult is the reply to a can_use_tool request.
	SubtypeCanUseToolResult = "can_use_tool_result"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Valid permission modes accepted at session creation.
var validPermissionModes = map[string]bool{
	"acceptEdits":       true,
	"bypassPermissions": true,
	"default":           true,
	"delegate":          true,
	"dontAsk":           true,
	"plan":              true,
}

// IsValidPermissionMode reports whether mode is accepted by the agent CLI.
// The empty string is valid and means "CLI default".
func IsValidPermissionMode(mode string) bool {
	if mode == "" {
		return true
	}
	return validPermissionModes[mode]
}

// Usage contains token usage information from a result message.
// Values are cumulative session totals, not per-turn deltas.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ControlRequest is the request body of a control_request frame.
type ControlRequest struct {
	// Subtype identifies the type of control request (can_use_tool, init).
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// Message represents one inbound NDJSON frame from the agent CLI.
// The Type field determines which other fields are populated. Raw always
// holds the complete frame so unknown fields survive forwarding.
type Message struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system init messages
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For result messages. TotalCostUSD and Usage are cumulative totals.
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`

	// Raw is the complete frame as received, for verbatim forwarding.
	Raw json.RawMessage `json:"-"`
}

// ParseMessage decodes one inbound frame, retaining the raw bytes.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	msg.Raw = append(json.RawMessage(nil), data...)
	return &msg, nil
}

// IsInit reports whether the message is a session-init announcement, either
// a system/init frame or a control_request with subtype init.
func (m *Message) IsInit() bool {
	if m.Type == MessageTypeSystem && m.Subtype == SubtypeInit {
		return true
	}
	return m.Type == MessageTypeControlRequest && m.Request != nil && m.Request.Subtype == SubtypeInit
}

// IsPermissionRequest reports whether the message is a can_use_tool control request.
func (m *Message) IsPermissionRequest() bool {
	return m.Type == MessageTypeControlRequest && m.Request != nil && m.Request.Subtype == SubtypeCanUseTool
}

// UserMessage is sent to provide a prompt to the agent.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// NewUserMessage builds a user frame for the given prompt content.
func NewUserMessage(content string) *UserMessage {
	return &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	}
}

// ControlResponse is the reply to a can_use_tool control request.
type ControlResponse struct {
	Type     string              `json:"type"` // "control_response"
	Response ControlResponseBody `json:"response"`
}

// ControlResponseBody carries the permission decision back to the agent.
type ControlResponseBody struct {
	Subtype   string            `json:"subtype"` // "can_use_tool_result"
	RequestID string            `json:"request_id"`
	Result    PermissionOutcome `json:"result"`
}

// PermissionOutcome is the decision payload of a control response.
// UpdatedInput is a forward-compat passthrough; the rule engine never
// populates it today.
type PermissionOutcome struct {
	Behavior     string         `json:"behavior"` // "allow" or "deny"
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
}

// NewControlResponse builds a control_response frame for a permission decision.
func NewControlResponse(requestID, behavior string, updatedInput map[string]any) *ControlResponse {
	return &ControlResponse{
		Type: MessageTypeControlResponse,
		Response: ControlResponseBody{
			Subtype:   SubtypeCanUseToolResult,
			RequestID: requestID,
			Result: PermissionOutcome{
				Behavior:     behavior,
				UpdatedInput: updatedInput,
			},
		},
	}
}

// InterruptMessage asks the agent to stop the in-flight turn.
type InterruptMessage struct {
	Type string `json:"type"` // "interrupt"
}

// NewInterrupt builds an interrupt frame.
func NewInterrupt() *InterruptMessage {
	return &InterruptMessage{Type: MessageTypeInterrupt}
}
