// Package events provides event types for the Conduit event system.
package events

// Event types emitted by the message router for inbound agent frames.
const (
	// SessionMessage covers system, assistant, control init, and unknown frames.
	SessionMessage = "session.message"
	// StreamEvent covers stream_event and tool_progress frames.
	StreamEvent = "stream.event"
	// SessionResult marks the end of a turn.
	SessionResult = "session.result"
)

// Event types emitted by the session manager for lifecycle transitions.
const (
	SessionCreated = "session.created"
	SessionStatus  = "session.status"
	SessionError   = "session.error"
	SessionClosed  = "session.closed"
)

// Reason tags attached to session.error events.
const (
	ReasonCLIFailedToConnect = "cli_failed_to_connect"
	ReasonUnexpectedExit     = "unexpected_exit"
)
