package bridge

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/conduithq/conduit/internal/common/logger"
	"github.com/conduithq/conduit/internal/common/tracing"
	"github.com/conduithq/conduit/internal/events"
	"github.com/conduithq/conduit/internal/events/bus"
	"github.com/conduithq/conduit/pkg/agent"
)

// Callbacks are the typed handlers the router dispatches inbound frames to.
// Any handler may be nil.
type Callbacks struct {
	OnSystemInit        func(sessionID string, msg *agent.Message)
	OnAssistant         func(sessionID string, msg *agent.Message)
	OnStreamEvent       func(sessionID string, msg *agent.Message)
	OnResult            func(sessionID string, msg *agent.Message)
	OnPermissionRequest func(sessionID, requestID, toolName string, toolInput map[string]any)

	// OnStatus is a passthrough for agent-reported status signals such as
	// "compacting". Nothing in the current protocol drives it.
	OnStatus func(sessionID, status string)
}

// Router dispatches parsed inbound messages by type/subtype to typed
// callbacks and publishes a bus event for each. It performs no I/O of its
// own and holds no per-session state.
type Router struct {
	bus    *bus.EventBus
	logger *logger.Logger
}

// NewRouter creates a router publishing to the given bus.
func NewRouter(eventBus *bus.EventBus, log *logger.Logger) *Router {
	return &Router{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "router")),
	}
}

// Dispatch routes one inbound frame. Frames for a single session must be
// dispatched in arrival order; the emitted bus events preserve that order.
func (r *Router) Dispatch(sessionID string, msg *agent.Message, cb Callbacks) {
	_, span := tracing.Tracer("conduit/router").Start(context.Background(), "router.dispatch")
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("message.type", msg.Type),
	)
	defer span.End()

	switch msg.Type {
	case agent.MessageTypeSystem:
		if msg.Subtype == agent.SubtypeInit && cb.OnSystemInit != nil {
			cb.OnSystemInit(sessionID, msg)
		}
		r.emit(events.SessionMessage, sessionID, msg.Raw)

	case agent.MessageTypeAssistant:
		if cb.OnAssistant != nil {
			cb.OnAssistant(sessionID, msg)
		}
		r.emit(events.SessionMessage, sessionID, msg.Raw)

	case agent.MessageTypeStreamEvent, agent.MessageTypeToolProgress:
		if cb.OnStreamEvent != nil {
			cb.OnStreamEvent(sessionID, msg)
		}
		r.emit(events.StreamEvent, sessionID, msg.Raw)

	case agent.MessageTypeResult:
		if cb.OnResult != nil {
			cb.OnResult(sessionID, msg)
		}
		r.emit(events.SessionResult, sessionID, msg.Raw)

	case agent.MessageTypeControlRequest:
		r.dispatchControl(sessionID, msg, cb)

	case agent.MessageTypeKeepAlive:
		// Liveness ping; nothing to do.

	default:
		r.logger.Warn("unknown message type, forwarding as session message",
			zap.String("session_id", sessionID),
			zap.String("type", msg.Type))
		r.emit(events.SessionMessage, sessionID, msg.Raw)
	}
}

// dispatchControl handles control_request frames: init announcements are
// treated like system/init; can_use_tool goes to the permission callback only.
func (r *Router) dispatchControl(sessionID string, msg *agent.Message, cb Callbacks) {
	if msg.Request == nil {
		r.logger.Warn("control_request without request body",
			zap.String("session_id", sessionID))
		return
	}

	switch msg.Request.Subtype {
	case agent.SubtypeInit:
		if cb.OnSystemInit != nil {
			cb.OnSystemInit(sessionID, msg)
		}
		r.emit(events.SessionMessage, sessionID, msg.Raw)

	case agent.SubtypeCanUseTool:
		if cb.OnPermissionRequest != nil {
			cb.OnPermissionRequest(sessionID, msg.RequestID, msg.Request.ToolName, msg.Request.ToolInput)
		}

	default:
		r.logger.Warn("unknown control_request subtype",
			zap.String("session_id", sessionID),
			zap.String("subtype", msg.Request.Subtype))
	}
}

func (r *Router) emit(eventType, sessionID string, raw json.RawMessage) {
	r.bus.Emit(bus.NewEvent(eventType, sessionID, map[string]any{
		"message": raw,
	}))
}
