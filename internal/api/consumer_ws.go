package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/conduithq/conduit/internal/common/errors"
	"github.com/conduithq/conduit/internal/common/logger"
	"github.com/conduithq/conduit/internal/events"
	"github.com/conduithq/conduit/internal/events/bus"
	"github.com/conduithq/conduit/internal/session"
	"github.com/conduithq/conduit/internal/store"
	"github.com/conduithq/conduit/pkg/agent"
)

const (
	consumerWriteWait  = 10 * time.Second
	consumerBufferSize = 64
)

// ConsumerWSHandlers serves the per-session consumer WebSocket: bus events
// flow out, {action} commands flow in.
type ConsumerWSHandlers struct {
	manager  *session.Manager
	store    store.SessionStore
	bus      *bus.EventBus
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

func NewConsumerWSHandlers(manager *session.Manager, st store.SessionStore, eventBus *bus.EventBus, log *logger.Logger) *ConsumerWSHandlers {
	return &ConsumerWSHandlers{
		manager: manager,
		store:   st,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "consumer-ws")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *ConsumerWSHandlers) Register(router *gin.Engine) {
	router.GET("/api/v1/sessions/:id/ws", h.serveSession)
}

// consumerCommand is an inbound frame from the consumer.
type consumerCommand struct {
	Action  string `json:"action"`
	Content string `json:"content,omitempty"`
}

func (h *ConsumerWSHandlers) serveSession(c *gin.Context) {
	sessionID := c.Param("id")

	// Unknown sessions fail before the upgrade.
	if _, err := h.store.GetSession(c.Request.Context(), sessionID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("consumer upgrade failed", zap.Error(err))
		return
	}

	log := h.logger.WithSessionID(sessionID)
	cw := &consumerConn{conn: conn, logger: log}
	cw.writeJSON(map[string]any{"event": "connected", "session_id": sessionID})

	ch := make(chan *bus.Event, consumerBufferSize)
	sub := h.bus.Subscribe(func(event *bus.Event) {
		select {
		case ch <- event:
		default:
			log.Warn("dropping event for slow consumer", zap.String("event_type", event.Type))
		}
	}, sessionID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.readLoop(cw, sessionID, log)
	}()

	for {
		select {
		case <-done:
			sub.Unsubscribe()
			_ = conn.Close()
			return
		case event := <-ch:
			if frame := consumerFrame(event); frame != nil {
				cw.writeJSON(frame)
			}
		}
	}
}

// consumerFrame translates a bus event into the consumer-facing frame shape.
// Returns nil for events the consumer has no frame for.
func consumerFrame(event *bus.Event) map[string]any {
	switch event.Type {
	case events.SessionMessage:
		data := event.Data["message"]
		if raw, ok := data.(json.RawMessage); ok {
			if msg, err := agent.ParseMessage(raw); err == nil && msg.IsInit() {
				return map[string]any{"event": "system_init", "data": data}
			}
		}
		return map[string]any{"event": "assistant", "data": data}
	case events.StreamEvent:
		return map[string]any{"event": "stream_event", "data": event.Data["message"]}
	case events.SessionResult:
		return map[string]any{"event": "result", "data": event.Data["message"]}
	case events.SessionStatus:
		return map[string]any{"event": "session_status", "status": event.Data["status"]}
	case events.SessionClosed:
		return map[string]any{"event": "session_status", "status": string(store.StatusClosed)}
	case events.SessionError:
		return map[string]any{"event": "error", "message": event.Data["message"]}
	default:
		// session.created fires before any consumer can attach.
		return nil
	}
}

// readLoop processes consumer commands until the socket closes. Command
// failures are reported as error frames; the connection stays open.
func (h *ConsumerWSHandlers) readLoop(cw *consumerConn, sessionID string, log *logger.Logger) {
	for {
		_, data, err := cw.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("consumer connection read error", zap.Error(err))
			}
			return
		}

		var cmd consumerCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			cw.writeError("invalid command payload")
			continue
		}

		ctx := context.Background()
		switch cmd.Action {
		case "message":
			if err := h.manager.SendMessage(ctx, sessionID, cmd.Content); err != nil {
				cw.writeError(errorMessage(err))
			}
		case "interrupt":
			if err := h.manager.Interrupt(ctx, sessionID); err != nil {
				cw.writeError(errorMessage(err))
			}
		default:
			cw.writeError("unknown action: " + cmd.Action)
		}
	}
}

// consumerConn serializes writes from the event pump and the read loop.
type consumerConn struct {
	conn   *websocket.Conn
	logger *logger.Logger
	mu     sync.Mutex
}

func (cw *consumerConn) writeJSON(v any) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	_ = cw.conn.SetWriteDeadline(time.Now().Add(consumerWriteWait))
	if err := cw.conn.WriteJSON(v); err != nil {
		cw.logger.Debug("consumer write failed", zap.Error(err))
	}
}

func (cw *consumerConn) writeError(message string) {
	cw.writeJSON(map[string]any{
		"event":   "error",
		"message": message,
	})
}

func errorMessage(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}
