package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/conduithq/conduit/internal/common/logger"
	"github.com/conduithq/conduit/internal/events/bus"
)

// sseBufferSize bounds the per-subscriber queue; events beyond it are
// dropped for that subscriber rather than blocking the bus.
const sseBufferSize = 64

// EventHandlers streams bus events to HTTP consumers over SSE.
type EventHandlers struct {
	bus    *bus.EventBus
	logger *logger.Logger
}

func NewEventHandlers(eventBus *bus.EventBus, log *logger.Logger) *EventHandlers {
	return &EventHandlers{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "event-handlers")),
	}
}

func (h *EventHandlers) Register(router *gin.Engine) {
	router.GET("/api/v1/events", h.streamEvents)
}

// streamEvents serves an SSE stream of bus events, optionally filtered by
// the session_id query parameter.
func (h *EventHandlers) streamEvents(c *gin.Context) {
	sessionID := c.Query("session_id")

	ch := make(chan *bus.Event, sseBufferSize)
	sub := h.bus.Subscribe(func(event *bus.Event) {
		select {
		case ch <- event:
		default:
			h.logger.Warn("dropping event for slow SSE subscriber",
				zap.String("event_type", event.Type))
		}
	}, sessionID)
	defer sub.Unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case event := <-ch:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to serialize event", zap.Error(err))
				return true
			}
			c.SSEvent(event.Type, string(data))
			return true
		}
	})
}
