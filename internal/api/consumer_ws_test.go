package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/conduithq/conduit/internal/events"
	"github.com/conduithq/conduit/internal/events/bus"
)

func messageEvent(t *testing.T, eventType, raw string) *bus.Event {
	t.Helper()
	return bus.NewEvent(eventType, "s1", map[string]any{
		"message": json.RawMessage(raw),
	})
}

func TestConsumerFrameSystemInit(t *testing.T) {
	frame := consumerFrame(messageEvent(t, events.SessionMessage, `{"type":"system","subtype":"init","session_id":"agent-1"}`))
	assert.Equal(t, "system_init", frame["event"])
}

func TestConsumerFrameAssistant(t *testing.T) {
	frame := consumerFrame(messageEvent(t, events.SessionMessage, `{"type":"assistant","message":{"content":"hi"}}`))
	assert.Equal(t, "assistant", frame["event"])
}

func TestConsumerFrameStreamAndResult(t *testing.T) {
	stream := consumerFrame(messageEvent(t, events.StreamEvent, `{"type":"stream_event"}`))
	assert.Equal(t, "stream_event", stream["event"])

	result := consumerFrame(messageEvent(t, events.SessionResult, `{"type":"result","total_cost_usd":0.01}`))
	assert.Equal(t, "result", result["event"])
}

func TestConsumerFrameLifecycle(t *testing.T) {
	status := consumerFrame(bus.NewEvent(events.SessionStatus, "s1", map[string]any{"status": "active"}))
	assert.Equal(t, "session_status", status["event"])
	assert.Equal(t, "active", status["status"])

	closed := consumerFrame(bus.NewEvent(events.SessionClosed, "s1", nil))
	assert.Equal(t, "session_status", closed["event"])
	assert.Equal(t, "closed", closed["status"])

	errFrame := consumerFrame(bus.NewEvent(events.SessionError, "s1", map[string]any{
		"reason":  "unexpected_exit",
		"message": "exit status 1",
	}))
	assert.Equal(t, "error", errFrame["event"])
	assert.Equal(t, "exit status 1", errFrame["message"])
}

func TestConsumerFrameSkipsCreated(t *testing.T) {
	assert.Nil(t, consumerFrame(bus.NewEvent(events.SessionCreated, "s1", nil)))
}
