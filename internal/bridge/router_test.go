package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduithq/conduit/internal/events"
	"github.com/conduithq/conduit/internal/events/bus"
	"github.com/conduithq/conduit/pkg/agent"
)

func parse(t *testing.T, raw string) *agent.Message {
	t.Helper()
	msg, err := agent.ParseMessage([]byte(raw))
	require.NoError(t, err)
	return msg
}

func routerFixture(t *testing.T) (*Router, *bus.EventBus, *[]*bus.Event) {
	t.Helper()
	log := testLogger(t)
	eventBus := bus.NewEventBus(log)
	var emitted []*bus.Event
	eventBus.Subscribe(func(e *bus.Event) {
		emitted = append(emitted, e)
	}, "")
	return NewRouter(eventBus, log), eventBus, &emitted
}

func TestDispatchSystemInit(t *testing.T) {
	r, _, emitted := routerFixture(t)

	var initSession string
	r.Dispatch("sess-1", parse(t, `{"type":"system","subtype":"init","session_id":"agent-abc","model":"m1"}`), Callbacks{
		OnSystemInit: func(sessionID string, msg *agent.Message) {
			initSession = sessionID
			assert.Equal(t, "agent-abc", msg.SessionID)
		},
	})

	assert.Equal(t, "sess-1", initSession)
	require.Len(t, *emitted, 1)
	assert.Equal(t, events.SessionMessage, (*emitted)[0].Type)
	assert.Equal(t, "sess-1", (*emitted)[0].SessionID)
}

func TestDispatchAssistant(t *testing.T) {
	r, _, emitted := routerFixture(t)

	called := false
	r.Dispatch("sess-1", parse(t, `{"type":"assistant","message":{"role":"assistant","content":"hi"}}`), Callbacks{
		OnAssistant: func(sessionID string, msg *agent.Message) { called = true },
	})

	assert.True(t, called)
	require.Len(t, *emitted, 1)
	assert.Equal(t, events.SessionMessage, (*emitted)[0].Type)
}

func TestDispatchStreamEventAndToolProgress(t *testing.T) {
	r, _, emitted := routerFixture(t)

	count := 0
	cb := Callbacks{OnStreamEvent: func(sessionID string, msg *agent.Message) { count++ }}
	r.Dispatch("sess-1", parse(t, `{"type":"stream_event"}`), cb)
	r.Dispatch("sess-1", parse(t, `{"type":"tool_progress"}`), cb)

	assert.Equal(t, 2, count)
	require.Len(t, *emitted, 2)
	assert.Equal(t, events.StreamEvent, (*emitted)[0].Type)
	assert.Equal(t, events.StreamEvent, (*emitted)[1].Type)
}

func TestDispatchResult(t *testing.T) {
	r, _, emitted := routerFixture(t)

	var got *agent.Message
	r.Dispatch("sess-1", parse(t, `{"type":"result","subtype":"success","total_cost_usd":0.42,"usage":{"input_tokens":10,"output_tokens":20}}`), Callbacks{
		OnResult: func(sessionID string, msg *agent.Message) { got = msg },
	})

	require.NotNil(t, got)
	assert.Equal(t, 0.42, got.TotalCostUSD)
	require.NotNil(t, got.Usage)
	assert.Equal(t, int64(10), got.Usage.InputTokens)
	require.Len(t, *emitted, 1)
	assert.Equal(t, events.SessionResult, (*emitted)[0].Type)
}

func TestDispatchPermissionRequest(t *testing.T) {
	r, _, emitted := routerFixture(t)

	var gotRequestID, gotTool string
	var gotInput map[string]any
	r.Dispatch("sess-1", parse(t, `{"type":"control_request","request_id":"req-7","request":{"subtype":"can_use_tool","tool_name":"Bash","tool_input":{"command":"ls"}}}`), Callbacks{
		OnPermissionRequest: func(sessionID, requestID, toolName string, toolInput map[string]any) {
			gotRequestID = requestID
			gotTool = toolName
			gotInput = toolInput
		},
	})

	assert.Equal(t, "req-7", gotRequestID)
	assert.Equal(t, "Bash", gotTool)
	assert.Equal(t, "ls", gotInput["command"])
	// Permission requests are answered on the bridge, not broadcast.
	assert.Empty(t, *emitted)
}

func TestDispatchControlInit(t *testing.T) {
	r, _, emitted := routerFixture(t)

	called := false
	r.Dispatch("sess-1", parse(t, `{"type":"control_request","request_id":"req-1","request":{"subtype":"init"}}`), Callbacks{
		OnSystemInit: func(sessionID string, msg *agent.Message) { called = true },
	})

	assert.True(t, called)
	require.Len(t, *emitted, 1)
	assert.Equal(t, events.SessionMessage, (*emitted)[0].Type)
}

func TestDispatchKeepAliveIsSilent(t *testing.T) {
	r, _, emitted := routerFixture(t)
	r.Dispatch("sess-1", parse(t, `{"type":"keep_alive"}`), Callbacks{})
	assert.Empty(t, *emitted)
}

func TestDispatchUnknownTypeForwardsAsSessionMessage(t *testing.T) {
	r, _, emitted := routerFixture(t)
	r.Dispatch("sess-1", parse(t, `{"type":"mystery","payload":42}`), Callbacks{})
	require.Len(t, *emitted, 1)
	assert.Equal(t, events.SessionMessage, (*emitted)[0].Type)
}

func TestDispatchOrderPreserved(t *testing.T) {
	r, _, emitted := routerFixture(t)
	cb := Callbacks{}
	r.Dispatch("sess-1", parse(t, `{"type":"assistant"}`), cb)
	r.Dispatch("sess-1", parse(t, `{"type":"stream_event"}`), cb)
	r.Dispatch("sess-1", parse(t, `{"type":"result"}`), cb)

	require.Len(t, *emitted, 3)
	assert.Equal(t, events.SessionMessage, (*emitted)[0].Type)
	assert.Equal(t, events.StreamEvent, (*emitted)[1].Type)
	assert.Equal(t, events.SessionResult, (*emitted)[2].Type)
}
