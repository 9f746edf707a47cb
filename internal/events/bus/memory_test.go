package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduithq/conduit/internal/common/logger"
)

func testBus(t *testing.T) *EventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return NewEventBus(log)
}

func TestEmitDeliversToAllSubscribers(t *testing.T) {
	b := testBus(t)

	var got1, got2 []*Event
	b.Subscribe(func(e *Event) { got1 = append(got1, e) }, "")
	b.Subscribe(func(e *Event) { got2 = append(got2, e) }, "")

	b.Emit(NewEvent("session.status", "sess-1", map[string]any{"status": "idle"}))

	require.Len(t, got1, 1)
	require.Len(t, got2, 1)
	assert.Equal(t, "session.status", got1[0].Type)
	assert.Equal(t, "sess-1", got1[0].SessionID)
	assert.Equal(t, "idle", got1[0].Data["status"])
	assert.NotEmpty(t, got1[0].ID)
	assert.False(t, got1[0].Timestamp.IsZero())
}

func TestSubscribeSessionFilter(t *testing.T) {
	b := testBus(t)

	var filtered, all []*Event
	b.Subscribe(func(e *Event) { filtered = append(filtered, e) }, "sess-1")
	b.Subscribe(func(e *Event) { all = append(all, e) }, "")

	b.Emit(NewEvent("session.message", "sess-1", nil))
	b.Emit(NewEvent("session.message", "sess-2", nil))

	assert.Len(t, filtered, 1)
	assert.Equal(t, "sess-1", filtered[0].SessionID)
	assert.Len(t, all, 2)
}

func TestEmitPreservesOrder(t *testing.T) {
	b := testBus(t)

	var order []string
	b.Subscribe(func(e *Event) { order = append(order, e.Type) }, "sess-1")

	b.Emit(NewEvent("first", "sess-1", nil))
	b.Emit(NewEvent("second", "sess-1", nil))
	b.Emit(NewEvent("third", "sess-1", nil))

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := testBus(t)

	var got []*Event
	sub := b.Subscribe(func(e *Event) { got = append(got, e) }, "")
	assert.True(t, sub.IsValid())
	assert.Equal(t, 1, b.SubscriberCount())

	b.Emit(NewEvent("one", "sess-1", nil))
	sub.Unsubscribe()
	b.Emit(NewEvent("two", "sess-1", nil))

	assert.Len(t, got, 1)
	assert.False(t, sub.IsValid())
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestEmitRecoversFromHandlerPanic(t *testing.T) {
	b := testBus(t)

	var delivered int
	b.Subscribe(func(e *Event) { panic("boom") }, "")
	b.Subscribe(func(e *Event) { delivered++ }, "")

	assert.NotPanics(t, func() {
		b.Emit(NewEvent("session.message", "sess-1", nil))
	})
	assert.Equal(t, 1, delivered)
}

func TestEmitAfterCloseIsNoop(t *testing.T) {
	b := testBus(t)

	var got []*Event
	b.Subscribe(func(e *Event) { got = append(got, e) }, "")
	b.Close()
	b.Emit(NewEvent("session.message", "sess-1", nil))

	assert.Empty(t, got)
}

// failingMirror always errors to verify a mirror failure never blocks local delivery.
type failingMirror struct{}

func (failingMirror) Publish(*Event) error { return errors.New("mirror down") }
func (failingMirror) Close()               {}

func TestMirrorFailureDoesNotBlockDelivery(t *testing.T) {
	b := testBus(t)
	b.SetMirror(failingMirror{})

	var got []*Event
	b.Subscribe(func(e *Event) { got = append(got, e) }, "")
	b.Emit(NewEvent("session.message", "sess-1", nil))

	assert.Len(t, got, 1)
}
