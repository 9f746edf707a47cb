package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/conduithq/conduit/internal/common/logger"
)

// EventBus fans events out to in-process subscribers. Subscribers may filter
// by session id; an empty filter receives every event. Delivery is
// synchronous under the bus lock, so a single session's events are observed
// in emission order by every subscriber.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	mirror Mirror
	logger *logger.Logger
	closed bool
}

// memorySubscription is one registered handler with an optional session filter.
type memorySubscription struct {
	bus       *EventBus
	handler   Handler
	sessionID string // empty = all sessions
	active    bool
	mu        sync.Mutex
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewEventBus creates a new in-memory event bus.
func NewEventBus(log *logger.Logger) *EventBus {
	return &EventBus{
		subs:   make(map[*memorySubscription]struct{}),
		logger: log.WithFields(zap.String("component", "event-bus")),
	}
}

// SetMirror installs an external mirror receiving a copy of every event.
func (b *EventBus) SetMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// Subscribe registers a handler. A non-empty sessionID restricts delivery to
// events carrying that session id.
func (b *EventBus) Subscribe(handler Handler, sessionID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memorySubscription{
		bus:       b,
		handler:   handler,
		sessionID: sessionID,
		active:    true,
	}
	b.subs[sub] = struct{}{}

	b.logger.Debug("subscriber registered", zap.String("session_filter", sessionID))
	return sub
}

// Emit delivers the event to every matching subscriber. A panic in one
// handler is logged and does not prevent delivery to the rest.
func (b *EventBus) Emit(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for sub := range b.subs {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		if sub.sessionID != "" && sub.sessionID != event.SessionID {
			continue
		}
		b.deliver(sub, event)
	}

	if b.mirror != nil {
		if err := b.mirror.Publish(event); err != nil {
			b.logger.Warn("event mirror publish failed",
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}

	b.logger.Debug("emitted event",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("session_id", event.SessionID))
}

// deliver invokes one handler, recovering a panic so remaining subscribers
// still see the event.
func (b *EventBus) deliver(sub *memorySubscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", event.Type),
				zap.Any("panic", r))
		}
	}()
	sub.handler(event)
}

// SubscriberCount returns the number of active subscriptions.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Clear drops all subscriptions. Used on shutdown and in tests.
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subs = make(map[*memorySubscription]struct{})
}

// Close clears subscriptions and shuts the bus down.
func (b *EventBus) Close() {
	b.Clear()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.mirror != nil {
		b.mirror.Close()
		b.mirror = nil
	}
	b.logger.Info("event bus closed")
}
