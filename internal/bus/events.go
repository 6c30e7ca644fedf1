// Package bus is a small in-process pub/sub used to publish state changes
// without blocking the publisher.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/roelfdiedericks/askbot/internal/logging"
)

// Topics published by askbot
const (
	TopicSessionState   = "session.state"   // Data: supervisor.Snapshot
	TopicCommandHandled = "command.handled" // Data: commands.HandledEvent
)

// Event represents a notification broadcast to subscribers (pub/sub pattern)
type Event struct {
	Topic     string    // Event topic
	Data      any       // Optional payload data
	Timestamp time.Time // When the event was published
	Source    string    // Origin: "supervisor", "router", ...
}

// EventHandler processes an event (no return value - fire and forget)
type EventHandler func(Event)

// SubscriptionID uniquely identifies an event subscription
type SubscriptionID uint64

// subscription holds a single event handler
type subscription struct {
	id      SubscriptionID
	handler EventHandler
}

// Bus routes events from publishers to subscribers
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
	wg     sync.WaitGroup
}

// New creates an empty bus
func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for an event topic.
// Returns a SubscriptionID that can be used to unsubscribe.
func (b *Bus) Subscribe(topic string, handler EventHandler) SubscriptionID {
	id := SubscriptionID(atomic.AddUint64(&b.nextID, 1))

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[topic] = append(b.subs[topic], subscription{
		id:      id,
		handler: handler,
	})

	L_debug("bus: event subscribed", "topic", topic, "subscriptionID", id)
	return id
}

// Unsubscribe removes a subscription by its ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
				if len(b.subs[topic]) == 0 {
					delete(b.subs, topic)
				}
				L_debug("bus: event unsubscribed", "topic", topic, "subscriptionID", id)
				return true
			}
		}
	}
	return false
}

// Publish broadcasts an event to all subscribers of the topic.
// Handlers are called asynchronously in separate goroutines.
func (b *Bus) Publish(topic string, data any) {
	b.PublishWithSource(topic, data, "system")
}

// PublishWithSource broadcasts an event with source information.
func (b *Bus) PublishWithSource(topic string, data any, source string) {
	event := Event{
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
	}

	b.mu.RLock()
	subs := b.subs[topic]
	// copy so handlers run without the lock
	subsCopy := make([]subscription, len(subs))
	copy(subsCopy, subs)
	b.mu.RUnlock()

	if len(subsCopy) == 0 {
		L_trace("bus: event published (no subscribers)", "topic", topic)
		return
	}

	L_trace("bus: event published", "topic", topic, "subscribers", len(subsCopy), "source", source)

	for _, sub := range subsCopy {
		b.wg.Add(1)
		go func(s subscription) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					L_error("bus: event handler panic", "topic", topic, "subscriptionID", s.id, "panic", r)
				}
			}()
			s.handler(event)
		}(sub)
	}
}

// Wait blocks until every handler started so far has returned
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Topics returns all topics with active subscriptions
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.subs))
	for topic := range b.subs {
		topics = append(topics, topic)
	}
	return topics
}

// CountSubscribers returns the number of subscribers for a topic
func (b *Bus) CountSubscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs[topic])
}
