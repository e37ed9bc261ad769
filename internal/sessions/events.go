package sessions

import "sync"

// EventKind identifies a session lifecycle change.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventPatched EventKind = "patched"
	EventDeleted EventKind = "deleted"
)

// Event is a lightweight session lifecycle notification for external
// subscribers (connected UIs, bridges).
type Event struct {
	Kind       EventKind `json:"kind"`
	SessionKey string    `json:"sessionKey"`
}

const eventBufferSize = 64

// EventBus fans session lifecycle events out to any number of subscribers.
// Delivery is best-effort: a subscriber whose buffer is full misses the
// event, and there is no replay for subscribers that were offline.
type EventBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan Event)}
}

// Publish sends the event to all current subscribers and returns the number
// that received it.
func (b *EventBus) Publish(event Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- event:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release the subscription.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, eventBufferSize)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}
