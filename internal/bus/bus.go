// Package bus fans bridge events (status changes, approval prompts, lifecycle
// state) out to in-process listeners such as the /events websocket hub.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscription queue length used by Subscribe.
const DefaultBufferSize = 64

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives the events whose topic starts with its prefix.
type Subscription struct {
	prefix  string
	ch      chan Event
	dropped atomic.Uint64
}

func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped counts events discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus is an in-process pub/sub bus with topic prefix matching. Subscribers
// are offered each event in the order they subscribed. A nil *Bus accepts
// publishes and drops them.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	closed bool
}

func New() *Bus {
	return &Bus{}
}

// Subscribe is SubscribeBuffered with DefaultBufferSize.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeBuffered(topicPrefix, DefaultBufferSize)
}

// SubscribeBuffered creates a subscription for topics starting with
// topicPrefix. An empty prefix matches everything. Publish never waits on a
// subscriber: once size events are queued, later ones are dropped and
// counted. Subscribing to a closed bus returns an already-closed
// subscription.
func (b *Bus) SubscribeBuffered(topicPrefix string, size int) *Subscription {
	if size <= 0 {
		size = DefaultBufferSize
	}
	sub := &Subscription{prefix: topicPrefix, ch: make(chan Event, size)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Unsubscribe removes sub and closes its channel. Unknown or already removed
// subscriptions are ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish offers the event to every matching subscriber and returns how many
// accepted it.
func (b *Bus) Publish(topic string, payload any) int {
	if b == nil {
		return 0
	}
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
			delivered++
		default:
			sub.dropped.Add(1)
		}
	}
	return delivered
}

// Close closes every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
