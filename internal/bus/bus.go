// Package bus provides a per-session event bus (pub/sub pattern) used by
// background watchdogs to react to browser lifecycle events without blocking
// the publisher. A Bus is an explicit instance threaded through constructors;
// its lifecycle is tied to the owning session, never process-wide.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/roelfdiedericks/webclaw/internal/logging"
)

// Event represents a notification broadcast to subscribers
type Event struct {
	Topic     string    // Event topic: "target.navigated", "target.crashed", etc.
	Data      any       // Optional payload data
	Timestamp time.Time // When the event was published
}

// Handler processes an event (no return value - fire and forget).
// Handlers for the same topic run sequentially in publish order; handlers
// for different topics may run concurrently. A handler must not call
// WaitUntilIdle on its own bus: it is itself part of what is being waited on.
type Handler func(Event)

// SubscriptionID uniquely identifies a subscription
type SubscriptionID uint64

// subscription holds a single event handler
type subscription struct {
	id      SubscriptionID
	topic   string
	handler Handler
}

// delivery is one (event, handler) pair queued on a topic worker
type delivery struct {
	event Event
	sub   subscription
}

// topicWorker serializes handler execution for one topic
type topicWorker struct {
	queue chan delivery
	done  chan struct{}
}

// Bus is an in-process publish/subscribe facility with idle tracking.
// Not reusable after Stop; create a new instance instead.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]subscription
	workers map[string]*topicWorker
	nextID  uint64
	stopped bool

	// pending counts queued or in-flight deliveries; idle means zero
	pending int64
}

// New creates an empty bus
func New() *Bus {
	return &Bus{
		subs:    make(map[string][]subscription),
		workers: make(map[string]*topicWorker),
	}
}

// Subscribe registers a handler for an event topic.
// Returns a SubscriptionID that can be used to unsubscribe.
func (b *Bus) Subscribe(topic string, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		L_warn("bus: subscribe on stopped bus ignored", "topic", topic)
		return 0
	}

	id := SubscriptionID(atomic.AddUint64(&b.nextID, 1))
	b.subs[topic] = append(b.subs[topic], subscription{id: id, topic: topic, handler: handler})

	L_debug("bus: subscribed", "topic", topic, "subscriptionID", id)
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
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				if len(b.subs[topic]) == 0 {
					delete(b.subs, topic)
				}
				L_debug("bus: unsubscribed", "topic", topic, "subscriptionID", id)
				return true
			}
		}
	}
	return false
}

// Publish broadcasts an event to all subscribers of the topic.
// Delivery is asynchronous; order is FIFO within a topic.
func (b *Bus) Publish(topic string, data any) {
	event := Event{
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		L_debug("bus: publish on stopped bus dropped", "topic", topic)
		return
	}

	subs := b.subs[topic]
	if len(subs) == 0 {
		b.mu.Unlock()
		L_debug("bus: published (no subscribers)", "topic", topic)
		return
	}

	// Count deliveries before queueing so WaitUntilIdle can never observe
	// a window where a queued event is invisible.
	atomic.AddInt64(&b.pending, int64(len(subs)))

	worker := b.workers[topic]
	if worker == nil {
		worker = &topicWorker{
			queue: make(chan delivery, 256),
			done:  make(chan struct{}),
		}
		b.workers[topic] = worker
		go worker.run(b)
	}

	subsCopy := make([]subscription, len(subs))
	copy(subsCopy, subs)
	b.mu.Unlock()

	L_debug("bus: published", "topic", topic, "subscribers", len(subsCopy))

	for _, sub := range subsCopy {
		worker.queue <- delivery{event: event, sub: sub}
	}
}

// run drains the topic queue, executing handlers one at a time
func (w *topicWorker) run(b *Bus) {
	for {
		select {
		case d := <-w.queue:
			b.invoke(d)
		case <-w.done:
			// Drain whatever was queued before shutdown so pending reaches zero
			for {
				select {
				case d := <-w.queue:
					b.invoke(d)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) invoke(d delivery) {
	defer atomic.AddInt64(&b.pending, -1)
	defer func() {
		if r := recover(); r != nil {
			L_error("bus: handler panic", "topic", d.event.Topic, "subscriptionID", d.sub.id, "panic", r)
		}
	}()
	d.sub.handler(d.event)
}

// Pending returns the number of deliveries queued or in flight
func (b *Bus) Pending() int {
	return int(atomic.LoadInt64(&b.pending))
}

// WaitUntilIdle blocks until no published event has an unfinished handler,
// including events published by handlers themselves. On timeout it returns
// the count of deliveries still pending and ok=false so the caller can log
// diagnostics instead of hanging.
func (b *Bus) WaitUntilIdle(timeout time.Duration) (pending int, ok bool) {
	deadline := time.Now().Add(timeout)
	for {
		n := atomic.LoadInt64(&b.pending)
		if n == 0 {
			return 0, true
		}
		if time.Now().After(deadline) {
			return int(n), false
		}
		time.Sleep(time.Millisecond)
	}
}

// Stop shuts the bus down. With clear=true it first waits (bounded by
// timeout) for idle, then detaches all subscriptions and topic workers.
// A stopped bus drops further publishes and subscribes; it is not reusable.
func (b *Bus) Stop(clear bool, timeout time.Duration) {
	if clear {
		if pending, ok := b.WaitUntilIdle(timeout); !ok {
			L_warn("bus: stop timed out waiting for idle", "pending", pending)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.stopped = true

	for topic, worker := range b.workers {
		close(worker.done)
		delete(b.workers, topic)
	}
	for topic := range b.subs {
		delete(b.subs, topic)
	}

	L_debug("bus: stopped")
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

// Subscribers returns the number of subscribers for a topic
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs[topic])
}
