package api

import (
	"sync"

	"github.com/seantiz/taskworker/internal/events"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// allTaskTypes is the topic that receives every event.
const allTaskTypes = ""

// EventBroker fans lifecycle events out to SSE subscribers. Subscribers pick
// a single task type or all of them. It is safe for concurrent use.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
	closed bool
}

type eventTopic struct {
	subs   map[int]chan events.Record
	nextID int
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Listener returns an event listener that publishes into the broker.
func (b *EventBroker) Listener() *events.Listener {
	return events.ForAll("sse", func(e events.Event) error {
		b.Publish(events.NewRecord(e))
		return nil
	})
}

// Subscribe returns a channel receiving events for taskType (empty for all
// task types) and an unsubscribe function. If the broker has been closed the
// returned channel is already closed.
func (b *EventBroker) Subscribe(taskType string) (<-chan events.Record, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan events.Record, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	t, ok := b.topics[taskType]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan events.Record)}
		b.topics[taskType] = t
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// Publish sends rec to subscribers of its task type and of all task types.
// Records are dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(rec events.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.send(b.topics[rec.TaskType], rec)
	if rec.TaskType != allTaskTypes {
		b.send(b.topics[allTaskTypes], rec)
	}
}

func (b *EventBroker) send(t *eventTopic, rec events.Record) {
	if t == nil {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- rec:
		default:
			// Drop for slow subscribers to avoid blocking task execution.
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (b *EventBroker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.topics {
		n += len(t.subs)
	}
	return n
}

// Close ends every subscription. Later Subscribe calls return a closed
// channel.
func (b *EventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, t := range b.topics {
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
	}
}
