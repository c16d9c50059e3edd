package engine

import (
	"sync"
	"time"

	"github.com/gc3pie/gridrun/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// StateChange is one lifecycle transition of a managed task, as observed by
// the engine when the task settled into a new bucket.
type StateChange struct {
	TaskID string      `json:"task_id"`
	State  model.State `json:"state"`
	At     time.Time   `json:"at"`
}

// EventBroker fans task state-change events out to subscribers, one topic
// per task. It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a task terminates) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, which is acceptable for the
// expected task volume.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan StateChange
	nextID int
	closed bool
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel that receives state-change events for the
// given task and an unsubscribe function. If the task has already finished
// (Close was called), the returned channel is immediately closed.
func (b *EventBroker) Subscribe(taskID string) (<-chan StateChange, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan StateChange)}
		b.topics[taskID] = t
	}

	ch := make(chan StateChange, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a state change to all subscribers of the given task. Events
// are dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(taskID string, state model.State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok || t.closed {
		return
	}

	ev := StateChange{TaskID: taskID, State: state, At: time.Now().UTC()}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop the event for slow subscribers to avoid blocking the round.
		}
	}
}

// Close signals that no more events will be published for the given task.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *EventBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[taskID] = &eventTopic{subs: make(map[int]chan StateChange), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
