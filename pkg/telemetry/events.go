package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/netintent/netintent/pkg/orchestrator"
)

// Event is a lifecycle notification fanned out to in-process subscribers.
// Events are hints: subscribers that fall behind miss them and should
// re-read the run store.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// RunID is the run the event is about.
	RunID string `json:"run_id"`

	// From and State are set for transitions.
	From  orchestrator.RunState `json:"from,omitempty"`
	State orchestrator.RunState `json:"state,omitempty"`

	// Phase and LastEventID are set for appended execution events.
	Phase       orchestrator.Phase `json:"phase,omitempty"`
	LastEventID int64              `json:"last_event_id,omitempty"`
	Count       int                `json:"count,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message,omitempty"`
}

// Event types.
const (
	EventTypeRunTransition  = "run.transition"
	EventTypeEventsAppended = "run.events"
)

// EventFilter determines if an event is delivered to a subscriber.
type EventFilter func(event Event) bool

// FilterByRunID selects the events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// EventPublisher fans lifecycle events out to subscribers without blocking publishers.
type EventPublisher struct {
	buffer    chan Event
	subBuffer int

	mu          sync.RWMutex
	subscribers map[*subscription]struct{}
	closed      bool

	done chan struct{}
}

type subscription struct {
	ch     chan Event
	filter EventFilter
}

// NewEventPublisher creates a publisher and starts its dispatch loop.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	subBuffer := cfg.SubscriberBuffer
	if subBuffer <= 0 {
		subBuffer = 64
	}

	ep := &EventPublisher{
		buffer:      make(chan Event, bufferSize),
		subBuffer:   subBuffer,
		subscribers: make(map[*subscription]struct{}),
		done:        make(chan struct{}),
	}
	go ep.dispatch()
	return ep
}

// Publish queues an event. It reports false if the event was dropped.
func (ep *EventPublisher) Publish(event Event) bool {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return false
	}
	select {
	case ep.buffer <- event:
		return true
	default:
		return false
	}
}

// Subscribe registers a subscriber. The returned channel is closed when cancel
// is called or the publisher shuts down.
func (ep *EventPublisher) Subscribe(filter EventFilter) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, ep.subBuffer), filter: filter}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	ep.subscribers[sub] = struct{}{}
	ep.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			ep.mu.Lock()
			defer ep.mu.Unlock()
			if _, ok := ep.subscribers[sub]; ok {
				delete(ep.subscribers, sub)
				close(sub.ch)
			}
		})
	}
}

func (ep *EventPublisher) dispatch() {
	defer close(ep.done)
	for event := range ep.buffer {
		ep.deliver(event)
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for sub := range ep.subscribers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber; it re-reads the store on the next event.
		}
	}
}

// Shutdown stops accepting events, delivers what is buffered and closes all subscriptions.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	close(ep.buffer)
	ep.mu.Unlock()

	select {
	case <-ep.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	for sub := range ep.subscribers {
		delete(ep.subscribers, sub)
		close(sub.ch)
	}
	return nil
}
