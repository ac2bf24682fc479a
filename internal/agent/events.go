package agent

import (
	"sync"
	"time"
)

// EventType enumerates agent lifecycle events. The set is closed; there
// are no ad-hoc event names.
type EventType int

const (
	EventSyncStarted EventType = iota
	EventSyncCompleted
	EventSyncError
	EventQueueUpdated
	EventOnline
	EventOffline
)

func (t EventType) String() string {
	switch t {
	case EventSyncStarted:
		return "sync_started"
	case EventSyncCompleted:
		return "sync_completed"
	case EventSyncError:
		return "sync_error"
	case EventQueueUpdated:
		return "queue_updated"
	case EventOnline:
		return "online"
	case EventOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Event is one agent notification.
type Event struct {
	Type      EventType
	Err       error
	Synced    int
	Conflicts int
	Pulled    int
	At        time.Time
}

// Events fans agent notifications out to subscribers. Publishing never
// blocks; a subscriber that falls behind loses events.
type Events struct {
	mu   sync.Mutex
	subs []chan Event
}

// NewEvents constructs the event bus.
func NewEvents() *Events {
	return &Events{}
}

// Subscribe returns a buffered channel receiving future events.
func (e *Events) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

// Publish delivers an event to every subscriber.
func (e *Events) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
