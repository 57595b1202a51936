package kdbview

import (
	"sync"
)

// Event names a notification published by a view session.
type Event string

const (
	EventChunkData Event = "chunk-data"
	EventViewData  Event = "view-data"
	EventData      Event = "data"
	EventViewError Event = "view-error"
	EventError     Event = "error"
	EventResult    Event = "result"
	EventMoreData  Event = "more-data"
	EventCompleted Event = "completed"
)

// Payload is what handlers receive. Page and View are set for data
// events, Err for error events.
type Payload struct {
	Page *Page
	View *ResultView
	Err  error
}

// Handler reacts to one event.
type Handler func(Payload)

// Relay is a synchronous publish/subscribe bus scoped to one session.
// Handlers run on the goroutine that triggers the event, in registration
// order. A handler must not trigger the event it is handling.
type Relay struct {
	mu       sync.Mutex
	handlers map[Event][]Handler
}

// NewRelay returns an empty relay.
func NewRelay() *Relay {
	return &Relay{handlers: make(map[Event][]Handler)}
}

// On registers h for e.
func (r *Relay) On(e Event, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[e] = append(r.handlers[e], h)
}

// Trigger runs every handler registered for e.
func (r *Relay) Trigger(e Event, p Payload) {
	r.mu.Lock()
	handlers := make([]Handler, len(r.handlers[e]))
	copy(handlers, r.handlers[e])
	r.mu.Unlock()

	for _, h := range handlers {
		h(p)
	}
}

// Count returns how many handlers listen for e.
func (r *Relay) Count(e Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[e])
}
