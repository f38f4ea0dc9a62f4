package client

import (
	"sync"
	"time"
)

// EventType identifies a connection lifecycle event.
type EventType string

const (
	EventConnecting      EventType = "connecting"
	EventConnected       EventType = "connected"
	EventAuthenticated   EventType = "authenticated"
	EventAuthFailed      EventType = "auth_failed"
	EventDisconnected    EventType = "disconnected"
	EventReconnecting    EventType = "reconnecting"
	EventReconnectFailed EventType = "reconnect_failed"
	EventError           EventType = "error"
)

// Event is delivered to subscribed handlers. Err is set for auth_failed,
// disconnected, reconnect_failed, and error events; Attempt, MaxAttempts,
// and Delay are set for reconnecting events.
type Event struct {
	Type        EventType
	Err         error
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
}

// eventBus fans events out to subscribers. Handlers run on the emitting
// goroutine and must not block.
type eventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[EventType]map[int]func(Event)
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[EventType]map[int]func(Event))}
}

func (b *eventBus) subscribe(t EventType, fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.subs[t] == nil {
		b.subs[t] = make(map[int]func(Event))
	}
	b.subs[t][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[t], id)
	}
}

func (b *eventBus) emit(ev Event) {
	b.mu.Lock()
	handlers := make([]func(Event), 0, len(b.subs[ev.Type]))
	for _, fn := range b.subs[ev.Type] {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
