// Package events is a small in-process publish/subscribe emitter with
// typed event kinds. Components announce lifecycle changes here instead
// of calling into each other; the UI collaborator subscribes to the
// same stream.
package events

import (
	"sync"
	"time"
)

// Kind names a category of event.
type Kind string

const (
	// KindConnectionState fires on every connection lifecycle change.
	// Payload: conn.StateChange.
	KindConnectionState Kind = "conn.state"
	// KindMessageAdded fires when a message is durably added to the
	// local log. Payload: chat.Message.
	KindMessageAdded Kind = "message.added"
	// KindQueueStatus fires when the outbound queue's pending or failed
	// counts change. Payload: queue.Status.
	KindQueueStatus Kind = "queue.status"
	// KindSyncWarning fires for surfaced sync problems the user should
	// see, such as an unrecoverable gap. Payload: string.
	KindSyncWarning Kind = "sync.warning"
)

// Event is a single published occurrence.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

type subscription struct {
	kind Kind
	ch   chan Event
}

// Emitter fans events out to subscribers. Publishing never blocks; a
// subscriber that falls behind loses events rather than stalling the
// sync engine.
type Emitter struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

// New creates an empty emitter.
func New() *Emitter {
	return &Emitter{subs: make(map[int]*subscription)}
}

// Publish delivers the event to every subscriber of its kind.
func (e *Emitter) Publish(kind Kind, payload any) {
	evt := Event{Kind: kind, Timestamp: time.Now(), Payload: payload}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, sub := range e.subs {
		if sub.kind != "" && sub.kind != kind {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Subscriber full, drop.
		}
	}
}

// Subscribe returns a channel receiving events of the given kind (or
// all kinds when kind is empty) and an unsubscribe function.
func (e *Emitter) Subscribe(kind Kind, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)

	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = &subscription{kind: kind, ch: ch}
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}
