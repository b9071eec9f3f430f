// Package events implements the typed event stream that connects the
// director hub (C3) and caster session (C4) to an external shell adapter,
// per spec.md §6 / §9's "emitted events" surface. It is the Go analogue of
// the original Tauri app's mpsc event channels
// (original_source/crates/kanpe-server and kanpe-client).
package events

import "sync"

// Kind names one of the emitted-event tags from spec.md §6.
type Kind string

const (
	ServerStarted          Kind = "server_started"
	ServerStopped          Kind = "server_stopped"
	ClientConnected        Kind = "client_connected"
	ClientDisconnected     Kind = "client_disconnected"
	FeedbackReceived       Kind = "feedback_received"
	MonitorAdded           Kind = "monitor_added"
	MonitorRemoved         Kind = "monitor_removed"
	MonitorUpdated         Kind = "monitor_updated"
	ConnectionEstablished  Kind = "connection_established"
	ConnectionLost         Kind = "connection_lost"
	ServerWelcomeReceived  Kind = "server_welcome_received"
	KanpeMessageReceived   Kind = "kanpe_message_received"
	FlashReceived          Kind = "flash_received"
	ClearReceived          Kind = "clear_received"
	MonitorListReceived    Kind = "monitor_list_received"
)

// Event pairs a kind with its payload (the relevant entity, or {reason}
// for connection losses — any struct, the shell adapter decides how to
// render it).
type Event struct {
	Kind    Kind
	Payload interface{}
}

// subscriberBuffer bounds how many events a slow shell adapter can fall
// behind by before the bus starts dropping newly published events for it.
// Nothing in spec.md constrains shell event delivery, so this is a
// best-effort buffered channel rather than the hub outbox's strict
// drop-oldest ring.
const subscriberBuffer = 128

// Bus is a fan-out publish/subscribe broadcaster. The zero value is not
// usable; construct with New.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// New returns an empty event bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener and returns its channel along with
// an unsubscribe function the caller must invoke when done.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish fans an event out to every current subscriber. A subscriber
// whose buffer is full has the event dropped for it; others are
// unaffected, mirroring the hub's per-subscriber isolation principle.
func (b *Bus) Publish(kind Kind, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := Event{Kind: kind, Payload: payload}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
