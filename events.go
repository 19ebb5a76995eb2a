package bizadmin

import "sync"

// ============================================================================
// Event Emitter
// ============================================================================

// Events emitted on Client.Events().
const (
	EventMutationPending    = "mutation.pending"
	EventMutationCommitted  = "mutation.committed"
	EventMutationRolledBack = "mutation.rolled_back"
	EventMutationSettled    = "mutation.settled"
	EventCacheInvalidated   = "cache.invalidated"
	EventRealtimeState      = "realtime.state"
	EventRealtimeMessage    = "realtime.message"
	EventTableReloaded      = "table.reloaded"

	// EventAll subscribes a handler to every event.
	EventAll = "*"
)

// MutationEvent is the payload of the mutation.* events.
type MutationEvent struct {
	ID    string
	Kind  MutationKind
	State MutationState
	Err   error
}

// InvalidationEvent is the payload of cache.invalidated.
type InvalidationEvent struct {
	// Source is the mutation kind or realtime event type that caused it.
	Source   string
	Prefixes []QueryKey
	Marked   int
}

// TableReloadEvent is the payload of table.reloaded. Err is set when the
// file could not be applied and the previous table stays in use.
type TableReloadEvent struct {
	Path string
	Err  error
}

// EventHandler handles client events.
type EventHandler func(event string, payload any)

type listener struct {
	id int
	h  EventHandler
}

// Emitter fans events out to registered handlers. Panicking handlers are
// isolated from the emitter and from each other.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[string][]listener
	nextID    int
}

func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[string][]listener)}
}

// On registers handler for event (or EventAll) and returns a func that
// removes it.
func (e *Emitter) On(event string, handler EventHandler) (off func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[event] = append(e.listeners[event], listener{id: id, h: handler})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		ls := e.listeners[event]
		for i, l := range ls {
			if l.id == id {
				e.listeners[event] = append(ls[:i:i], ls[i+1:]...)
				return
			}
		}
	}
}

func (e *Emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := make([]listener, 0, len(e.listeners[event])+len(e.listeners[EventAll]))
	handlers = append(handlers, e.listeners[event]...)
	handlers = append(handlers, e.listeners[EventAll]...)
	e.mu.RUnlock()
	for _, l := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			l.h(event, payload)
		}()
	}
}

// RemoveAll drops every handler.
func (e *Emitter) RemoveAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]listener)
}
