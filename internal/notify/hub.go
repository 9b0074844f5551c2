// Package notify delivers in-process change notifications.
//
// The [Hub] is a minimal publish/subscribe fan-out: the sync engine
// publishes an [Event] after each pass that changed data, and interested
// components (UI refresh hooks, cache invalidators) subscribe with a
// handler. Events are not replayed; a subscriber only sees events
// published after it subscribed.
package notify

import (
	"sync"
	"time"

	"github.com/akilhane/studysync/internal/model"
)

// Scopes attached to published events.
const (
	ScopeMigration = "migration"
	ScopeSync      = "sync"
)

// Event describes a completed change to the synchronized data set.
type Event struct {
	// Scope names what produced the change, [ScopeMigration] or
	// [ScopeSync].
	Scope string

	// EntityTypes lists the record types that changed during the pass.
	EntityTypes []model.EntityType

	// OwnerID is the account the change belongs to.
	OwnerID string

	// At is when the change completed.
	At time.Time
}

// Handler receives published events. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(Event)

// Hub fans published events out to all current subscribers.
// The zero value is not usable; use [NewHub].
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]Handler
	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]Handler)}
}

// Subscribe registers fn and returns a function that removes the
// subscription. Unsubscribing twice is harmless.
func (h *Hub) Subscribe(fn Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.subs[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

// Publish delivers ev to every subscriber registered at the time of the
// call. Handlers registered or removed by a running handler take effect
// for the next publish. Publishing on a closed hub is a no-op.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	handlers := make([]Handler, 0, len(h.subs))
	for _, fn := range h.subs {
		handlers = append(handlers, fn)
	}
	h.mu.Unlock()

	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	for _, fn := range handlers {
		fn(ev)
	}
}

// Close drops all subscribers and makes further publishes no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = make(map[int]Handler)
}
