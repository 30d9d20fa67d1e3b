// Package statuswatch is the connection-status watcher registry and
// boundary-trigger aggregation: each registered watcher is invoked at
// most once per status transition that crosses its configured boundary,
// and one-off watchers deregister after firing or on timer expiry.
package statuswatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Boundary selects the aggregation policy for a watcher.
type Boundary int

const (
	// Any fires on the 0-connected <-> some-connected edge.
	Any Boundary = iota
	// All fires on the all-connected <-> not-all-connected edge.
	All
)

// Event is the string passed to a watcher's callback.
type Event string

const (
	EventConnected    Event = "connected"
	EventDisconnected Event = "disconnected"
	EventFailed       Event = "failed"
	EventTimeout      Event = "timeout"
)

// Callback receives status-change notifications for a registered watcher.
type Callback func(Event)

// Options configures one watcher registration.
type Options struct {
	Boundary Boundary
	// Brokers restricts aggregation to these identities; nil/empty means
	// "all currently configured brokers".
	Brokers []string
	// OneOff, when > 0, makes the watcher fire at most once: on the first
	// qualifying transition, or on timeout (whichever comes first), after
	// which it is automatically unregistered.
	OneOff time.Duration
}

type watcher struct {
	id      string
	opts    Options
	cb      Callback
	timer   *time.Timer
	mu      sync.Mutex
	fired   bool
	removed bool
}

// Hub owns the set of registered watchers and fires them as broker status
// transitions are reported to it.
type Hub struct {
	mu       sync.Mutex
	watchers map[string]*watcher
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{watchers: make(map[string]*watcher)}
}

// Register adds a watcher and returns its id. If opts.OneOff > 0 and no
// qualifying transition arrives within that duration, the watcher fires
// EventTimeout and is removed.
func (h *Hub) Register(opts Options, cb Callback) string {
	id := uuid.NewString()
	w := &watcher{id: id, opts: opts, cb: cb}

	h.mu.Lock()
	h.watchers[id] = w
	h.mu.Unlock()

	if opts.OneOff > 0 {
		w.timer = time.AfterFunc(opts.OneOff, func() {
			if h.fireOnce(w, EventTimeout) {
				h.Unregister(id)
			}
		})
	}
	return id
}

// Unregister removes a watcher. Safe to call more than once.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	w, ok := h.watchers[id]
	if ok {
		delete(h.watchers, id)
	}
	h.mu.Unlock()
	if ok && w.timer != nil {
		w.timer.Stop()
	}
}

// Notify reports that broker's connectedness changed from before to after
// within the aggregate. all is every currently configured broker identity;
// failed is the set currently in the failed state. Each registered watcher
// whose filter matches broker (or is unfiltered) is evaluated against its
// own boundary policy over the relevant subset.
func (h *Hub) Notify(broker string, before, after map[string]bool, failed map[string]bool, all []string) {
	h.mu.Lock()
	snapshot := make([]*watcher, 0, len(h.watchers))
	for _, w := range h.watchers {
		snapshot = append(snapshot, w)
	}
	h.mu.Unlock()

	for _, w := range snapshot {
		if !matches(w.opts.Brokers, broker) {
			continue
		}
		relevant := w.opts.Brokers
		if len(relevant) == 0 {
			relevant = all
		}

		beforeN, afterN, failedN := 0, 0, 0
		for _, id := range relevant {
			if before[id] {
				beforeN++
			}
			if after[id] {
				afterN++
			}
			if failed[id] {
				failedN++
			}
		}
		n := len(relevant)

		var event Event
		switch {
		case n > 0 && failedN == n:
			event = EventFailed
		case w.opts.Boundary == Any && beforeN == 0 && afterN > 0:
			event = EventConnected
		case w.opts.Boundary == Any && beforeN > 0 && afterN == 0:
			event = EventDisconnected
		case w.opts.Boundary == All && beforeN < n && afterN == n:
			event = EventConnected
		case w.opts.Boundary == All && beforeN == n && afterN < n:
			event = EventDisconnected
		default:
			continue
		}

		fired := h.fireOnce(w, event)
		if fired && w.opts.OneOff > 0 {
			h.Unregister(w.id)
		}
	}
}

// fireOnce invokes w's callback, returning true the first time it is
// called for a one-off watcher (subsequent calls are no-ops); non-one-off
// watchers always fire and this returns true for symmetry with the
// one-off unregister check above.
func (h *Hub) fireOnce(w *watcher, event Event) bool {
	w.mu.Lock()
	if w.opts.OneOff > 0 && w.fired {
		w.mu.Unlock()
		return false
	}
	w.fired = true
	w.mu.Unlock()

	if w.cb != nil {
		w.cb(event)
	}
	return true
}

func matches(filter []string, broker string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == broker {
			return true
		}
	}
	return false
}
