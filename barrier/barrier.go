// Package barrier fires a callback exactly once, either when a required
// count of completions has been reached or when an optional timeout
// elapses, whichever comes first. Used by habroker's fan-out unsubscribe.
package barrier

import (
	"sync"
	"time"
)

// Barrier fires Callback at most once.
type Barrier struct {
	mu        sync.Mutex
	remaining int
	fired     bool
	callback  func()
	timer     *time.Timer
}

// New constructs a Barrier requiring count completions, optionally bounded
// by timeout (0 disables the timeout). count <= 0 fires the callback
// immediately, before New returns (there is nothing to wait for).
func New(count int, timeout time.Duration, callback func()) *Barrier {
	b := &Barrier{remaining: count, callback: callback}
	if count <= 0 {
		b.fire()
		return b
	}
	if timeout > 0 {
		b.timer = time.AfterFunc(timeout, b.fire)
	}
	return b
}

// CompletedOne decrements the remaining count and fires the callback if it
// reaches zero.
func (b *Barrier) CompletedOne() {
	b.mu.Lock()
	if b.fired {
		b.mu.Unlock()
		return
	}
	b.remaining--
	done := b.remaining <= 0
	b.mu.Unlock()
	if done {
		b.fire()
	}
}

func (b *Barrier) fire() {
	b.mu.Lock()
	if b.fired {
		b.mu.Unlock()
		return
	}
	b.fired = true
	if b.timer != nil {
		b.timer.Stop()
	}
	cb := b.callback
	b.mu.Unlock()
	if cb != nil {
		cb()
	}
}
