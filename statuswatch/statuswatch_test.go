package statuswatch

import (
	"sync"
	"testing"
	"time"
)

func TestHub_AnyBoundary_FiresOnZeroToOneTransition(t *testing.T) {
	h := NewHub()
	var mu sync.Mutex
	var events []Event
	h.Register(Options{Boundary: Any}, func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	all := []string{"b0", "b1"}
	// b0 connects: before={} after={b0}
	h.Notify("b0", map[string]bool{}, map[string]bool{"b0": true}, nil, all)
	// b1 connects too: before={b0} after={b0,b1} -- no boundary crossing
	h.Notify("b1", map[string]bool{"b0": true}, map[string]bool{"b0": true, "b1": true}, nil, all)
	// both drop: before={b0,b1} after={} crosses to zero
	h.Notify("b0", map[string]bool{"b0": true, "b1": true}, map[string]bool{}, nil, all)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != EventConnected || events[1] != EventDisconnected {
		t.Fatalf("got %v", events)
	}
}

func TestHub_AllBoundary_FiresOnFullToPartialTransition(t *testing.T) {
	h := NewHub()
	var mu sync.Mutex
	var events []Event
	h.Register(Options{Boundary: All}, func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	all := []string{"b0", "b1"}
	// both connect: before={b0} after={b0,b1} -> all connected now
	h.Notify("b1", map[string]bool{"b0": true}, map[string]bool{"b0": true, "b1": true}, nil, all)
	// one drops: before={b0,b1} after={b0} -> n-to-n-1
	h.Notify("b1", map[string]bool{"b0": true, "b1": true}, map[string]bool{"b0": true}, nil, all)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != EventConnected || events[1] != EventDisconnected {
		t.Fatalf("got %v", events)
	}
}

func TestHub_FailedFiresWhenAllRelevantFailed(t *testing.T) {
	h := NewHub()
	var got Event
	h.Register(Options{Boundary: Any, Brokers: []string{"b0"}}, func(e Event) { got = e })

	h.Notify("b0", map[string]bool{"b0": true}, map[string]bool{}, map[string]bool{"b0": true}, []string{"b0", "b1"})
	if got != EventFailed {
		t.Fatalf("got %v, want failed", got)
	}
}

func TestHub_FilterExcludesUnrelatedBroker(t *testing.T) {
	h := NewHub()
	fired := false
	h.Register(Options{Boundary: Any, Brokers: []string{"b0"}}, func(e Event) { fired = true })

	h.Notify("b1", map[string]bool{}, map[string]bool{"b1": true}, nil, []string{"b0", "b1"})
	if fired {
		t.Fatal("watcher filtered to b0 should not fire for b1")
	}
}

func TestHub_OneOff_FiresAtMostOnceThenUnregisters(t *testing.T) {
	h := NewHub()
	var mu sync.Mutex
	count := 0
	h.Register(Options{Boundary: Any, OneOff: time.Hour}, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	all := []string{"b0"}
	h.Notify("b0", map[string]bool{}, map[string]bool{"b0": true}, nil, all)
	// A later transition must not fire the already-fired one-off watcher.
	h.Notify("b0", map[string]bool{"b0": true}, map[string]bool{}, nil, all)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("want fired once, got %d", count)
	}
}

func TestHub_OneOff_TimesOut(t *testing.T) {
	h := NewHub()
	done := make(chan Event, 1)
	h.Register(Options{Boundary: Any, OneOff: 10 * time.Millisecond}, func(e Event) {
		done <- e
	})

	select {
	case e := <-done:
		if e != EventTimeout {
			t.Fatalf("got %v, want timeout", e)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("watcher never timed out")
	}
}

func TestHub_Unregister(t *testing.T) {
	h := NewHub()
	fired := false
	id := h.Register(Options{Boundary: Any}, func(e Event) { fired = true })
	h.Unregister(id)
	h.Notify("b0", map[string]bool{}, map[string]bool{"b0": true}, nil, []string{"b0"})
	if fired {
		t.Fatal("unregistered watcher should not fire")
	}
	// Unregistering twice is a no-op.
	h.Unregister(id)
}
