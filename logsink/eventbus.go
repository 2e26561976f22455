package logsink

import (
	"sync"

	"github.com/ralph-tui/ralph/core"
)

// Bus is an in-memory, synchronous fan-out of core.Event to subscribed
// listeners, plus a bounded ring buffer of recent events so a late
// subscriber (e.g. a reconnecting remote viewer) can catch up. Publish
// calls listeners inline and in subscription order — listeners must not
// block and a panicking listener is isolated so it cannot take down the
// publisher.
type Bus struct {
	mu        sync.RWMutex
	listeners map[int]core.EventListener
	nextID    int
	recent    []core.Event
	capacity  int
}

// NewBus creates a Bus that retains up to capacity recent events for
// replay via Recent. capacity <= 0 disables replay.
func NewBus(capacity int) *Bus {
	return &Bus{
		listeners: make(map[int]core.EventListener),
		capacity:  capacity,
	}
}

// Subscribe registers listener and returns an unsubscribe function. Per
// spec §4.2, listeners are stored by handle rather than index so
// unsubscribing one never shifts another's identity.
func (b *Bus) Subscribe(listener core.EventListener) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = listener
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Publish delivers event to every current subscriber, in a stable order,
// and appends it to the replay buffer.
func (b *Bus) Publish(event core.Event) {
	b.mu.Lock()
	if b.capacity > 0 {
		b.recent = append(b.recent, event)
		if len(b.recent) > b.capacity {
			b.recent = b.recent[len(b.recent)-b.capacity:]
		}
	}
	listeners := make([]core.EventListener, 0, len(b.listeners))
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sortInts(ids)
	for _, id := range ids {
		listeners = append(listeners, b.listeners[id])
	}
	b.mu.Unlock()

	for _, l := range listeners {
		callListener(l, event)
	}
}

// callListener invokes l and recovers from any panic so that one faulty
// subscriber cannot abort the engine's control loop.
func callListener(l core.EventListener, event core.Event) {
	defer func() {
		if r := recover(); r != nil {
			ErrorLog.Printf("event listener panicked on %s: %v", event.Type, r)
		}
	}()
	l(event)
}

// Recent returns a copy of the last N buffered events, oldest first.
func (b *Bus) Recent() []core.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]core.Event, len(b.recent))
	copy(out, b.recent)
	return out
}

// sortInts is a tiny insertion sort — the listener set is always small
// (single digits), so avoiding a sort.Ints import keeps this file
// dependency-free for the hot publish path.
func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}
