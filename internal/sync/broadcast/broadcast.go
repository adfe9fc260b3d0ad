// Package broadcast fans sync status snapshots out to in-process observers.
package broadcast

import (
	"fmt"
	"sync"

	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/logging"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/models"
)

// Listener receives status snapshots. It runs on the notifying goroutine and
// should return quickly.
type Listener func(models.SyncStatusSnapshot)

// ListenerID identifies a registered listener for removal.
type ListenerID uint64

type entry struct {
	id ListenerID
	fn Listener
}

// Broadcaster delivers snapshots to listeners in registration order. A
// panicking listener is recovered and logged; the remaining listeners still
// receive the snapshot.
//
// Delivery is best effort: under concurrent notifications a listener may see
// an older snapshot after a newer one.
type Broadcaster struct {
	mu        sync.RWMutex
	nextID    ListenerID
	listeners []entry
}

func New() *Broadcaster {
	return &Broadcaster{}
}

// AddListener registers fn and returns its id. A nil fn is ignored and
// yields the zero id.
func (b *Broadcaster) AddListener(fn Listener) ListenerID {
	if fn == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners = append(b.listeners, entry{id: b.nextID, fn: fn})
	return b.nextID
}

// RemoveListener unregisters id. It reports whether the id was registered.
func (b *Broadcaster) RemoveListener(id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.listeners {
		if e.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered listeners.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Notify delivers snapshot to every listener registered when the call began
// and returns how many returned without panicking. Listeners may add or
// remove listeners while being notified.
func (b *Broadcaster) Notify(snapshot models.SyncStatusSnapshot) int {
	b.mu.RLock()
	targets := make([]entry, len(b.listeners))
	copy(targets, b.listeners)
	b.mu.RUnlock()

	delivered := 0
	for _, e := range targets {
		if b.deliver(e, snapshot) {
			delivered++
		}
	}
	return delivered
}

func (b *Broadcaster) deliver(e entry, snapshot models.SyncStatusSnapshot) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Status listener panicked", fmt.Errorf("%v", r), map[string]interface{}{
				"listener_id": uint64(e.id),
			})
			ok = false
		}
	}()
	e.fn(snapshot)
	return true
}
