// Package connectivity reports whether the collector is reachable and emits
// changes to subscribers.
package connectivity

import (
	"context"
	"fmt"
	"sync"

	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/logging"
)

// Monitor is the connectivity signal consumed by the sync scheduler and the
// producer API.
type Monitor interface {
	IsConnected(ctx context.Context) bool
	// Subscribe registers onChange for connectivity transitions and returns
	// a function that removes it.
	Subscribe(onChange func(isConnected bool)) (unsubscribe func())
}

// subscribers is the ordered callback list shared by the monitors.
type subscribers struct {
	mu     sync.Mutex
	nextID int
	fns    []subscriber
}

type subscriber struct {
	id int
	fn func(bool)
}

func (s *subscribers) add(fn func(bool)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.fns = append(s.fns, subscriber{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.fns {
				if sub.id == id {
					s.fns = append(s.fns[:i:i], s.fns[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *subscribers) emit(connected bool) {
	s.mu.Lock()
	targets := make([]subscriber, len(s.fns))
	copy(targets, s.fns)
	s.mu.Unlock()

	for _, sub := range targets {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("Connectivity subscriber panicked", fmt.Errorf("%v", r))
				}
			}()
			sub.fn(connected)
		}()
	}
}

func (s *subscribers) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

// Manual is a Monitor whose state is pushed by the host, e.g. the mobile
// bridge forwarding the platform's network callback.
type Manual struct {
	mu        sync.RWMutex
	connected bool
	subs      subscribers
}

func NewManual(connected bool) *Manual {
	return &Manual{connected: connected}
}

func (m *Manual) IsConnected(context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *Manual) Subscribe(onChange func(bool)) func() {
	return m.subs.add(onChange)
}

// Set records the new state and notifies subscribers when it changed.
func (m *Manual) Set(connected bool) {
	m.mu.Lock()
	changed := m.connected != connected
	m.connected = connected
	m.mu.Unlock()

	if changed {
		logging.Info("Connectivity changed", map[string]interface{}{"connected": connected})
		m.subs.emit(connected)
	}
}
