// Package event provides an edge-triggered, manually reset signal.
//
// An Event starts cleared. Set latches it until Clear is called; every
// goroutine blocked in Wait is released when it is set. Consumers that want
// to observe the next occurrence must Clear it themselves.
package event

import (
	"context"
	"sync"
)

// Event is a manual-reset signal. The zero value is not usable; use New.
type Event struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// New returns a cleared Event.
func New() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set latches the event and releases all waiters. Setting an already set
// event has no effect.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
}

// Clear resets the event so the next Set can be observed.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
}

// IsSet reports whether the event is currently latched.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Done returns a channel that is closed once the event is set. The channel
// belongs to the current occurrence; after Clear a new channel is handed out.
func (e *Event) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Wait blocks until the event is set or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
