// Package events is a small typed emitter over a closed set of event names.
package events

import (
	"fmt"
	"sync"
)

// UnknownEventError is returned when subscribing to a name outside the set.
type UnknownEventError struct{ Name string }

func (e *UnknownEventError) Error() string { return fmt.Sprintf("unknown event %q", e.Name) }

type handler[P any] struct {
	id int
	fn func(P)
}

// Emitter fans payloads of type P out to listeners by event name. Listeners
// run synchronously on the emitting goroutine in registration order.
type Emitter[P any] struct {
	mu       sync.Mutex
	next     int
	allowed  map[string]bool
	handlers map[string][]handler[P]
}

// New returns an emitter accepting the given event names.
func New[P any](names ...string) *Emitter[P] {
	e := &Emitter[P]{allowed: map[string]bool{}, handlers: map[string][]handler[P]{}}
	e.Extend(names...)
	return e
}

// Extend adds event names to the set. Names are never removed.
func (e *Emitter[P]) Extend(names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range names {
		e.allowed[n] = true
	}
}

// Has reports whether name belongs to the set.
func (e *Emitter[P]) Has(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allowed[name]
}

// On registers fn for name and returns a function removing it.
func (e *Emitter[P]) On(name string, fn func(P)) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.allowed[name] {
		return nil, &UnknownEventError{Name: name}
	}
	e.next++
	id := e.next
	e.handlers[name] = append(e.handlers[name], handler[P]{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		hs := e.handlers[name]
		for i, h := range hs {
			if h.id == id {
				e.handlers[name] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}, nil
}

// Emit calls every listener of name with p and reports how many ran.
// Emitting an unknown name is a no-op.
func (e *Emitter[P]) Emit(name string, p P) int {
	e.mu.Lock()
	hs := append([]handler[P](nil), e.handlers[name]...)
	e.mu.Unlock()
	for _, h := range hs {
		h.fn(p)
	}
	return len(hs)
}

// Count returns the number of listeners for name.
func (e *Emitter[P]) Count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[name])
}
