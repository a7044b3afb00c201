package pagebus

import "sync"

// Registry hands out one Bus per page name. A bus is created on first
// Acquire and closed when its last holder releases it.
type Registry struct {
	queueSize int

	mu    sync.Mutex
	buses map[string]*entry
}

type entry struct {
	bus  *Bus
	refs int
}

// NewRegistry returns an empty registry whose buses use queueSize.
func NewRegistry(queueSize int) *Registry {
	return &Registry{queueSize: queueSize, buses: make(map[string]*entry)}
}

// Acquire returns the bus for name and a release function. Release is
// idempotent.
func (r *Registry) Acquire(name string) (*Bus, func()) {
	r.mu.Lock()
	e := r.buses[name]
	if e == nil {
		e = &entry{bus: New(name, r.queueSize)}
		r.buses[name] = e
	}
	e.refs++
	r.mu.Unlock()

	var once sync.Once
	return e.bus, func() {
		once.Do(func() { r.release(name, e) })
	}
}

func (r *Registry) release(name string, e *entry) {
	r.mu.Lock()
	e.refs--
	last := e.refs == 0
	if last && r.buses[name] == e {
		delete(r.buses, name)
	}
	r.mu.Unlock()
	if last {
		e.bus.Close()
	}
}

// Len reports the number of live buses.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buses)
}
