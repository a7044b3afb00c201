// Package serverstate tracks whether the wallet host accepts new sessions.
package serverstate

import (
	"sync"
	"time"
)

// Host status values.
const (
	StatusNotReady = "not_ready"
	StatusReady    = "ready"
	StatusDraining = "draining"
	StatusUnknown  = "unknown"
)

// State holds the host status and draining flag. All fields are updated
// together so callers always observe a consistent snapshot.
type State struct {
	Status   string    `json:"status"`
	Draining bool      `json:"draining"`
	Since    time.Time `json:"since"`
}

// Store defines how the state is persisted.
type Store interface {
	Load() State
	Store(State)
}

type memoryStore struct {
	mu sync.RWMutex
	st State
}

// NewMemoryStore returns a process-local Store initialized to not_ready.
func NewMemoryStore() Store {
	return &memoryStore{st: State{Status: StatusNotReady, Since: time.Now()}}
}

func (m *memoryStore) Load() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st
}

func (m *memoryStore) Store(s State) {
	m.mu.Lock()
	m.st = s
	m.mu.Unlock()
}

// Tracker applies status transitions to a Store.
type Tracker struct {
	mu    sync.Mutex
	store Store
}

// New returns a tracker over store; a nil store uses memory.
func New(store Store) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{store: store}
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() State { return t.store.Load() }

// Status returns the current status string.
func (t *Tracker) Status() string { return t.store.Load().Status }

// SetReady marks the host ready unless it is draining.
func (t *Tracker) SetReady() {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.store.Load()
	if st.Draining {
		return
	}
	t.store.Store(State{Status: StatusReady, Since: time.Now()})
}

// StartDrain marks the host as draining. It reports false if it already was.
func (t *Tracker) StartDrain() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.store.Load()
	if st.Draining {
		return false
	}
	t.store.Store(State{Status: StatusDraining, Draining: true, Since: time.Now()})
	return true
}

// IsDraining reports whether the host is draining.
func (t *Tracker) IsDraining() bool { return t.store.Load().Draining }

// Accepting reports whether new sessions may be admitted.
func (t *Tracker) Accepting() bool {
	st := t.store.Load()
	return st.Status == StatusReady && !st.Draining
}
