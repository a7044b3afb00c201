package jsbridge

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gaspardpetit/walletbridge/internal/wire"
)

type result struct {
	data json.RawMessage
	err  error
}

type pendingEntry struct {
	ch     chan result
	epoch  uint64
	method string
	start  time.Time
}

// pendingTable maps correlation ids to waiting callers. Every entry is
// removed exactly once; whoever removes it owns settlement. Ids carry the
// table's scope so bridges sharing a page bus never collide.
type pendingTable struct {
	scope   string
	mu      sync.Mutex
	next    uint64
	epoch   uint64
	entries map[wire.ID]*pendingEntry
}

func newPendingTable(scope string) *pendingTable {
	return &pendingTable{scope: scope, entries: map[wire.ID]*pendingEntry{}}
}

func (t *pendingTable) add(method string) (wire.ID, *pendingEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := wire.ScopedID(t.scope, t.next)
	e := &pendingEntry{ch: make(chan result, 1), epoch: t.epoch, method: method, start: time.Now()}
	t.entries[id] = e
	return id, e
}

// take removes id and returns its entry.
func (t *pendingTable) take(id wire.ID) (*pendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return e, ok
}

// settle delivers r to id if it is still pending.
func (t *pendingTable) settle(id wire.ID, r result) bool {
	e, ok := t.take(id)
	if ok {
		e.ch <- r
	}
	return ok
}

// failAll starts a new epoch and rejects every entry of the old one.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	old := t.entries
	t.entries = map[wire.ID]*pendingEntry{}
	t.epoch++
	t.mu.Unlock()
	for _, e := range old {
		e.ch <- result{err: err}
	}
	return len(old)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *pendingTable) currentEpoch() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}
