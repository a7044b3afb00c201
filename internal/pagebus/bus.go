// Package pagebus is the page-local message primitive shared by the relay
// and the in-page bridge. Delivery is asynchronous and serial: every bus runs
// one dispatcher goroutine, so listeners never run concurrently with each
// other.
package pagebus

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/walletbridge/internal/logx"
	"github.com/gaspardpetit/walletbridge/internal/metrics"
	"github.com/gaspardpetit/walletbridge/internal/wire"
)

// Signal is a named, payload-free page notification.
type Signal string

const (
	// SignalBridgeConnect fires when the relay establishes its channel.
	SignalBridgeConnect Signal = "walletbridge_bridge_connect"
	// SignalBridgeDisconnect fires when the relay loses its channel.
	SignalBridgeDisconnect Signal = "walletbridge_bridge_disconnect"
)

var (
	// ErrClosed is returned when posting to a closed bus.
	ErrClosed = errors.New("page bus closed")
	// ErrBackpressure indicates the bus queue is full.
	ErrBackpressure = errors.New("page bus backpressure")
)

// DefaultQueueSize bounds the number of undelivered items per bus.
const DefaultQueueSize = 1024

// Event is a message as seen by bus listeners. Source identifies the bus
// that posted it; listeners must ignore events whose Source is not their own
// bus.
type Event struct {
	Source *Bus
	Data   wire.Envelope
}

type item struct {
	ev  Event
	sig Signal
}

type listener struct {
	id int
	fn func(Event)
}

type signalListener struct {
	id  int
	sig Signal
	fn  func()
}

// Bus is a single page's message primitive.
type Bus struct {
	name  string
	queue chan item
	done  chan struct{}
	once  sync.Once
	log   zerolog.Logger

	mu        sync.Mutex
	nextID    int
	listeners []listener
	signals   []signalListener
}

// New starts a bus with the given queue size.
func New(name string, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	b := &Bus{
		name:  name,
		queue: make(chan item, queueSize),
		done:  make(chan struct{}),
		log:   logx.Component("pagebus").With().Str("bus", name).Logger(),
	}
	go b.loop()
	return b
}

// Name returns the bus name.
func (b *Bus) Name() string { return b.name }

// PostMessage queues data for delivery with this bus as the source.
func (b *Bus) PostMessage(data wire.Envelope) error {
	return b.Deliver(Event{Source: b, Data: data})
}

// Deliver queues an event as-is. Events posted by other scripts or frames
// arrive through Deliver with a foreign Source.
func (b *Bus) Deliver(ev Event) error {
	return b.enqueue(item{ev: ev})
}

// Dispatch queues a signal. Signals are ordered with messages.
func (b *Bus) Dispatch(sig Signal) error {
	return b.enqueue(item{sig: sig})
}

func (b *Bus) enqueue(it item) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.queue <- it:
		return nil
	case <-b.done:
		return ErrClosed
	default:
		metrics.RecordDropped("pagebus", "backpressure")
		return ErrBackpressure
	}
}

// AddListener registers fn for every message event. The returned function
// removes it and is safe to call more than once.
func (b *Bus) AddListener(fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener{id: id, fn: fn})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, l := range b.listeners {
			if l.id == id {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// OnSignal registers fn for sig. The returned function removes it.
func (b *Bus) OnSignal(sig Signal, fn func()) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.signals = append(b.signals, signalListener{id: id, sig: sig, fn: fn})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, l := range b.signals {
			if l.id == id {
				b.signals = append(b.signals[:i:i], b.signals[i+1:]...)
				return
			}
		}
	}
}

// ListenerCount reports the number of registered message listeners.
func (b *Bus) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Close stops delivery. Queued items are discarded.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.done)
		b.mu.Lock()
		b.listeners = nil
		b.signals = nil
		b.mu.Unlock()
	})
}

// Done is closed once the bus is closed.
func (b *Bus) Done() <-chan struct{} { return b.done }

func (b *Bus) loop() {
	for {
		select {
		case it := <-b.queue:
			b.deliver(it)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) deliver(it item) {
	b.mu.Lock()
	if it.sig != "" {
		fns := make([]func(), 0, len(b.signals))
		for _, l := range b.signals {
			if l.sig == it.sig {
				fns = append(fns, l.fn)
			}
		}
		b.mu.Unlock()
		b.log.Debug().Str("signal", string(it.sig)).Int("listeners", len(fns)).Msg("signal")
		for _, fn := range fns {
			fn()
		}
		return
	}
	fns := make([]func(Event), 0, len(b.listeners))
	for _, l := range b.listeners {
		fns = append(fns, l.fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(it.ev)
	}
}
