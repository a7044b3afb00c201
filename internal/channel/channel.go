// Package channel implements the named bidirectional message channel between
// a relay and its host. A Conn owns exactly one link and one reader goroutine
// for it.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/walletbridge/internal/logx"
	"github.com/gaspardpetit/walletbridge/internal/metrics"
	"github.com/gaspardpetit/walletbridge/internal/wire"
)

// ErrChannelUnavailable is returned when posting on a channel that is not
// connected.
var ErrChannelUnavailable = errors.New("channel unavailable")

// Port is the sending half of a connected channel.
type Port interface {
	Name() string
	PostMessage(ctx context.Context, payload json.RawMessage) error
}

// Handlers receive channel traffic and lifecycle. OnConnect runs once the
// link is established; the function it returns runs exactly once when the
// link is torn down.
type Handlers struct {
	OnMessage func(payload json.RawMessage)
	OnConnect func(port Port) func()
}

// Conn is one side of a named channel.
type Conn struct {
	name string
	h    Handlers
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	link    Link
	id      string
	cleanup func()
	closed  bool
	err     error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

func newConn(ctx context.Context, name string, h Handlers) *Conn {
	ctx, cancel := context.WithCancel(ctx)
	return &Conn{
		name:   name,
		h:      h,
		log:    logx.Component("channel").With().Str("port", name).Logger(),
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Connect opens a channel named hello.Port over t. It returns immediately;
// the link is opened and the hello exchanged in the background. When the
// peer cannot be reached no handler is ever invoked and Done is closed.
func Connect(ctx context.Context, t Transport, hello wire.Hello, h Handlers) *Conn {
	c := newConn(ctx, hello.Port, h)
	go c.dial(t, hello)
	return c
}

// Attach wraps a link whose hello was already accepted by Handshake.
func Attach(ctx context.Context, link Link, name, id string, h Handlers) *Conn {
	c := newConn(ctx, name, h)
	c.start(link, id)
	return c
}

func (c *Conn) dial(t Transport, hello wire.Hello) {
	link, err := t.Open(c.ctx)
	if err != nil {
		c.log.Debug().Err(err).Msg("peer unreachable")
		c.fail(err)
		return
	}
	ack, err := clientHandshake(c.ctx, link, hello)
	if err != nil {
		_ = link.Close()
		c.log.Debug().Err(err).Msg("handshake failed")
		c.fail(err)
		return
	}
	c.start(link, ack.ID)
}

func (c *Conn) start(link Link, id string) {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = link.Close()
		c.fail(c.ctx.Err())
		return
	}
	c.link = link
	c.id = id
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
	c.log.Debug().Str("id", id).Msg("channel connected")

	var cleanup func()
	if c.h.OnConnect != nil {
		cleanup = c.h.OnConnect(c)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if cleanup != nil {
			cleanup()
		}
		return
	}
	c.cleanup = cleanup
	c.mu.Unlock()
	go c.readLoop(link)
}

func (c *Conn) readLoop(link Link) {
	for {
		data, err := link.Recv(c.ctx)
		if err != nil {
			c.teardown(err)
			return
		}
		var f wire.PortFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Debug().Err(err).Msg("drop malformed frame")
			metrics.RecordDropped("channel", "malformed_frame")
			continue
		}
		if f.Port != c.name {
			c.log.Debug().Str("frame_port", f.Port).Msg("drop foreign frame")
			metrics.RecordDropped("channel", "foreign_port")
			continue
		}
		if c.h.OnMessage != nil {
			c.h.OnMessage(f.Payload)
		}
	}
}

func (c *Conn) fail(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		c.readyOnce.Do(func() { close(c.ready) })
		close(c.done)
	})
}

func (c *Conn) teardown(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		link := c.link
		cleanup := c.cleanup
		c.cleanup = nil
		c.closed = true
		c.link = nil
		c.err = err
		c.mu.Unlock()
		c.cancel()
		if link != nil {
			_ = link.Close()
		}
		c.log.Debug().Err(err).Msg("channel closed")
		if cleanup != nil {
			cleanup()
		}
		close(c.done)
	})
}

// Name returns the channel name.
func (c *Conn) Name() string { return c.name }

// ID returns the session id assigned by the host, or "" before connecting.
func (c *Conn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// PostMessage sends payload to the peer.
func (c *Conn) PostMessage(ctx context.Context, payload json.RawMessage) error {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		return ErrChannelUnavailable
	}
	b, err := json.Marshal(wire.PortFrame{Port: c.name, Payload: payload})
	if err != nil {
		return err
	}
	if err := link.Send(ctx, b); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return nil
}

// Connected reports whether the link is up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Ready is closed once the channel connected or failed to.
func (c *Conn) Ready() <-chan struct{} { return c.ready }

// Done is closed after the channel is torn down or failed to connect.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the channel closed, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Disconnect tears the channel down. It is safe to call more than once.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	connected := c.link != nil
	c.mu.Unlock()
	if connected {
		c.teardown(context.Canceled)
		return
	}
	c.cancel()
}
