package channel

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrLinkClosed is returned by a link after either side closed it.
	ErrLinkClosed = errors.New("link closed")
	// ErrUnreachable is returned by transports that have no peer.
	ErrUnreachable = errors.New("peer unreachable")
)

// Link is an ordered, lossless, bidirectional frame transport between two
// endpoints. Send may be called concurrently; Recv must only be called from
// one goroutine.
type Link interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport opens links to a peer.
type Transport interface {
	Open(ctx context.Context) (Link, error)
}

type pipeState struct {
	done chan struct{}
	once sync.Once
}

func (s *pipeState) close() { s.once.Do(func() { close(s.done) }) }

type pipeLink struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

// Pipe returns the two ends of an in-memory link. Closing either end closes
// both.
func Pipe() (Link, Link) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	st := &pipeState{done: make(chan struct{})}
	return &pipeLink{in: ba, out: ab, state: st}, &pipeLink{in: ab, out: ba, state: st}
}

func (p *pipeLink) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.state.done:
		return ErrLinkClosed
	default:
	}
	select {
	case p.out <- frame:
		return nil
	case <-p.state.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeLink) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.state.done:
		return nil, ErrLinkClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeLink) Close() error {
	p.state.close()
	return nil
}

// PipeTransport opens in-memory links and hands the far end to Accept on
// its own goroutine. A nil Accept behaves like an unreachable peer.
type PipeTransport struct {
	Accept func(Link)
}

func (t PipeTransport) Open(ctx context.Context) (Link, error) {
	if t.Accept == nil {
		return nil, ErrUnreachable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	near, far := Pipe()
	go t.Accept(far)
	return near, nil
}
