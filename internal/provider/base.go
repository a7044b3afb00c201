// Package provider holds the chain-independent half of a wallet provider:
// connection status, the event map and validated bridge calls.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/walletbridge/internal/events"
	"github.com/gaspardpetit/walletbridge/internal/jsbridge"
	"github.com/gaspardpetit/walletbridge/internal/logx"
	"github.com/gaspardpetit/walletbridge/internal/pagebus"
	"github.com/gaspardpetit/walletbridge/internal/wire"
)

// Base events every provider emits.
const (
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
	EventAccountChanged  = "accountChanged"
	EventMessageLowLevel = "message_low_level"
)

// Status is the provider connection status.
type Status int

const (
	Disconnected Status = iota
	Connected
)

func (s Status) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Requester is the bridge a provider sends through.
type Requester interface {
	Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	On(event string, fn func(wire.Message)) (func(), error)
}

// SignalSource delivers page signals such as bridge_disconnect.
type SignalSource interface {
	OnSignal(sig pagebus.Signal, fn func()) func()
}

// Options configure a Base.
type Options struct {
	// Timeout applies to every bridge request; zero uses the bridge default.
	Timeout time.Duration
	// Events extends the base event set.
	Events []string
	// Table lists the capabilities validated by Call.
	Table Table
	// Name is used in logs.
	Name string
}

// Base is composed into chain providers.
type Base struct {
	bridge Requester
	opts   Options
	log    zerolog.Logger
	events *events.Emitter[any]

	mu     sync.Mutex
	status Status
	offs   []func()
}

// New wires a Base to bridge and, when non-nil, to the page signals.
func New(bridge Requester, signals SignalSource, opts Options) *Base {
	if opts.Name == "" {
		opts.Name = "provider"
	}
	b := &Base{
		bridge: bridge,
		opts:   opts,
		log:    logx.Component("provider").With().Str("provider", opts.Name).Logger(),
		events: events.New[any](EventConnect, EventDisconnect, EventAccountChanged, EventMessageLowLevel),
	}
	b.events.Extend(opts.Events...)
	if off, err := bridge.On(jsbridge.EventConnect, func(wire.Message) { b.setStatus(Connected) }); err == nil {
		b.offs = append(b.offs, off)
	}
	if off, err := bridge.On(jsbridge.EventDisconnect, func(wire.Message) { b.lost() }); err == nil {
		b.offs = append(b.offs, off)
	}
	if off, err := bridge.On(jsbridge.EventMessageLowLevel, func(m wire.Message) { b.events.Emit(EventMessageLowLevel, m) }); err == nil {
		b.offs = append(b.offs, off)
	}
	if signals != nil {
		b.offs = append(b.offs, signals.OnSignal(pagebus.SignalBridgeDisconnect, b.lost))
	}
	return b
}

// Status returns the current connection status.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Table returns the capability table.
func (b *Base) Table() Table { return b.opts.Table }

// On subscribes fn to event. Payloads: nil for connect and disconnect,
// wire.Message for message_low_level, chain-defined for the rest.
func (b *Base) On(event string, fn func(any)) (func(), error) {
	return b.events.On(event, fn)
}

// Emit fans payload out to listeners of event.
func (b *Base) Emit(event string, payload any) { b.events.Emit(event, payload) }

// setStatus moves to s and emits the matching event on a transition.
func (b *Base) setStatus(s Status) bool {
	b.mu.Lock()
	changed := b.status != s
	b.status = s
	b.mu.Unlock()
	if !changed {
		return false
	}
	b.log.Debug().Stringer("status", s).Msg("status changed")
	if s == Connected {
		b.events.Emit(EventConnect, nil)
	} else {
		b.events.Emit(EventDisconnect, nil)
	}
	return true
}

func (b *Base) lost() {
	if b.setStatus(Disconnected) {
		b.events.Emit(EventAccountChanged, nil)
	}
}

// BridgeRequest sends method with the configured timeout. A successful
// response marks the provider connected.
func (b *Base) BridgeRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	out, err := b.bridge.Request(ctx, method, params, b.opts.Timeout)
	if err != nil {
		var remote *jsbridge.RemoteError
		if errors.As(err, &remote) {
			if code, ok := remote.IntCode(); ok && code == wire.CodeMethodNotFound {
				return nil, &MethodNotFoundError{Method: method, Err: remote}
			}
		}
		return nil, err
	}
	b.setStatus(Connected)
	return out, nil
}

// Call validates params against the capability table, sends the request,
// validates the result and decodes it into out when out is non-nil. Methods
// outside the table are sent without validation.
func (b *Base) Call(ctx context.Context, method string, params any, out any) error {
	c, known := b.opts.Table.Lookup(method)
	if known {
		if err := validate(c.Params, params); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidParams, method, err)
		}
	}
	raw, err := b.BridgeRequest(ctx, method, params)
	if err != nil {
		return err
	}
	if known {
		if err := validate(c.Result, raw); err != nil {
			b.log.Warn().Str("method", method).Err(err).Msg("result failed validation")
			return fmt.Errorf("%w: %s: %v", ErrMalformedResult, method, err)
		}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedResult, method, err)
		}
	}
	return nil
}

// Close detaches the provider from its bridge and signal source.
func (b *Base) Close() {
	b.mu.Lock()
	offs := b.offs
	b.offs = nil
	b.mu.Unlock()
	for _, off := range offs {
		off()
	}
}
