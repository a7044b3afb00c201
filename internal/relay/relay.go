// Package relay forwards bridge payloads between the page bus and the host
// channel. It owns only the envelope; payloads pass through untouched.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gaspardpetit/walletbridge/internal/channel"
	"github.com/gaspardpetit/walletbridge/internal/logx"
	"github.com/gaspardpetit/walletbridge/internal/metrics"
	"github.com/gaspardpetit/walletbridge/internal/pagebus"
	"github.com/gaspardpetit/walletbridge/internal/reconnect"
	"github.com/gaspardpetit/walletbridge/internal/wire"
)

var errChannelClosed = errors.New("host channel closed")

// Config controls a relay.
type Config struct {
	// Channel is the page bus channel id; defaults to wire.DefaultChannel.
	Channel string
	// Hello is sent when opening the host link. Hello.Port defaults to
	// wire.DefaultPortName.
	Hello wire.Hello
	// Limiter throttles page to host traffic. Nil means unlimited.
	Limiter *rate.Limiter
}

// Relay is the pass-through hop between one page bus and the host.
type Relay struct {
	bus       *pagebus.Bus
	transport channel.Transport
	cfg       Config
	log       zerolog.Logger
	up        atomic.Bool
}

// New creates a relay for bus that reaches the host through t.
func New(bus *pagebus.Bus, t channel.Transport, cfg Config) *Relay {
	if cfg.Channel == "" {
		cfg.Channel = wire.DefaultChannel
	}
	if cfg.Hello.Port == "" {
		cfg.Hello.Port = wire.DefaultPortName
	}
	return &Relay{
		bus:       bus,
		transport: t,
		cfg:       cfg,
		log:       logx.Component("relay").With().Str("bus", bus.Name()).Logger(),
	}
}

// Connected reports whether a host channel is currently open.
func (r *Relay) Connected() bool { return r.up.Load() }

// Start opens one channel to the host and returns its handle.
func (r *Relay) Start(ctx context.Context) *channel.Conn {
	return channel.Connect(ctx, r.transport, r.cfg.Hello, r.Handlers(ctx))
}

// Run keeps the relay connected until ctx ends. Without reconnect it returns
// once the first channel closes.
func (r *Relay) Run(ctx context.Context, shouldReconnect bool) error {
	return reconnect.Run(ctx, shouldReconnect, nil, func(ctx context.Context) (bool, error) {
		conn := r.Start(ctx)
		select {
		case <-conn.Done():
		case <-ctx.Done():
			conn.Disconnect()
			<-conn.Done()
			return false, ctx.Err()
		}
		progressed := conn.ID() != ""
		if err := ctx.Err(); err != nil {
			return progressed, err
		}
		if err := conn.Err(); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn().Err(err).Msg("host channel ended")
			return progressed, err
		}
		return progressed, errChannelClosed
	})
}

// Handlers returns the channel handlers implementing the relay.
func (r *Relay) Handlers(ctx context.Context) channel.Handlers {
	return channel.Handlers{
		OnMessage: r.fromHost,
		OnConnect: func(port channel.Port) func() { return r.connected(ctx, port) },
	}
}

func (r *Relay) fromHost(payload json.RawMessage) {
	if wire.IsLegacy(payload) {
		r.log.Debug().Msg("drop legacy payload")
		metrics.RecordDropped("relay", "legacy")
		return
	}
	env := wire.Envelope{Channel: r.cfg.Channel, Direction: wire.HostToInpage, Payload: payload}
	if err := r.bus.PostMessage(env); err != nil {
		r.log.Warn().Err(err).Msg("page bus rejected host message")
		return
	}
	metrics.RecordForwarded(string(wire.HostToInpage))
}

func (r *Relay) connected(ctx context.Context, port channel.Port) func() {
	off := r.bus.AddListener(func(ev pagebus.Event) {
		if ev.Source != r.bus {
			r.log.Debug().Msg("drop foreign source")
			metrics.RecordDropped("relay", "foreign_source")
			return
		}
		if ev.Data.Direction != wire.InpageToHost {
			return
		}
		if ev.Data.Channel != r.cfg.Channel {
			r.log.Debug().Str("channel", ev.Data.Channel).Msg("drop foreign channel")
			metrics.RecordDropped("relay", "foreign_channel")
			return
		}
		if r.cfg.Limiter != nil && !r.cfg.Limiter.Allow() {
			r.log.Warn().Msg("rate limit exceeded; dropping page message")
			metrics.RecordDropped("relay", "rate_limited")
			r.reject(ev.Data.Payload, "rate limited")
			return
		}
		if err := port.PostMessage(ctx, ev.Data.Payload); err != nil {
			r.log.Warn().Err(err).Msg("forward to host")
			return
		}
		metrics.RecordForwarded(string(wire.InpageToHost))
	})
	r.up.Store(true)
	if err := r.bus.Dispatch(pagebus.SignalBridgeConnect); err != nil {
		r.log.Warn().Err(err).Msg("dispatch connect signal")
	}
	r.log.Info().Str("port", port.Name()).Msg("connected to wallet host")
	return func() {
		off()
		r.up.Store(false)
		r.log.Error().Msg("connection to the wallet host was lost; reload the page to re-establish it")
		if err := r.bus.Dispatch(pagebus.SignalBridgeDisconnect); err != nil {
			r.log.Debug().Err(err).Msg("dispatch disconnect signal")
		}
	}
}

// reject answers a dropped page request with an error so the caller does
// not wait for its timeout. Anything without an id and method is ignored.
func (r *Relay) reject(payload json.RawMessage, reason string) {
	var req struct {
		ID     wire.ID `json:"id"`
		Method string  `json:"method"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" || req.Method == "" {
		return
	}
	reply, err := wire.Encode(wire.Message{ID: req.ID, Error: &wire.ErrorPayload{Message: reason, Code: wire.CodeInternal}})
	if err != nil {
		return
	}
	env := wire.Envelope{Channel: r.cfg.Channel, Direction: wire.HostToInpage, Payload: reply}
	if err := r.bus.PostMessage(env); err != nil {
		r.log.Debug().Err(err).Msg("post rate limit rejection")
	}
}
