// Package jsbridge correlates bridge requests with their responses, routes
// peer events and serves peer requests. One Bridge sits at each end of the
// relay: the in-page bridge speaks over the page bus, the host bridge over a
// channel connection.
package jsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/walletbridge/internal/events"
	"github.com/gaspardpetit/walletbridge/internal/logx"
	"github.com/gaspardpetit/walletbridge/internal/metrics"
	"github.com/gaspardpetit/walletbridge/internal/wire"
)

// Bridge events.
const (
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
	EventMessageLowLevel = "message_low_level"
)

// DefaultTimeout applies when neither the call nor the config sets one.
const DefaultTimeout = 10 * time.Minute

// Handler serves requests sent by the peer. The returned value is marshalled
// as the result; a json.RawMessage is sent as-is.
type Handler interface {
	ServeBridge(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (any, error)

func (f HandlerFunc) ServeBridge(ctx context.Context, method string, params json.RawMessage) (any, error) {
	return f(ctx, method, params)
}

// Config controls a Bridge.
type Config struct {
	// Channel is the page bus channel id for the in-page binding.
	Channel string
	// Timeout is the default per-request timeout.
	Timeout time.Duration
	// Handler serves peer requests. Nil answers method-not-found.
	Handler Handler
	// Peer describes the remote end for handlers.
	Peer Peer
}

type sender func(ctx context.Context, payload json.RawMessage) error

// Bridge is one end of the request/response protocol.
type Bridge struct {
	id   string
	side string
	cfg  Config
	log  zerolog.Logger

	pending *pendingTable
	events  *events.Emitter[wire.Message]

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	send      sender
	connected bool
	closed    bool
	onClose   []func()
}

func newBridge(side string, cfg Config, connected bool) *Bridge {
	if cfg.Channel == "" {
		cfg.Channel = wire.DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		id:        id,
		side:      side,
		cfg:       cfg,
		log:       logx.Component("jsbridge").With().Str("side", side).Str("bridge_id", id).Logger(),
		pending:   newPendingTable(id),
		events:    events.New[wire.Message](EventConnect, EventDisconnect, EventMessageLowLevel),
		ctx:       ctx,
		cancel:    cancel,
		connected: connected,
	}
}

// ID returns the bridge instance id.
func (b *Bridge) ID() string { return b.id }

// Connected reports whether requests can currently be sent.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected && b.send != nil
}

// Pending returns the number of outstanding requests.
func (b *Bridge) Pending() int { return b.pending.len() }

// Epoch returns the connection epoch; it increases on every connection loss.
func (b *Bridge) Epoch() uint64 { return b.pending.currentEpoch() }

// On subscribes to a bridge event. Connect and disconnect carry a zero
// Message; message_low_level carries the peer event.
func (b *Bridge) On(event string, fn func(wire.Message)) (func(), error) {
	return b.events.On(event, fn)
}

// Emit fans msg out to listeners of event.
func (b *Bridge) Emit(event string, msg wire.Message) { b.events.Emit(event, msg) }

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// Request sends method to the peer and waits for its response. A
// non-positive timeout uses the configured default.
func (b *Bridge) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	if timeout <= 0 {
		timeout = b.cfg.Timeout
	}
	// Added under mu so connectionLost cannot miss the entry.
	b.mu.Lock()
	send, connected := b.send, b.connected
	if !connected || send == nil {
		b.mu.Unlock()
		if !connected {
			return nil, ErrNotConnected
		}
		return nil, ErrChannelUnavailable
	}
	id, entry := b.pending.add(method)
	b.mu.Unlock()
	metrics.PendingInc(b.side)
	defer metrics.PendingDec(b.side)
	log := b.log.With().Str("method", method).Str("id", string(id)).Logger()

	payload, err := wire.Encode(wire.Message{ID: id, Method: method, Params: raw})
	if err != nil {
		b.pending.take(id)
		return nil, err
	}
	if err := send(ctx, payload); err != nil {
		b.pending.take(id)
		metrics.RecordRequest(b.side, method, "unavailable", time.Since(entry.start))
		return nil, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	log.Debug().Msg("request sent")

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var res result
	select {
	case res = <-entry.ch:
	case <-timer.C:
		if _, ok := b.pending.take(id); ok {
			log.Warn().Dur("after", timeout).Msg("request timed out")
			metrics.RecordRequest(b.side, method, "timeout", time.Since(entry.start))
			return nil, &TimeoutError{Method: method, ID: id, After: timeout}
		}
		res = <-entry.ch
	case <-ctx.Done():
		if _, ok := b.pending.take(id); ok {
			metrics.RecordRequest(b.side, method, "canceled", time.Since(entry.start))
			return nil, ctx.Err()
		}
		res = <-entry.ch
	}
	metrics.RecordRequest(b.side, method, outcome(res.err), time.Since(entry.start))
	return res.data, res.err
}

func outcome(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	default:
		return "error"
	}
}

// Notify sends an event to the peer.
func (b *Bridge) Notify(ctx context.Context, method string, params any) error {
	raw, err := encodeParams(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	b.mu.Lock()
	send, connected := b.send, b.connected
	b.mu.Unlock()
	if !connected || send == nil {
		return ErrNotConnected
	}
	payload, err := wire.Encode(wire.Message{Method: method, Params: raw})
	if err != nil {
		return err
	}
	if err := send(ctx, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return nil
}

// Receive handles one inbound payload. Malformed payloads and responses to
// unknown ids are logged and dropped.
func (b *Bridge) Receive(payload json.RawMessage) {
	msg, err := wire.Decode(payload)
	if err != nil {
		b.log.Debug().Err(err).Msg("drop malformed message")
		metrics.RecordDropped("jsbridge", "malformed")
		return
	}
	switch msg.Kind() {
	case wire.KindResponse:
		res := result{data: msg.Result}
		if msg.Error != nil {
			res = result{err: &RemoteError{Message: msg.Error.Message, Code: msg.Error.Code}}
		} else if res.data == nil {
			res.data = json.RawMessage("null")
		}
		if !b.pending.settle(msg.ID, res) {
			b.log.Debug().Str("id", string(msg.ID)).Msg("response for unknown id")
			metrics.RecordDropped("jsbridge", "unknown_id")
		}
	case wire.KindEvent:
		b.log.Debug().Str("method", msg.Method).Msg("event")
		b.events.Emit(EventMessageLowLevel, msg)
	case wire.KindRequest:
		go b.serve(msg)
	}
}

func (b *Bridge) serve(msg wire.Message) {
	log := b.log.With().Str("method", msg.Method).Str("id", string(msg.ID)).Logger()
	start := time.Now()
	reply := wire.Message{ID: msg.ID}
	if b.cfg.Handler == nil {
		reply.Error = &wire.ErrorPayload{Message: "method not found: " + msg.Method, Code: wire.CodeMethodNotFound}
	} else {
		ctx := WithPeer(b.ctx, b.cfg.Peer)
		out, err := b.cfg.Handler.ServeBridge(ctx, msg.Method, msg.Params)
		if err == nil {
			reply.Result, err = encodeResult(out)
		}
		if err != nil {
			log.Info().Err(err).Msg("request failed")
			reply.Error = errorPayload(err)
			reply.Result = nil
		}
	}
	status := "ok"
	if reply.Error != nil {
		status = "error"
	}
	metrics.RecordRequest(b.side+"_served", msg.Method, status, time.Since(start))

	b.mu.Lock()
	send := b.send
	b.mu.Unlock()
	if send == nil {
		log.Debug().Msg("no channel for reply")
		return
	}
	payload, err := wire.Encode(reply)
	if err != nil {
		log.Error().Err(err).Msg("encode reply")
		return
	}
	if err := send(b.ctx, payload); err != nil {
		log.Warn().Err(err).Msg("send reply")
	}
}

func encodeResult(out any) (json.RawMessage, error) {
	switch v := out.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if v == nil {
			return json.RawMessage("null"), nil
		}
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		return b, nil
	}
}

// setConnected records a connection (re)established by the transport.
func (b *Bridge) setConnected() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	was := b.connected
	b.connected = true
	b.mu.Unlock()
	if !was {
		b.log.Info().Msg("bridge connected")
		b.events.Emit(EventConnect, wire.Message{})
	}
}

// connectionLost starts a new epoch, rejecting every pending request.
func (b *Bridge) connectionLost() {
	b.mu.Lock()
	was := b.connected
	b.connected = false
	b.mu.Unlock()
	if n := b.pending.failAll(ErrConnectionLost); n > 0 {
		b.log.Warn().Int("rejected", n).Msg("connection lost with pending requests")
	}
	if was {
		b.events.Emit(EventDisconnect, wire.Message{})
	}
}

// Close detaches the bridge and rejects pending requests.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	fns := b.onClose
	b.onClose = nil
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	b.connectionLost()
	b.mu.Lock()
	b.send = nil
	b.mu.Unlock()
	b.cancel()
}
