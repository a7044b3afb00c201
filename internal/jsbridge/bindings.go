package jsbridge

import (
	"context"
	"encoding/json"

	"github.com/gaspardpetit/walletbridge/internal/channel"
	"github.com/gaspardpetit/walletbridge/internal/metrics"
	"github.com/gaspardpetit/walletbridge/internal/pagebus"
	"github.com/gaspardpetit/walletbridge/internal/wire"
)

// NewInpage returns a bridge speaking over bus. It starts connected and
// follows the relay's connect and disconnect signals. Listeners of its
// events run on the bus dispatcher and must not block.
func NewInpage(bus *pagebus.Bus, cfg Config) *Bridge {
	b := newBridge("inpage", cfg, true)
	b.send = func(_ context.Context, payload json.RawMessage) error {
		return bus.PostMessage(wire.Envelope{Channel: b.cfg.Channel, Direction: wire.InpageToHost, Payload: payload})
	}
	offMsg := bus.AddListener(func(ev pagebus.Event) {
		if ev.Source != bus {
			b.log.Debug().Msg("drop foreign source")
			metrics.RecordDropped("jsbridge", "foreign_source")
			return
		}
		if !ev.Data.Accepts(b.cfg.Channel, wire.HostToInpage) {
			return
		}
		b.Receive(ev.Data.Payload)
	})
	offLost := bus.OnSignal(pagebus.SignalBridgeDisconnect, b.connectionLost)
	offConn := bus.OnSignal(pagebus.SignalBridgeConnect, b.setConnected)
	b.onClose = []func(){offMsg, offLost, offConn}
	return b
}

// NewHost returns a bridge serving h. It is disconnected until bound to a
// channel port.
func NewHost(h Handler, cfg Config) *Bridge {
	cfg.Handler = h
	return newBridge("host", cfg, false)
}

// Bind makes port the bridge transport and returns the function to call when
// the port goes away.
func (b *Bridge) Bind(port channel.Port) func() {
	b.mu.Lock()
	b.send = port.PostMessage
	b.mu.Unlock()
	b.setConnected()
	return func() {
		b.connectionLost()
		b.mu.Lock()
		b.send = nil
		b.mu.Unlock()
	}
}

// Handlers returns channel handlers feeding this bridge.
func (b *Bridge) Handlers() channel.Handlers {
	return channel.Handlers{OnMessage: b.Receive, OnConnect: b.Bind}
}
