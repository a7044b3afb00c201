// Package inpage assembles the page side of the bridge: page bus, relay,
// in-page bridge and Cardano provider.
package inpage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gaspardpetit/walletbridge/internal/cardano"
	"github.com/gaspardpetit/walletbridge/internal/channel"
	"github.com/gaspardpetit/walletbridge/internal/config"
	"github.com/gaspardpetit/walletbridge/internal/jsbridge"
	"github.com/gaspardpetit/walletbridge/internal/logx"
	"github.com/gaspardpetit/walletbridge/internal/pagebus"
	"github.com/gaspardpetit/walletbridge/internal/relay"
	"github.com/gaspardpetit/walletbridge/internal/wire"
)

// ErrConnectTimeout is returned when the host does not connect in time.
var ErrConnectTimeout = errors.New("wallet host did not connect in time")

// Options configure Open.
type Options struct {
	Config config.ClientConfig
	// Registry hands out page buses. Nil uses a private registry.
	Registry *pagebus.Registry
	// Page names the bus; defaults to Config.Origin.
	Page string
	// Transport reaches the host; defaults to a websocket to Config.HostURL.
	Transport channel.Transport
	Info      cardano.WalletInfo
}

// Page is an assembled page side. Pages opened on the same bus share one
// relay; the first page's transport and limits apply.
type Page struct {
	Bus      *pagebus.Bus
	Bridge   *jsbridge.Bridge
	Provider *cardano.Provider

	link    *hostLink
	release func()
	once    sync.Once
}

// hostLink is the relay of one page bus. Pages opened on the same bus share
// it so every page request reaches the host once.
type hostLink struct {
	relay  *relay.Relay
	refs   int
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

var (
	linksMu sync.Mutex
	links   = map[*pagebus.Bus]*hostLink{}
)

func (l *hostLink) stopped() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// attach returns the running link of bus, starting one when none is live.
// shared reports whether the link was already connected to the host.
func attach(bus *pagebus.Bus, start func() *relay.Relay, reconnect bool) (l *hostLink, shared bool) {
	linksMu.Lock()
	defer linksMu.Unlock()
	if l = links[bus]; l != nil && !l.stopped() {
		l.refs++
		return l, l.relay.Connected()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l = &hostLink{relay: start(), refs: 1, cancel: cancel, done: make(chan struct{})}
	links[bus] = l
	go func() {
		err := l.relay.Run(ctx, reconnect)
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	}()
	return l, false
}

func detach(bus *pagebus.Bus, l *hostLink) {
	linksMu.Lock()
	l.refs--
	last := l.refs == 0
	if last && links[bus] == l {
		delete(links, bus)
	}
	linksMu.Unlock()
	if last {
		l.cancel()
		<-l.done
	}
}

// Transport returns the websocket transport described by cfg.
func Transport(cfg config.ClientConfig) channel.Transport {
	h := http.Header{}
	if cfg.Origin != "" {
		h.Set("Origin", cfg.Origin)
	}
	return channel.WebSocket{URL: cfg.HostURL, Header: h, PingInterval: 15 * time.Second, DeadAfter: 45 * time.Second}
}

// Open builds the page side and waits up to Config.ConnectTimeout for the
// host channel.
func Open(ctx context.Context, opts Options) (*Page, error) {
	cfg := opts.Config
	if opts.Registry == nil {
		opts.Registry = pagebus.NewRegistry(0)
	}
	if opts.Page == "" {
		opts.Page = cfg.Origin
	}
	if opts.Transport == nil {
		opts.Transport = Transport(cfg)
	}
	if cfg.Channel == "" {
		cfg.Channel = wire.DefaultChannel
	}

	bus, release := opts.Registry.Acquire(opts.Page)
	connected := make(chan struct{}, 1)
	off := bus.OnSignal(pagebus.SignalBridgeConnect, func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	defer off()

	bridge := jsbridge.NewInpage(bus, jsbridge.Config{Channel: cfg.Channel, Timeout: cfg.RequestTimeout})
	prov := cardano.New(bridge, bus, cardano.Options{Timeout: cfg.RequestTimeout, Info: opts.Info})

	l, shared := attach(bus, func() *relay.Relay {
		var limiter *rate.Limiter
		if cfg.RateLimit > 0 {
			limiter = rate.NewLimiter(cfg.Limit(), cfg.RateBurst)
		}
		return relay.New(bus, opts.Transport, relay.Config{
			Channel: cfg.Channel,
			Hello:   wire.Hello{Port: cfg.PortName, ClientName: cfg.ClientName},
			Limiter: limiter,
		})
	}, cfg.Reconnect)
	p := &Page{Bus: bus, Bridge: bridge, Provider: prov, link: l, release: release}
	if shared {
		logx.Log.Debug().Str("page", opts.Page).Msg("page joined existing host link")
		return p, nil
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-connected:
		logx.Log.Info().Str("page", opts.Page).Str("host", cfg.HostURL).Msg("page connected to wallet host")
		return p, nil
	case <-l.done:
		err := p.Err()
		p.Close()
		return nil, fmt.Errorf("connect to wallet host: %w", err)
	case <-timer.C:
		p.Close()
		return nil, ErrConnectTimeout
	case <-ctx.Done():
		p.Close()
		return nil, ctx.Err()
	}
}

// Done is closed when the relay stops.
func (p *Page) Done() <-chan struct{} { return p.link.done }

// Err returns why the relay stopped.
func (p *Page) Err() error {
	p.link.mu.Lock()
	defer p.link.mu.Unlock()
	return p.link.err
}

// Close releases the provider and bridge. The relay stops when the last
// page on its bus closes.
func (p *Page) Close() {
	p.once.Do(func() {
		p.Provider.Close()
		p.Bridge.Close()
		detach(p.Bus, p.link)
		p.release()
	})
}
