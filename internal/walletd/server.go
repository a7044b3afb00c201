// Package walletd is the wallet host: it accepts relay sessions over
// websocket and serves each one with its own host bridge.
package walletd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/walletbridge/internal/channel"
	"github.com/gaspardpetit/walletbridge/internal/jsbridge"
	"github.com/gaspardpetit/walletbridge/internal/logx"
	"github.com/gaspardpetit/walletbridge/internal/metrics"
	"github.com/gaspardpetit/walletbridge/internal/serverstate"
	"github.com/gaspardpetit/walletbridge/internal/wire"
)

var (
	// ErrDraining refuses sessions while the host drains.
	ErrDraining = errors.New("host is draining")
	// ErrDuplicateSession refuses a hello reusing a connected session id.
	ErrDuplicateSession = errors.New("duplicate session id")
	// ErrUnknownPort refuses a hello for another channel name.
	ErrUnknownPort = errors.New("unknown port name")
)

// Options configure a Server.
type Options struct {
	PortName       string
	AllowedOrigins []string
	RequestTimeout time.Duration
	Heartbeat      time.Duration
	DeadAfter      time.Duration
	Handler        jsbridge.Handler
	State          *serverstate.Tracker
}

// Session is one connected relay.
type Session struct {
	ID         string    `json:"id"`
	ClientName string    `json:"client_name,omitempty"`
	Origin     string    `json:"origin,omitempty"`
	Port       string    `json:"port"`
	Connected  time.Time `json:"connected_at"`
	Pending    int       `json:"pending"`

	bridge *jsbridge.Bridge
	conn   *channel.Conn
}

// Server tracks relay sessions.
type Server struct {
	opts Options
	log  zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	idle     chan struct{}
}

// New returns a server; opts.State defaults to a ready in-memory tracker.
func New(opts Options) *Server {
	if opts.PortName == "" {
		opts.PortName = wire.DefaultPortName
	}
	if opts.State == nil {
		opts.State = serverstate.New(nil)
		opts.State.SetReady()
	}
	return &Server{
		opts:     opts,
		log:      logx.Component("walletd"),
		sessions: map[string]*Session{},
	}
}

// State returns the tracker consulted before accepting sessions.
func (s *Server) State() *serverstate.Tracker { return s.opts.State }

func (s *Server) reserve(hello wire.Hello, origin string) (*Session, error) {
	if !s.opts.State.Accepting() {
		return nil, ErrDraining
	}
	if hello.Port != s.opts.PortName {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPort, hello.Port)
	}
	id := hello.ID
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	sess := &Session{ID: id, ClientName: hello.ClientName, Origin: origin, Port: hello.Port, Connected: time.Now()}
	s.sessions[id] = sess
	return sess, nil
}

func (s *Server) release(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	idle := len(s.sessions) == 0 && s.idle != nil
	if idle {
		close(s.idle)
		s.idle = nil
	}
	s.mu.Unlock()
}

// Serve runs one session over an accepted link until it closes.
func (s *Server) Serve(ctx context.Context, link channel.Link, origin string) error {
	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	var sess *Session
	hello, _, err := channel.Handshake(hctx, link, func(h wire.Hello) (string, error) {
		var err error
		sess, err = s.reserve(h, origin)
		if err != nil {
			return "", err
		}
		return sess.ID, nil
	})
	cancel()
	if err != nil {
		if sess != nil {
			s.release(sess.ID)
		}
		s.log.Warn().Err(err).Str("client_name", hello.ClientName).Msg("session refused")
		return err
	}

	log := s.log.With().Str("session_id", sess.ID).Str("client_name", sess.ClientName).Logger()
	bridge := jsbridge.NewHost(s.opts.Handler, jsbridge.Config{
		Timeout: s.opts.RequestTimeout,
		Peer:    jsbridge.Peer{SessionID: sess.ID, Origin: origin, ClientName: sess.ClientName},
	})
	s.mu.Lock()
	sess.bridge = bridge
	s.mu.Unlock()
	conn := channel.Attach(ctx, link, hello.Port, sess.ID, bridge.Handlers())
	s.mu.Lock()
	sess.conn = conn
	s.mu.Unlock()
	metrics.SessionOpened()
	log.Info().Str("origin", origin).Msg("session connected")

	<-conn.Done()
	bridge.Close()
	s.release(sess.ID)
	metrics.SessionClosed()
	log.Info().Err(conn.Err()).Msg("session closed")
	return nil
}

// ServeWS upgrades r and serves the session.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !s.opts.State.Accepting() {
		http.Error(w, ErrDraining.Error(), http.StatusServiceUnavailable)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns(s.opts.AllowedOrigins)})
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket accept")
		return
	}
	link := channel.NewWSLink(ws, s.opts.Heartbeat, s.opts.DeadAfter)
	if err := s.Serve(r.Context(), link, r.Header.Get("Origin")); err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, err.Error())
	}
}

// originPatterns turns configured origins into the host patterns
// websocket.Accept matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

// Broadcast sends an event to every connected session and returns how many
// accepted it.
func (s *Server) Broadcast(ctx context.Context, method string, params any) int {
	s.mu.RLock()
	bridges := make([]*jsbridge.Bridge, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.bridge != nil {
			bridges = append(bridges, sess.bridge)
		}
	}
	s.mu.RUnlock()
	n := 0
	for _, b := range bridges {
		if err := b.Notify(ctx, method, params); err != nil {
			s.log.Debug().Err(err).Str("method", method).Msg("broadcast")
			continue
		}
		n++
	}
	s.log.Info().Str("method", method).Int("sessions", n).Msg("broadcast")
	return n
}

// Snapshot describes the host for /api/state.
type Snapshot struct {
	State    serverstate.State `json:"state"`
	Sessions []Session         `json:"sessions"`
}

// Snapshot returns the current sessions sorted by connection time.
func (s *Server) Snapshot() Snapshot {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		if sess.bridge != nil {
			cp.Pending = sess.bridge.Pending()
		}
		out = append(out, cp)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Connected.Before(out[j].Connected) })
	return Snapshot{State: s.opts.State.Snapshot(), Sessions: out}
}

// Len returns the number of sessions.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Drain stops accepting sessions and waits until the current ones end or
// ctx expires, then disconnects whatever is left.
func (s *Server) Drain(ctx context.Context) error {
	s.opts.State.StartDrain()
	s.mu.Lock()
	var idle chan struct{}
	if len(s.sessions) > 0 {
		if s.idle == nil {
			s.idle = make(chan struct{})
		}
		idle = s.idle
	}
	s.mu.Unlock()
	if idle == nil {
		return nil
	}
	s.log.Info().Int("sessions", s.Len()).Msg("draining sessions")
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

// Close disconnects every session.
func (s *Server) Close() {
	s.mu.RLock()
	conns := make([]*channel.Conn, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.conn != nil {
			conns = append(conns, sess.conn)
		}
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.Disconnect()
	}
}
