package walletd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gaspardpetit/walletbridge/internal/channel"
	"github.com/gaspardpetit/walletbridge/internal/jsbridge"
	"github.com/gaspardpetit/walletbridge/internal/pagebus"
	"github.com/gaspardpetit/walletbridge/internal/relay"
	"github.com/gaspardpetit/walletbridge/internal/serverstate"
	"github.com/gaspardpetit/walletbridge/internal/wire"
)

func whoami() jsbridge.Handler {
	return jsbridge.HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		if method != "whoami" {
			return nil, jsbridge.ErrMethodNotFound
		}
		p, _ := jsbridge.PeerFrom(ctx)
		return p, nil
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// dial connects a bare client over a pipe and collects what the host sends.
func dial(t *testing.T, s *Server, hello wire.Hello) (*channel.Conn, chan wire.Message) {
	t.Helper()
	recv := make(chan wire.Message, 8)
	c := channel.Connect(context.Background(), channel.PipeTransport{Accept: func(l channel.Link) {
		_ = s.Serve(context.Background(), l, "https://dapp.example")
	}}, hello, channel.Handlers{
		OnMessage: func(p json.RawMessage) {
			if m, err := wire.Decode(p); err == nil {
				recv <- m
			}
		},
	})
	t.Cleanup(c.Disconnect)
	return c, recv
}

func TestWebSocketSession(t *testing.T) {
	s := New(Options{Handler: whoami(), RequestTimeout: time.Second})
	ts := httptest.NewServer(NewRouter(s, RouterOptions{}))
	defer ts.Close()

	bus := pagebus.New("page", 0)
	defer bus.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/bridge/connect"
	r := relay.New(bus, channel.WebSocket{URL: url, Header: http.Header{"Origin": []string{ts.URL}}}, relay.Config{
		Hello: wire.Hello{Port: wire.DefaultPortName, ClientName: "cli"},
	})
	conn := r.Start(context.Background())
	defer conn.Disconnect()
	select {
	case <-conn.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("relay not ready")
	}
	b := jsbridge.NewInpage(bus, jsbridge.Config{})
	defer b.Close()

	res, err := b.Request(context.Background(), "whoami", nil, time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var peer jsbridge.Peer
	if err := json.Unmarshal(res, &peer); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if peer.SessionID != conn.ID() || peer.ClientName != "cli" || peer.Origin != ts.URL {
		t.Fatalf("unexpected peer %+v (session %s)", peer, conn.ID())
	}

	rec := httptest.NewRecorder()
	NewRouter(s, RouterOptions{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(snap.Sessions) != 1 || snap.Sessions[0].ID != conn.ID() || snap.State.Status != serverstate.StatusReady {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	conn.Disconnect()
	eventually(t, "session removal", func() bool { return s.Len() == 0 })
}

func TestDuplicateSessionRefused(t *testing.T) {
	s := New(Options{Handler: whoami()})
	first, _ := dial(t, s, wire.Hello{Port: wire.DefaultPortName, ID: "dup"})
	<-first.Ready()
	eventually(t, "first session", func() bool { return s.Len() == 1 })

	near, far := channel.Pipe()
	defer near.Close()
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(context.Background(), far, "") }()
	b, _ := json.Marshal(wire.Hello{Port: wire.DefaultPortName, ID: "dup"})
	if err := near.Send(context.Background(), b); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrDuplicateSession) {
			t.Fatalf("expected duplicate session got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 session got %d", s.Len())
	}
}

func TestUnknownPortRefused(t *testing.T) {
	s := New(Options{})
	near, far := channel.Pipe()
	defer near.Close()
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(context.Background(), far, "") }()
	b, _ := json.Marshal(wire.Hello{Port: "other"})
	_ = near.Send(context.Background(), b)
	if err := <-errc; !errors.Is(err, ErrUnknownPort) {
		t.Fatalf("expected unknown port got %v", err)
	}
}

func TestDrainingRefusesSessions(t *testing.T) {
	st := serverstate.New(nil)
	st.SetReady()
	s := New(Options{State: st})
	h := NewRouter(s, RouterOptions{})
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bridge/connect", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != serverstate.StatusDraining {
		t.Fatalf("unexpected healthz %d %q", rec.Code, rec.Body.String())
	}
}

func TestBroadcast(t *testing.T) {
	s := New(Options{Handler: whoami()})
	c, recv := dial(t, s, wire.Hello{Port: wire.DefaultPortName})
	<-c.Ready()
	eventually(t, "broadcast delivery", func() bool {
		return s.Broadcast(context.Background(), "wallet_events_accountChanged", map[string]string{"address": "addr1"}) == 1
	})
	select {
	case m := <-recv:
		if m.Kind() != wire.KindEvent || m.Method != "wallet_events_accountChanged" {
			t.Fatalf("unexpected message %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event")
	}
}

func TestDrainTimeoutClosesSessions(t *testing.T) {
	s := New(Options{Handler: whoami()})
	c, _ := dial(t, s, wire.Hello{Port: wire.DefaultPortName})
	<-c.Ready()
	eventually(t, "session", func() bool { return s.Len() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded got %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("client not disconnected")
	}
	eventually(t, "session removal", func() bool { return s.Len() == 0 })
}

func TestDrainWaitsForSessions(t *testing.T) {
	s := New(Options{Handler: whoami()})
	c, _ := dial(t, s, wire.Hello{Port: wire.DefaultPortName})
	<-c.Ready()
	eventually(t, "session", func() bool { return s.Len() == 1 })

	done := make(chan error, 1)
	go func() { done <- s.Drain(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	c.Disconnect()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("drain did not finish")
	}
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"https://dapp.example", "http://localhost:3000", "*.example.org"})
	want := []string{"dapp.example", "localhost:3000", "*.example.org"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v got %v", want, got)
	}
}
