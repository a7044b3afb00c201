package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/gaspardpetit/walletbridge/internal/events"
	"github.com/gaspardpetit/walletbridge/internal/jsbridge"
	"github.com/gaspardpetit/walletbridge/internal/pagebus"
	"github.com/gaspardpetit/walletbridge/internal/wire"
)

type fakeBridge struct {
	mu      sync.Mutex
	calls   []string
	respond func(method string, params any) (json.RawMessage, error)
	ev      *events.Emitter[wire.Message]
}

func newFakeBridge(respond func(string, any) (json.RawMessage, error)) *fakeBridge {
	return &fakeBridge{
		respond: respond,
		ev:      events.New[wire.Message](jsbridge.EventConnect, jsbridge.EventDisconnect, jsbridge.EventMessageLowLevel),
	}
}

func (f *fakeBridge) Request(_ context.Context, method string, params any, _ time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()
	return f.respond(method, params)
}

func (f *fakeBridge) On(event string, fn func(wire.Message)) (func(), error) { return f.ev.On(event, fn) }

func (f *fakeBridge) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSignals struct{ fns map[pagebus.Signal][]func() }

func (s *fakeSignals) OnSignal(sig pagebus.Signal, fn func()) func() {
	if s.fns == nil {
		s.fns = map[pagebus.Signal][]func(){}
	}
	s.fns[sig] = append(s.fns[sig], fn)
	return func() { s.fns[sig] = nil }
}

func (s *fakeSignals) fire(sig pagebus.Signal) {
	for _, fn := range s.fns[sig] {
		fn()
	}
}

func recorder(b *Base, names ...string) func() []string {
	var mu sync.Mutex
	var seen []string
	for _, n := range names {
		name := n
		_, _ = b.On(name, func(p any) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, fmt.Sprintf("%s:%v", name, p))
		})
	}
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

func ok(string, any) (json.RawMessage, error) { return json.RawMessage(`true`), nil }

func TestFirstResponseConnects(t *testing.T) {
	b := New(newFakeBridge(ok), nil, Options{})
	seen := recorder(b, EventConnect)
	if b.Status() != Disconnected {
		t.Fatalf("expected disconnected at start")
	}
	for i := 0; i < 2; i++ {
		if _, err := b.BridgeRequest(context.Background(), "isEnabled", nil); err != nil {
			t.Fatalf("request: %v", err)
		}
	}
	if b.Status() != Connected {
		t.Fatalf("expected connected")
	}
	if got := seen(); len(got) != 1 {
		t.Fatalf("expected one connect event got %v", got)
	}
}

func TestDisconnectSignalEmitsOnce(t *testing.T) {
	signals := &fakeSignals{}
	fb := newFakeBridge(ok)
	b := New(fb, signals, Options{})
	seen := recorder(b, EventDisconnect, EventAccountChanged)

	signals.fire(pagebus.SignalBridgeDisconnect)
	if got := seen(); len(got) != 0 {
		t.Fatalf("no emission expected while disconnected, got %v", got)
	}
	fb.ev.Emit(jsbridge.EventConnect, wire.Message{})
	signals.fire(pagebus.SignalBridgeDisconnect)
	fb.ev.Emit(jsbridge.EventDisconnect, wire.Message{})
	signals.fire(pagebus.SignalBridgeDisconnect)
	got := seen()
	want := []string{"disconnect:<nil>", "accountChanged:<nil>"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v got %v", want, got)
	}
	if b.Status() != Disconnected {
		t.Fatalf("expected disconnected")
	}
}

func TestMethodNotFound(t *testing.T) {
	fb := newFakeBridge(func(string, any) (json.RawMessage, error) {
		return nil, &jsbridge.RemoteError{Message: "method not found: getFoo", Code: float64(wire.CodeMethodNotFound)}
	})
	b := New(fb, nil, Options{})
	_, err := b.BridgeRequest(context.Background(), "getFoo", nil)
	var mnf *MethodNotFoundError
	if !errors.As(err, &mnf) || mnf.Method != "getFoo" {
		t.Fatalf("expected MethodNotFoundError got %v", err)
	}
	var remote *jsbridge.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected wrapped RemoteError")
	}
	if b.Status() != Disconnected {
		t.Fatalf("error responses must not connect")
	}
}

func TestCallValidation(t *testing.T) {
	hex := openapi3.NewStringSchema().WithPattern("^([0-9a-f]{2})*$")
	table := NewTable("test/1",
		Capability{Method: "sign", Params: openapi3.NewArraySchema().WithItems(hex), Result: hex},
	)
	result := json.RawMessage(`"beef"`)
	fb := newFakeBridge(func(string, any) (json.RawMessage, error) { return result, nil })
	b := New(fb, nil, Options{Table: table})

	if err := b.Call(context.Background(), "sign", []string{"xyz"}, nil); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams got %v", err)
	}
	if fb.callCount() != 0 {
		t.Fatalf("invalid params must not be sent")
	}
	var out string
	if err := b.Call(context.Background(), "sign", []string{"00ff"}, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != "beef" {
		t.Fatalf("unexpected result %q", out)
	}
	result = json.RawMessage(`42`)
	if err := b.Call(context.Background(), "sign", []string{"00"}, &out); !errors.Is(err, ErrMalformedResult) {
		t.Fatalf("expected ErrMalformedResult got %v", err)
	}
	if err := b.Call(context.Background(), "experimental", map[string]int{"x": 1}, nil); err != nil {
		t.Fatalf("unknown methods are forwarded: %v", err)
	}
}

func TestEventSetAndLowLevel(t *testing.T) {
	fb := newFakeBridge(ok)
	b := New(fb, nil, Options{Events: []string{"networkChanged"}})
	if _, err := b.On("networkChanged", func(any) {}); err != nil {
		t.Fatalf("extension event: %v", err)
	}
	if _, err := b.On("chainChanged", func(any) {}); err == nil {
		t.Fatalf("expected unknown event error")
	}
	got := make(chan wire.Message, 1)
	_, _ = b.On(EventMessageLowLevel, func(p any) { got <- p.(wire.Message) })
	fb.ev.Emit(jsbridge.EventMessageLowLevel, wire.Message{Method: "wallet_events_accountChanged"})
	select {
	case m := <-got:
		if m.Method != "wallet_events_accountChanged" {
			t.Fatalf("unexpected message %+v", m)
		}
	default:
		t.Fatalf("expected low level message")
	}
	b.Close()
	fb.ev.Emit(jsbridge.EventMessageLowLevel, wire.Message{Method: "x"})
	select {
	case m := <-got:
		t.Fatalf("unexpected message after close %+v", m)
	default:
	}
}
