package jsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gaspardpetit/walletbridge/internal/channel"
	"github.com/gaspardpetit/walletbridge/internal/pagebus"
	"github.com/gaspardpetit/walletbridge/internal/relay"
	"github.com/gaspardpetit/walletbridge/internal/wire"
)

// fakeHost answers in-page requests directly on the bus, standing in for
// the relay and the host.
type fakeHost struct {
	bus  *pagebus.Bus
	reqs chan wire.Message
}

func newFakeHost(bus *pagebus.Bus) *fakeHost {
	h := &fakeHost{bus: bus, reqs: make(chan wire.Message, 64)}
	bus.AddListener(func(ev pagebus.Event) {
		if ev.Data.Direction != wire.InpageToHost {
			return
		}
		if msg, err := wire.Decode(ev.Data.Payload); err == nil {
			h.reqs <- msg
		}
	})
	return h
}

func (h *fakeHost) post(raw string) {
	_ = h.bus.PostMessage(wire.Envelope{Channel: wire.DefaultChannel, Direction: wire.HostToInpage, Payload: json.RawMessage(raw)})
}

func (h *fakeHost) reply(m wire.Message) {
	payload, _ := wire.Encode(m)
	h.post(string(payload))
}

func (h *fakeHost) next(t *testing.T) wire.Message {
	t.Helper()
	select {
	case m := <-h.reqs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for request")
	}
	return wire.Message{}
}

func setup(t *testing.T, cfg Config) (*Bridge, *fakeHost, *pagebus.Bus) {
	t.Helper()
	bus := pagebus.New("page", 0)
	t.Cleanup(bus.Close)
	host := newFakeHost(bus)
	b := NewInpage(bus, cfg)
	t.Cleanup(b.Close)
	return b, host, bus
}

type callResult struct {
	data json.RawMessage
	err  error
}

func call(b *Bridge, method string, params any, timeout time.Duration) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		data, err := b.Request(context.Background(), method, params, timeout)
		ch <- callResult{data, err}
	}()
	return ch
}

func wait(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for result")
	}
	return callResult{}
}

func TestRequestResolves(t *testing.T) {
	b, host, _ := setup(t, Config{})
	res := call(b, "getBalance", nil, 0)
	req := host.next(t)
	if req.Method != "getBalance" || req.Kind() != wire.KindRequest {
		t.Fatalf("unexpected request %+v", req)
	}
	host.reply(wire.Message{ID: req.ID, Result: json.RawMessage(`"1a2b"`)})
	r := wait(t, res)
	if r.err != nil || string(r.data) != `"1a2b"` {
		t.Fatalf("unexpected result %s %v", r.data, r.err)
	}
	if b.Pending() != 0 {
		t.Fatalf("expected empty pending table")
	}
}

func TestRemoteError(t *testing.T) {
	b, host, _ := setup(t, Config{})
	res := call(b, "signTx", []any{"84a4", false}, 0)
	req := host.next(t)
	host.reply(wire.Message{ID: req.ID, Error: &wire.ErrorPayload{Message: "User rejected"}})
	r := wait(t, res)
	var remote *RemoteError
	if !errors.As(r.err, &remote) || remote.Message != "User rejected" {
		t.Fatalf("expected RemoteError got %v", r.err)
	}
	if r.err.Error() != "User rejected" {
		t.Fatalf("unexpected message %q", r.err.Error())
	}
}

func TestTimeoutThenLateResponse(t *testing.T) {
	b, host, _ := setup(t, Config{})
	res := call(b, "submitTx", "84a4", 30*time.Millisecond)
	req := host.next(t)
	r := wait(t, res)
	var te *TimeoutError
	if !errors.As(r.err, &te) || !errors.Is(r.err, ErrTimeout) {
		t.Fatalf("expected timeout got %v", r.err)
	}
	if te.Method != "submitTx" || te.ID != req.ID {
		t.Fatalf("unexpected timeout details %+v", te)
	}
	host.reply(wire.Message{ID: req.ID, Result: json.RawMessage(`"late"`)})

	// The late response must not settle a later request.
	res2 := call(b, "getNetworkId", nil, 0)
	req2 := host.next(t)
	if req2.ID == req.ID {
		t.Fatalf("id reused")
	}
	host.reply(wire.Message{ID: req2.ID, Result: json.RawMessage(`1`)})
	if r := wait(t, res2); string(r.data) != "1" {
		t.Fatalf("unexpected result %s", r.data)
	}
}

func TestConcurrentOutOfOrder(t *testing.T) {
	b, host, _ := setup(t, Config{})
	const n = 10
	results := make([]<-chan callResult, n)
	for i := 0; i < n; i++ {
		results[i] = call(b, "echo", i, 0)
	}
	reqs := make([]wire.Message, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, host.next(t))
	}
	for i := len(reqs) - 1; i >= 0; i-- {
		host.reply(wire.Message{ID: reqs[i].ID, Result: reqs[i].Params})
	}
	for i := 0; i < n; i++ {
		r := wait(t, results[i])
		if r.err != nil || string(r.data) != strconv.Itoa(i) {
			t.Fatalf("call %d got %s %v", i, r.data, r.err)
		}
	}
}

func TestConnectionLostRejectsPending(t *testing.T) {
	b, host, bus := setup(t, Config{})
	var mu sync.Mutex
	var seen []string
	record := func(name string) func(wire.Message) {
		return func(wire.Message) { mu.Lock(); seen = append(seen, name); mu.Unlock() }
	}
	if _, err := b.On(EventDisconnect, record("disconnect")); err != nil {
		t.Fatalf("on: %v", err)
	}
	if _, err := b.On(EventConnect, record("connect")); err != nil {
		t.Fatalf("on: %v", err)
	}

	res := call(b, "getUtxos", nil, 0)
	first := host.next(t)
	epoch := b.Epoch()
	_ = bus.Dispatch(pagebus.SignalBridgeDisconnect)
	_ = bus.Dispatch(pagebus.SignalBridgeDisconnect)
	if r := wait(t, res); !errors.Is(r.err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost got %v", r.err)
	}
	if b.Epoch() <= epoch {
		t.Fatalf("expected epoch to advance")
	}
	deadline := time.Now().Add(time.Second)
	for b.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := b.Request(context.Background(), "getUtxos", nil, 0); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected got %v", err)
	}

	_ = bus.Dispatch(pagebus.SignalBridgeConnect)
	deadline = time.Now().Add(time.Second)
	for !b.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	res = call(b, "getUtxos", nil, 0)
	second := host.next(t)
	a, _ := first.ID.Seq()
	c, _ := second.ID.Seq()
	if c <= a {
		t.Fatalf("expected ids to keep increasing: %s then %s", first.ID, second.ID)
	}
	host.reply(wire.Message{ID: second.ID, Result: json.RawMessage(`[]`)})
	if r := wait(t, res); r.err != nil {
		t.Fatalf("unexpected error %v", r.err)
	}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(seen) != "[disconnect connect]" {
		t.Fatalf("unexpected lifecycle events %v", seen)
	}
}

func TestBridgesSharingBusKeepIDsApart(t *testing.T) {
	reg := pagebus.NewRegistry(0)
	bus, release := reg.Acquire("page")
	t.Cleanup(release)
	host := newFakeHost(bus)
	a := NewInpage(bus, Config{})
	t.Cleanup(a.Close)
	b := NewInpage(bus, Config{})
	t.Cleanup(b.Close)

	resA := call(a, "getChangeAddress", nil, 0)
	reqA := host.next(t)
	resB := call(b, "getBalance", nil, 0)
	reqB := host.next(t)
	if reqA.ID == reqB.ID {
		t.Fatalf("bridges issued the same id %s", reqA.ID)
	}
	host.reply(wire.Message{ID: reqA.ID, Result: json.RawMessage(`"addr_a"`)})
	if r := wait(t, resA); r.err != nil || string(r.data) != `"addr_a"` {
		t.Fatalf("unexpected result %s %v", r.data, r.err)
	}
	select {
	case r := <-resB:
		t.Fatalf("second bridge settled by a foreign reply: %s %v", r.data, r.err)
	case <-time.After(100 * time.Millisecond):
	}
	if b.Pending() != 1 {
		t.Fatalf("expected second bridge still pending, got %d", b.Pending())
	}
}

func TestRequestRacingDisconnectNeverHangs(t *testing.T) {
	for i := 0; i < 50; i++ {
		b, _, bus := setup(t, Config{Timeout: time.Minute})
		res := call(b, "getUtxos", nil, 0)
		_ = bus.Dispatch(pagebus.SignalBridgeDisconnect)
		r := wait(t, res)
		if !errors.Is(r.err, ErrConnectionLost) && !errors.Is(r.err, ErrNotConnected) {
			t.Fatalf("expected lost or not connected, got %v", r.err)
		}
		if b.Pending() != 0 {
			t.Fatalf("expected no pending entries, got %d", b.Pending())
		}
	}
}

func TestEventsAndNoise(t *testing.T) {
	b, host, bus := setup(t, Config{})
	got := make(chan wire.Message, 4)
	if _, err := b.On(EventMessageLowLevel, func(m wire.Message) { got <- m }); err != nil {
		t.Fatalf("on: %v", err)
	}
	if _, err := b.On("bogus", func(wire.Message) {}); err == nil {
		t.Fatalf("expected error for unknown event")
	}
	res := call(b, "getChangeAddress", nil, 0)
	req := host.next(t)

	host.post(`{"id":999,"result":"stray"}`)
	host.post(`{"id":1,"method":"x","result":1}`)
	host.post(`[1,2]`)
	other := pagebus.New("other", 0)
	defer other.Close()
	_ = bus.Deliver(pagebus.Event{Source: other, Data: wire.Envelope{Channel: wire.DefaultChannel, Direction: wire.HostToInpage,
		Payload: json.RawMessage(fmt.Sprintf(`{"id":%q,"result":"forged"}`, string(req.ID)))}})
	host.post(`{"method":"wallet_events_accountChanged","params":{"address":"addr1","networkId":1}}`)

	select {
	case m := <-got:
		if m.Method != "wallet_events_accountChanged" || string(m.Params) != `{"address":"addr1","networkId":1}` {
			t.Fatalf("unexpected event %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for event")
	}
	if b.Pending() != 1 {
		t.Fatalf("expected request still pending, got %d", b.Pending())
	}
	host.reply(wire.Message{ID: req.ID, Result: json.RawMessage(`"addr1"`)})
	if r := wait(t, res); string(r.data) != `"addr1"` {
		t.Fatalf("unexpected result %s", r.data)
	}
}

func TestEndToEndThroughRelay(t *testing.T) {
	bus := pagebus.New("page", 0)
	defer bus.Close()
	connected := make(chan struct{}, 1)
	bus.OnSignal(pagebus.SignalBridgeConnect, func() { connected <- struct{}{} })

	hostBridges := make(chan *Bridge, 1)
	handler := HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		peer, _ := PeerFrom(ctx)
		switch method {
		case "whoami":
			return peer.ClientName, nil
		case "echo":
			return params, nil
		default:
			return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, method)
		}
	})
	accept := func(link channel.Link) {
		ctx := context.Background()
		hello, id, err := channel.Handshake(ctx, link, func(wire.Hello) (string, error) { return "s1", nil })
		if err != nil {
			return
		}
		hb := NewHost(handler, Config{Peer: Peer{SessionID: id, ClientName: hello.ClientName}})
		channel.Attach(ctx, link, hello.Port, id, hb.Handlers())
		hostBridges <- hb
	}
	r := relay.New(bus, channel.PipeTransport{Accept: accept}, relay.Config{Hello: wire.Hello{ClientName: "dapp"}})
	conn := r.Start(context.Background())
	defer conn.Disconnect()
	<-connected
	hb := <-hostBridges

	b := NewInpage(bus, Config{})
	defer b.Close()
	events := make(chan wire.Message, 1)
	_, _ = b.On(EventMessageLowLevel, func(m wire.Message) { events <- m })

	out, err := b.Request(context.Background(), "whoami", nil, time.Second)
	if err != nil || string(out) != `"dapp"` {
		t.Fatalf("whoami: %s %v", out, err)
	}
	out, err = b.Request(context.Background(), "echo", map[string]int{"a": 1}, time.Second)
	if err != nil || string(out) != `{"a":1}` {
		t.Fatalf("echo: %s %v", out, err)
	}
	_, err = b.Request(context.Background(), "nope", nil, time.Second)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError got %v", err)
	}
	if code, ok := remote.IntCode(); !ok || code != wire.CodeMethodNotFound {
		t.Fatalf("expected method-not-found code got %v", remote.Code)
	}

	if err := hb.Notify(context.Background(), "wallet_events_networkChanged", 0); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case m := <-events:
		if m.Method != "wallet_events_networkChanged" {
			t.Fatalf("unexpected event %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for host event")
	}
}

func TestHostRequestWhileUnbound(t *testing.T) {
	hb := NewHost(nil, Config{})
	if _, err := hb.Request(context.Background(), "ping", nil, 0); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected got %v", err)
	}
	if err := hb.Notify(context.Background(), "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected got %v", err)
	}
}
