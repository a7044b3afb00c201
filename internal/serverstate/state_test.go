package serverstate

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/gaspardpetit/walletbridge/internal/redisx"
)

func checkTransitions(t *testing.T, tr *Tracker) {
	t.Helper()
	if got := tr.Status(); got != StatusNotReady {
		t.Fatalf("initial state = %q; want %q", got, StatusNotReady)
	}
	if tr.Accepting() {
		t.Fatalf("not_ready host must not accept sessions")
	}
	tr.SetReady()
	if got := tr.Status(); got != StatusReady || !tr.Accepting() {
		t.Fatalf("state after SetReady = %q; want %q", got, StatusReady)
	}
	if !tr.StartDrain() {
		t.Fatalf("first StartDrain should report a transition")
	}
	if tr.StartDrain() {
		t.Fatalf("second StartDrain should be a no-op")
	}
	tr.SetReady()
	if got := tr.Status(); got != StatusDraining || !tr.IsDraining() || tr.Accepting() {
		t.Fatalf("state after drain = %q; want %q", got, StatusDraining)
	}
}

func TestMemoryTracker(t *testing.T) {
	checkTransitions(t, New(nil))
}

func TestRedisTracker(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	c, err := redisx.Connect(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	checkTransitions(t, New(NewRedisStore(c, "")))

	// A new store sees the persisted state.
	if st := NewRedisStore(c, "").Load(); st.Status != StatusDraining || !st.Draining {
		t.Fatalf("persisted state = %#v; want draining", st)
	}
}
