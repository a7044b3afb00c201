package reconnect

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	if d := Delay(0); d != time.Second {
		t.Fatalf("attempt 0 = %s", d)
	}
	if d := Delay(3); d != 5*time.Second {
		t.Fatalf("attempt 3 = %s", d)
	}
	if d := Delay(len(Schedule)); d != 30*time.Second {
		t.Fatalf("attempt past schedule = %s", d)
	}
	if d := Delay(-1); d != time.Second {
		t.Fatalf("negative attempt = %s", d)
	}
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	var attempts []int
	calls := 0
	delay := func(a int) time.Duration {
		attempts = append(attempts, a)
		return time.Millisecond
	}
	err := Run(context.Background(), true, delay, func(context.Context) (bool, error) {
		calls++
		if calls < 3 {
			return false, errors.New("boom")
		}
		return false, nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d; want 3", calls)
	}
	if len(attempts) != 2 || attempts[0] != 0 || attempts[1] != 1 {
		t.Fatalf("attempts = %v", attempts)
	}
}

func TestRunResetsAfterProgress(t *testing.T) {
	var attempts []int
	calls := 0
	delay := func(a int) time.Duration {
		attempts = append(attempts, a)
		return time.Millisecond
	}
	_ = Run(context.Background(), true, delay, func(context.Context) (bool, error) {
		calls++
		if calls == 4 {
			return false, nil
		}
		return calls == 2, errors.New("lost")
	})
	want := []int{0, 0, 1}
	if len(attempts) != len(want) {
		t.Fatalf("attempts = %v; want %v", attempts, want)
	}
	for i := range want {
		if attempts[i] != want[i] {
			t.Fatalf("attempts = %v; want %v", attempts, want)
		}
	}
}

func TestRunWithoutReconnect(t *testing.T) {
	want := errors.New("boom")
	calls := 0
	err := Run(context.Background(), false, nil, func(context.Context) (bool, error) {
		calls++
		return false, want
	})
	if !errors.Is(err, want) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRunStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, true, func(int) time.Duration { return time.Hour }, func(context.Context) (bool, error) {
		return false, errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
