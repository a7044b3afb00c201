package reconnect

import (
	"context"
	"time"
)

// Schedule defines the backoff durations for successive reconnect attempts.
var Schedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

// Delay returns the backoff duration for the given attempt.
// Attempts beyond the length of the schedule default to 30 seconds.
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return 30 * time.Second
}

// Run calls fn until it succeeds, ctx ends, or shouldReconnect is false.
// Each retry waits according to delay; a nil delay uses Delay.
// fn may perform a full session or a single connection attempt; the attempt
// counter resets when fn reports progress through the returned bool.
func Run(ctx context.Context, shouldReconnect bool, delay func(int) time.Duration, fn func(context.Context) (bool, error)) error {
	if delay == nil {
		delay = Delay
	}
	attempt := 0
	for {
		progressed, err := fn(ctx)
		if err == nil || !shouldReconnect {
			return err
		}
		if progressed {
			attempt = 0
		}
		d := delay(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}
