// Package clock provides wall-clock time and cancellable absolute-time
// scheduling for the long-running loops in the system (intervalometer,
// resync timers, status monitors).
package clock

import (
	"context"
	"time"
)

// maxSleepChunk bounds each underlying timer wait. Sleeping in chunks and
// re-reading the wall clock after every wake keeps absolute-time waits
// correct when the system clock is stepped by a time sync.
const maxSleepChunk = time.Second

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock provides the current wall time and absolute-time waits.
type Clock interface {
	Now() time.Time

	// SleepUntil blocks until the wall clock reaches t or ctx is cancelled.
	// A clock step that moves t into the past wakes the caller on the next
	// chunk boundary; a step that moves t further away extends the wait.
	SleepUntil(ctx context.Context, t time.Time) error

	// NewTicker returns a ticker firing every d.
	NewTicker(d time.Duration) Ticker
}

// SystemClock is the production Clock backed by the OS wall clock.
type SystemClock struct{}

// New returns the system clock.
func New() *SystemClock {
	return &SystemClock{}
}

// Now returns the current wall-clock time.
func (*SystemClock) Now() time.Time {
	return time.Now()
}

// SleepUntil blocks until t or cancellation.
func (*SystemClock) SleepUntil(ctx context.Context, t time.Time) error {
	for {
		remaining := time.Until(t)
		if remaining <= 0 {
			return nil
		}
		chunk := remaining
		if chunk > maxSleepChunk {
			chunk = maxSleepChunk
		}
		timer := time.NewTimer(chunk)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type systemTicker struct {
	t *time.Ticker
}

func (st *systemTicker) C() <-chan time.Time { return st.t.C }
func (st *systemTicker) Stop()               { st.t.Stop() }

// NewTicker returns a ticker backed by time.Ticker.
func (*SystemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

// AfterFunc runs fn once after d elapses, unless cancelled first. It is
// driven by the clock's ticker, so fake clocks fire it on Advance rather
// than on logical-time jumps. The returned cancel function is safe to
// call after fn has run.
func AfterFunc(c Clock, d time.Duration, fn func()) (cancel func()) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	ticker := c.NewTicker(d)
	go func() {
		defer ticker.Stop()
		select {
		case <-ctx.Done():
		case <-ticker.C():
			fn()
		}
	}()
	return cancelCtx
}

// Every runs fn every period until the returned cancel function is called.
func Every(c Clock, period time.Duration, fn func()) (cancel func()) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	ticker := c.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				fn()
			}
		}
	}()
	return cancelCtx
}
