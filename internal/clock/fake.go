package clock

import (
	"context"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock for tests. Time only moves when the
// test advances it, or when a caller sleeps: SleepUntil jumps the clock
// straight to the requested instant, so scheduler tests run on purely
// logical time.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

// NewFake returns a FakeClock starting at t.
func NewFake(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

// Now returns the fake current time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// SleepUntil advances the clock to t and returns, unless t is already in
// the past or ctx is cancelled.
func (f *FakeClock) SleepUntil(ctx context.Context, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if t.After(f.now) {
		f.setLocked(t)
	}
	f.mu.Unlock()
	return nil
}

// Advance moves the clock forward by d, firing any due tickers.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.setLocked(f.now.Add(d))
	f.mu.Unlock()
}

// Set steps the clock to t. t may be before the current fake time, which
// models the host wall clock being stepped backwards by a time sync.
func (f *FakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.setLocked(t)
	f.mu.Unlock()
}

func (f *FakeClock) setLocked(t time.Time) {
	f.now = t
	for _, ft := range f.tickers {
		ft.fire(t)
	}
}

type fakeTicker struct {
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (ft *fakeTicker) C() <-chan time.Time { return ft.ch }
func (ft *fakeTicker) Stop()               { ft.stopped = true }

func (ft *fakeTicker) fire(now time.Time) {
	for !ft.stopped && !ft.next.After(now) {
		select {
		case ft.ch <- ft.next:
		default:
		}
		ft.next = ft.next.Add(ft.period)
	}
}

// NewTicker returns a ticker driven by Advance/Set.
func (f *FakeClock) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := &fakeTicker{period: d, next: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, ft)
	return ft
}
