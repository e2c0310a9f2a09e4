package clock

import (
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests of TTLs,
// health windows and backoff schedules.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

// NewFake returns a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	fire := f.now.Add(d)
	f.mu.Unlock()
	f.mu.Lock()
	f.tickers = append(f.tickers, &fakeTicker{fireAt: fire, ch: ch, oneShot: true})
	f.mu.Unlock()
	return ch
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	t := &fakeTicker{period: d, fireAt: f.now.Add(d), ch: ch}
	f.tickers = append(f.tickers, t)
	f.mu.Unlock()
	return t
}

// Advance moves the fake clock forward by d, firing any timers/tickers
// whose deadline has passed.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	active := f.tickers[:0]
	for _, t := range f.tickers {
		if t.stopped {
			continue
		}
		for !t.fireAt.After(now) {
			select {
			case t.ch <- now:
			default:
			}
			if t.oneShot {
				t.stopped = true
				break
			}
			t.fireAt = t.fireAt.Add(t.period)
		}
		if !t.stopped {
			active = append(active, t)
		}
	}
	f.tickers = active
	f.mu.Unlock()
}

type fakeTicker struct {
	period  time.Duration
	fireAt  time.Time
	ch      chan time.Time
	oneShot bool
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.stopped = true }
