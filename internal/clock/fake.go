package clock

import (
	"slices"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands still until
// Advance is called.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.tickersChanged = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for testing.
type FakeClock struct {
	mu             sync.Mutex
	current        time.Time
	tickers        []*fakeTicker
	tickersChanged *sync.Cond
}

type fakeTicker struct {
	deadline time.Time
	interval time.Duration
	channel  chan time.Time
	stopped  bool
}

// Compile-time check to ensure FakeClock implements Clock
var _ Clock = (*FakeClock)(nil)

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NewTicker registers a ticker that fires as Advance moves past its deadlines.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	ticker := &fakeTicker{
		deadline: c.current.Add(d),
		interval: d,
		channel:  channel,
	}
	c.tickers = append(c.tickers, ticker)
	c.tickersChanged.Broadcast()

	return &Ticker{
		C: channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			ticker.stopped = true
			c.tickers = slices.DeleteFunc(c.tickers, func(t *fakeTicker) bool { return t == ticker })
			c.tickersChanged.Broadcast()
		},
	}
}

// Advance moves the clock forward by d and fires every ticker whose deadline falls
// within the new time. Sends are non-blocking, matching time.Ticker's
// drop-if-full behavior.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
	for _, ticker := range c.tickers {
		if ticker.stopped {
			continue
		}
		for !ticker.deadline.After(c.current) {
			select {
			case ticker.channel <- c.current:
			default:
			}
			ticker.deadline = ticker.deadline.Add(ticker.interval)
		}
	}
}

// WaitForTickers blocks until at least n tickers are active.
func (c *FakeClock) WaitForTickers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.tickers) < n {
		c.tickersChanged.Wait()
	}
}

// TickerCount returns the number of active tickers.
func (c *FakeClock) TickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}
