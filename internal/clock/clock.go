// Package clock abstracts the time operations the monitor depends on so tests can
// drive polling deterministically. Production code injects Real(); tests inject
// Fake() and call Advance.
package clock

import "time"

// Clock is the subset of the time package used by pollers.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTicker returns a Ticker that delivers ticks on its C channel at the
	// specified interval. Panics if d <= 0. Equivalent to time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Ticker wraps a periodic timer. Read ticks from C. Call Stop when the Ticker is
// no longer needed to release resources.
//
// The C channel has capacity 1, matching time.Ticker. If the consumer falls
// behind, ticks are dropped rather than queued.
type Ticker struct {
	// C delivers ticks. Buffered with capacity 1.
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. No more ticks will be sent on C after Stop returns.
// Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{
		C:        ticker.C,
		stopFunc: ticker.Stop,
	}
}
