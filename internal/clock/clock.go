// Package clock abstracts time so expiry and retention logic can be tested deterministically.
// Production code injects Real(); tests inject Fake() and move time with Advance.
package clock

import "time"

type Clock interface {
	Now() time.Time

	// NewTicker returns a Ticker that delivers ticks on its C channel at the given interval
	// Panics if d <= 0, same as time.NewTicker
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C (capacity 1, slow consumers drop ticks). Call Stop when done.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

func (t *Ticker) Stop() { t.stopFunc() }

// Real returns a Clock backed by the time package
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
