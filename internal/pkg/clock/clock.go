// Package clock wraps clockwork so services read time and schedule
// periodic work through one injectable source.
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock supplies the current instant. Services never call time.Now directly.
type Clock interface {
	Now() time.Time
}

// Ticking clocks can also drive periodic work.
type Ticking interface {
	Clock
	NewTicker(d time.Duration) clockwork.Ticker
}

var wall = clockwork.NewRealClock()

type Real struct{}

func (Real) Now() time.Time { return wall.Now().UTC() }

func (Real) NewTicker(d time.Duration) clockwork.Ticker { return wall.NewTicker(d) }

// NewTicker ticks on c when it can, otherwise on the wall clock.
func NewTicker(c Clock, d time.Duration) clockwork.Ticker {
	if t, ok := c.(Ticking); ok {
		return t.NewTicker(d)
	}
	return wall.NewTicker(d)
}

// Fake is a manually driven clock for tests and sweep replays.
type Fake struct {
	fc *clockwork.FakeClock
}

func NewFake(t time.Time) *Fake {
	return &Fake{fc: clockwork.NewFakeClockAt(t.UTC())}
}

func (f *Fake) Now() time.Time { return f.fc.Now().UTC() }

func (f *Fake) NewTicker(d time.Duration) clockwork.Ticker { return f.fc.NewTicker(d) }

// Set moves the clock to t, backwards if need be. Tickers fire for every
// period crossed on the way forward.
func (f *Fake) Set(t time.Time) {
	f.fc.Advance(t.Sub(f.fc.Now()))
}

func (f *Fake) Advance(d time.Duration) time.Time {
	f.fc.Advance(d)
	return f.Now()
}

// BlockUntilTickers waits until n tickers or timers are waiting on f.
func (f *Fake) BlockUntilTickers(ctx context.Context, n int) error {
	return f.fc.BlockUntilContext(ctx, n)
}
