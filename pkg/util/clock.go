package util

import "time"

// Clock abstracts timer scheduling. The broadcast loop paces itself off
// After, which lets tests drive ticks from a hand-fed channel instead of
// waiting on real time.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

// RealClock delegates to the time package.
type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }
