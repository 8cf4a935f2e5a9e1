// Package hpclock provides the {now, freq} clock pair injected into the
// filler, plus a fake clock for tests that need to advance time
// deterministically, mirroring the dependency injection of allocation
// callbacks and granularity handlers rather than relying on a
// package-level time source.
package hpclock

import "time"

// Clock is a pair of a monotonic tick source and its frequency in ticks
// per second. Durations are converted to ticks via ToTicks.
type Clock struct {
	Now  func() int64
	Freq int64
}

// ToTicks converts a wall-clock duration into this clock's tick units.
func (c Clock) ToTicks(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d.Seconds() * float64(c.Freq))
}

// System returns a Clock backed by the real wall clock, at nanosecond
// resolution.
func System() Clock {
	start := time.Now()
	return Clock{
		Now: func() int64 {
			return int64(time.Since(start))
		},
		Freq: int64(time.Second),
	}
}

// Fake is a manually-advanced clock for tests.
type Fake struct {
	ticks int64
	freq  int64
}

// NewFake creates a fake clock at tick 0 with the given frequency.
func NewFake(freq int64) *Fake {
	return &Fake{freq: freq}
}

// Now returns the current fake tick value.
func (f *Fake) Now() int64 { return f.ticks }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.ticks += int64(d.Seconds() * float64(f.freq))
}

// Set pins the fake clock to an absolute tick value.
func (f *Fake) Set(ticks int64) { f.ticks = ticks }

// Clock returns the injectable Clock view of this fake.
func (f *Fake) Clock() Clock {
	return Clock{Now: f.Now, Freq: f.freq}
}
