// Package demand implements the ring-buffered per-epoch demand history the
// filler consults when deciding how many free pages are safe to release.
package demand

import (
	"time"

	"github.com/vkngwrapper/hpfiller/hpclock"
	"gopkg.in/errgo.v2/errors"
)

// ErrWindowTooShort is the sentinel construction error for a window
// shorter than a single epoch, which would make the ring incapable of
// covering even one sample.
var ErrWindowTooShort = errors.New("demand: window must be at least one epoch")

// Sample is the (min, max) used-page demand observed within one epoch.
type Sample struct {
	Min int
	Max int
}

// TimeSeries is a fixed-size ring of per-epoch demand samples, sized to
// cover at least the largest interval any SkipSubreleasePolicy will query.
type TimeSeries struct {
	clock     hpclock.Clock
	epoch     time.Duration
	samples   []Sample
	epochTime []int64
	next      int
	filled    int

	epochStart int64
	cur        Sample
	haveCur    bool
}

// New creates a TimeSeries with enough ring capacity to cover window, in
// epoch-sized buckets. A misconfigured window (shorter than one epoch) is
// a construction-time programmer error and panics with ErrWindowTooShort,
// matching the general "precondition violations panic" treatment.
func New(clock hpclock.Clock, epoch time.Duration, window time.Duration) *TimeSeries {
	if epoch <= 0 || window < epoch {
		panic(ErrWindowTooShort)
	}
	n := int(window/epoch) + 1
	if n < 1 {
		n = 1
	}
	return &TimeSeries{
		clock:     clock,
		epoch:     epoch,
		samples:   make([]Sample, n),
		epochTime: make([]int64, n),
	}
}

// Report folds a single observed used-page count into the current epoch,
// rolling the ring forward whenever the clock has advanced past the epoch
// boundary. It must be called at every allocate/free so the series stays
// current without a background ticker.
func (ts *TimeSeries) Report(used int) {
	now := ts.clock.Now()
	epochTicks := ts.clock.ToTicks(ts.epoch)
	if epochTicks <= 0 {
		epochTicks = 1
	}

	if !ts.haveCur {
		ts.epochStart = now
		ts.cur = Sample{Min: used, Max: used}
		ts.haveCur = true
		return
	}

	if now-ts.epochStart >= epochTicks {
		ts.push(ts.cur, ts.epochStart)
		// Jump straight to the epoch containing now. Epochs in between
		// that received no Report call carry no fabricated sample.
		elapsed := (now - ts.epochStart) / epochTicks
		ts.epochStart += elapsed * epochTicks
		ts.cur = Sample{Min: used, Max: used}
		return
	}

	if used < ts.cur.Min {
		ts.cur.Min = used
	}
	if used > ts.cur.Max {
		ts.cur.Max = used
	}
}

func (ts *TimeSeries) push(s Sample, at int64) {
	ts.samples[ts.next] = s
	ts.epochTime[ts.next] = at
	ts.next = (ts.next + 1) % len(ts.samples)
	if ts.filled < len(ts.samples) {
		ts.filled++
	}
}

// MaxOverWindow returns the maximum Max-sample observed in the last window
// of wall-clock time, including the still-accumulating current epoch.
func (ts *TimeSeries) MaxOverWindow(window time.Duration) int {
	return ts.reduceOverWindow(window, func(s Sample) int { return s.Max })
}

// MinOverWindow returns the minimum Min-sample observed in the last window.
func (ts *TimeSeries) MinOverWindow(window time.Duration) int {
	best := -1
	ts.eachInWindow(window, func(s Sample) {
		if best < 0 || s.Min < best {
			best = s.Min
		}
	})
	if best < 0 {
		return 0
	}
	return best
}

// MaxSpreadOverWindow returns the maximum (Max-Min) spread observed within
// any single epoch inside the window -- used for the short_interval term of
// the skip-subrelease policy.
func (ts *TimeSeries) MaxSpreadOverWindow(window time.Duration) int {
	return ts.reduceOverWindow(window, func(s Sample) int { return s.Max - s.Min })
}

func (ts *TimeSeries) reduceOverWindow(window time.Duration, f func(Sample) int) int {
	best := 0
	ts.eachInWindow(window, func(s Sample) {
		if v := f(s); v > best {
			best = v
		}
	})
	return best
}

func (ts *TimeSeries) eachInWindow(window time.Duration, visit func(Sample)) {
	if ts.haveCur {
		visit(ts.cur)
	}
	if window <= 0 || ts.filled == 0 {
		return
	}
	cutoff := ts.clock.Now() - ts.clock.ToTicks(window)
	n := len(ts.samples)
	for i := 0; i < ts.filled; i++ {
		idx := (ts.next - 1 - i + n) % n
		if ts.epochTime[idx] < cutoff {
			break
		}
		visit(ts.samples[idx])
	}
}
