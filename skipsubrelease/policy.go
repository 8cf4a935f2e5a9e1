// Package skipsubrelease implements the heuristic that protects recently
// demanded pages from release: consult a short rolling history before
// committing to a release decision, and keep a ledger of whether past
// decisions paid off.
package skipsubrelease

import (
	"time"

	"github.com/vkngwrapper/hpfiller/demand"
)

// Intervals carries the up-to-three configured windows. Zero means unused.
type Intervals struct {
	Peak  time.Duration
	Short time.Duration
	Long  time.Duration
}

// Enabled reports whether any interval is configured.
func (iv Intervals) Enabled() bool {
	return iv.Peak > 0 || iv.Short > 0 || iv.Long > 0
}

// Protected computes how many currently-free pages are protected from
// release given the recent demand history and the active intervals, capped
// at capacityMinusUsed.
func Protected(series *demand.TimeSeries, iv Intervals, currentUsed, capacityMinusUsed int) int {
	var protected int
	switch {
	case iv.Peak > 0:
		protected = series.MaxOverWindow(iv.Peak) - currentUsed
	case iv.Short > 0 || iv.Long > 0:
		protected = series.MinOverWindow(iv.Long) + series.MaxSpreadOverWindow(iv.Short) - currentUsed
	default:
		protected = 0
	}
	if protected < 0 {
		protected = 0
	}
	if protected > capacityMinusUsed {
		protected = capacityMinusUsed
	}
	return protected
}

// DefaultLedgerSize bounds the pending-decision ring when no explicit
// size is configured: a bounded ring that drops its oldest entries with
// no verdict once full, rather than growing without limit when
// evaluation falls behind.
const DefaultLedgerSize = 64

// Ledger tracks outstanding skip decisions and tallies how many were later
// confirmed correct, i.e. demand actually returned to justify the pages
// that were withheld from release.
type Ledger struct {
	horizon int64
	clock   func() int64
	size    int
	pending []pendingEntry

	confirmedCorrect int64
	totalDecisions   int64
	droppedNoVerdict int64
}

type pendingEntry struct {
	recordedAt int64
	protected  int
	usedAtTime int
}

// NewLedger creates a ledger that evaluates decisions after horizon has
// elapsed, using now to read the current clock tick. The pending queue is
// capped at DefaultLedgerSize; use NewLedgerWithSize for a custom cap.
func NewLedger(now func() int64, horizon time.Duration, toTicks func(time.Duration) int64) *Ledger {
	return NewLedgerWithSize(now, horizon, toTicks, DefaultLedgerSize)
}

// NewLedgerWithSize is NewLedger with an explicit pending-queue cap.
func NewLedgerWithSize(now func() int64, horizon time.Duration, toTicks func(time.Duration) int64, size int) *Ledger {
	if size <= 0 {
		size = DefaultLedgerSize
	}
	return &Ledger{horizon: toTicks(horizon), clock: now, size: size}
}

// Record enters a new skip decision into the pending queue. If the queue
// is already at capacity, the oldest pending entry is evicted with no
// verdict recorded for it before the new one is appended.
func (l *Ledger) Record(protected, usedAtTime int) {
	l.totalDecisions++
	if len(l.pending) >= l.size {
		l.pending = l.pending[1:]
		l.droppedNoVerdict++
	}
	l.pending = append(l.pending, pendingEntry{
		recordedAt: l.clock(),
		protected:  protected,
		usedAtTime: usedAtTime,
	})
}

// Evaluate drains every pending entry whose horizon has elapsed, checking
// actualUsed (current used-page count at evaluation time) against the
// entry's justification: the skip counts as correct if actualUsed is
// higher than the used-page count recorded with the decision, meaning
// demand climbed back and the withheld pages were in fact needed again.
func (l *Ledger) Evaluate(actualUsed int) {
	now := l.clock()
	kept := l.pending[:0]
	for _, e := range l.pending {
		if now-e.recordedAt < l.horizon {
			kept = append(kept, e)
			continue
		}
		if actualUsed > e.usedAtTime {
			l.confirmedCorrect++
		}
	}
	l.pending = kept
}

// ConfirmedCorrect returns the running count of decisions confirmed
// correct after their evaluation horizon elapsed.
func (l *Ledger) ConfirmedCorrect() int64 { return l.confirmedCorrect }

// TotalDecisions returns the running count of all recorded decisions,
// evaluated or still pending.
func (l *Ledger) TotalDecisions() int64 { return l.totalDecisions }

// Pending returns the number of decisions still awaiting their evaluation
// horizon.
func (l *Ledger) Pending() int { return len(l.pending) }

// DroppedNoVerdict returns the running count of pending decisions evicted
// by backlog before their evaluation horizon elapsed.
func (l *Ledger) DroppedNoVerdict() int64 { return l.droppedNoVerdict }
