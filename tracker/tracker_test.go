package tracker_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hpfiller/tracker"
)

const pphp = 256

func newEmptyTracker(t *testing.T) *tracker.Tracker {
	t.Helper()
	return tracker.New(0, pphp, false, tracker.Sparse, 0)
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	tr := newEmptyTracker(t)

	first, fromReleased, err := tr.Allocate(10)
	require.NoError(t, err)
	require.False(t, fromReleased)
	require.Equal(t, 10, tr.UsedPages())
	require.Equal(t, pphp-10, tr.FreePages())

	require.NoError(t, tr.Free(tracker.Range{First: first, Length: 10}))
	require.Equal(t, 0, tr.UsedPages())
	require.Equal(t, pphp, tr.FreePages())
	require.Equal(t, pphp, tr.LongestFreeRange())
}

func TestAllocateBoundaryLastIndex(t *testing.T) {
	tr := newEmptyTracker(t)

	for i := 0; i < pphp-1; i++ {
		_, _, err := tr.Allocate(1)
		require.NoError(t, err)
	}
	require.Equal(t, 1, tr.LongestFreeRange())

	first, _, err := tr.Allocate(1)
	require.NoError(t, err)
	require.Equal(t, tracker.PageID(pphp-1), first)
	require.Equal(t, pphp, tr.UsedPages())
}

func TestAllocateAfterReleaseReportsFromReleased(t *testing.T) {
	tr := newEmptyTracker(t)

	first, _, err := tr.Allocate(pphp / 2)
	require.NoError(t, err)
	require.NoError(t, tr.Free(tracker.Range{First: first, Length: pphp / 2}))

	unmapSucceeds := func(tracker.Range) bool { return true }
	released := tr.ReleaseFree(unmapSucceeds)
	require.Equal(t, pphp, released)

	_, fromReleased, err := tr.Allocate(pphp / 2)
	require.NoError(t, err)
	require.True(t, fromReleased)
	require.Equal(t, pphp/2, tr.ReleasedPages())
}

func TestReleasingReturn(t *testing.T) {
	// Mirrors the "releasing-return" scenario: allocate four adjacent
	// ranges A,B,C,D, free B and D, release, then free A and C and
	// release again with a coalesced failure on C(union)D.
	tr := newEmptyTracker(t)

	lenA := pphp/4 - 3
	lenB := pphp / 4
	lenC := pphp/4 + 1
	lenD := pphp/4 + 2
	require.Equal(t, pphp, lenA+lenB+lenC+lenD)

	a, _, err := tr.Allocate(lenA)
	require.NoError(t, err)
	b, _, err := tr.Allocate(lenB)
	require.NoError(t, err)
	c, _, err := tr.Allocate(lenC)
	require.NoError(t, err)
	d, _, err := tr.Allocate(lenD)
	require.NoError(t, err)

	require.NoError(t, tr.Free(tracker.Range{First: b, Length: lenB}))
	require.NoError(t, tr.Free(tracker.Range{First: d, Length: lenD}))

	alwaysSucceed := func(tracker.Range) bool { return true }
	released := tr.ReleaseFree(alwaysSucceed)
	require.Equal(t, lenB+lenD, released)
	require.Equal(t, lenB+lenD, tr.ReleasedPages())
	require.Equal(t, lenB+lenD, tr.FreePages())

	require.NoError(t, tr.Free(tracker.Range{First: a, Length: lenA}))
	require.NoError(t, tr.Free(tracker.Range{First: c, Length: lenC}))

	var calls []tracker.Range
	unmapCFails := func(r tracker.Range) bool {
		calls = append(calls, r)
		// Fail exactly the call that covers C (and whatever it absorbed).
		return r.First != c
	}
	tr.ReleaseFree(unmapCFails)

	require.Len(t, calls, 2)
	require.Equal(t, a, calls[0].First)
	require.Equal(t, lenA, calls[0].Length)
	require.Equal(t, c, calls[1].First)
	require.Equal(t, lenC+lenD, calls[1].Length)

	require.Equal(t, lenA+lenB, tr.ReleasedPages())
	require.Equal(t, pphp, tr.FreePages())
}

func TestReleaseFreeSkipsAlreadyReleasedRun(t *testing.T) {
	tr := newEmptyTracker(t)
	_, _, err := tr.Allocate(pphp)
	require.NoError(t, err)
	require.NoError(t, tr.Free(tracker.Range{First: 0, Length: pphp}))

	calls := 0
	tr.ReleaseFree(func(tracker.Range) bool { calls++; return true })
	require.Equal(t, 1, calls)

	tr.ReleaseFree(func(tracker.Range) bool { calls++; return true })
	require.Equal(t, 1, calls, "already-released run must not be unmapped again")
}

func TestUndoAllocateRestoresReleasedBits(t *testing.T) {
	tr := newEmptyTracker(t)

	first, _, err := tr.Allocate(pphp / 2)
	require.NoError(t, err)
	require.NoError(t, tr.Free(tracker.Range{First: first, Length: pphp / 2}))
	require.Equal(t, pphp, tr.ReleaseFree(func(tracker.Range) bool { return true }))
	require.Equal(t, pphp, tr.ReleasedPages())

	second, fromReleased, err := tr.Allocate(pphp / 2)
	require.NoError(t, err)
	require.True(t, fromReleased)
	require.Equal(t, pphp/2, tr.ReleasedPages())

	require.NoError(t, tr.UndoAllocate(tracker.Range{First: second, Length: pphp / 2}, fromReleased))
	require.Equal(t, 0, tr.UsedPages())
	require.Equal(t, pphp, tr.ReleasedPages(), "undoing a from_released allocation must restore the released bits")
}

func TestUndoAllocateOfOrdinaryFreeLeavesNoReleasedBits(t *testing.T) {
	tr := newEmptyTracker(t)

	first, fromReleased, err := tr.Allocate(10)
	require.NoError(t, err)
	require.False(t, fromReleased)

	require.NoError(t, tr.UndoAllocate(tracker.Range{First: first, Length: 10}, fromReleased))
	require.Equal(t, 0, tr.ReleasedPages())
	require.Equal(t, pphp, tr.FreePages())
}

func TestReleaseFreeUpToStopsAtBudget(t *testing.T) {
	tr := newEmptyTracker(t)
	_, _, err := tr.Allocate(pphp)
	require.NoError(t, err)
	require.NoError(t, tr.Free(tracker.Range{First: 0, Length: pphp}))

	released := tr.ReleaseFreeUpTo(func(tracker.Range) bool { return true }, 10)
	require.Equal(t, 10, released)
	require.Equal(t, 10, tr.ReleasedPages())

	more := tr.ReleaseFreeUpTo(func(tracker.Range) bool { return true }, pphp)
	require.Equal(t, pphp-10, more)
	require.Equal(t, pphp, tr.ReleasedPages())
}

func TestReleaseFreeUpToNonPositiveBudgetReleasesNothing(t *testing.T) {
	tr := newEmptyTracker(t)
	_, _, err := tr.Allocate(pphp)
	require.NoError(t, err)
	require.NoError(t, tr.Free(tracker.Range{First: 0, Length: pphp}))

	require.Equal(t, 0, tr.ReleaseFreeUpTo(func(tracker.Range) bool { return true }, 0))
	require.Equal(t, 0, tr.ReleasedPages())
}

func TestFreeNotAllocatedPanics(t *testing.T) {
	tr := newEmptyTracker(t)
	require.Panics(t, func() {
		_ = tr.Free(tracker.Range{First: 0, Length: 1})
	})
}

func TestAllocateBeyondLongestFreeRangePanics(t *testing.T) {
	tr := newEmptyTracker(t)
	_, _, err := tr.Allocate(pphp)
	require.NoError(t, err)

	require.Panics(t, func() {
		_, _, _ = tr.Allocate(1)
	})
}

func TestAddSpanStatsBoundaryRun(t *testing.T) {
	tr := newEmptyTracker(t)
	firsts := make([]tracker.PageID, pphp)
	for i := 0; i < pphp; i++ {
		first, _, err := tr.Allocate(1)
		require.NoError(t, err)
		firsts[i] = first
	}

	require.NoError(t, tr.Free(tracker.Range{First: tracker.PageID(pphp - 1), Length: 1}))

	var small tracker.SpanHistogram
	var large tracker.LargeSpanStats
	tr.AddSpanStats(&small, &large)

	require.Equal(t, 1, small.NormalLength[1])
	require.Equal(t, 0, large.Spans)
}
