// Package tracker implements the per-huge-page allocator (Tracker) and the
// intrusive, fullness-ordered lists that the filler uses to pick a tracker
// for each allocation (TrackerLists). Both live in one package because the
// lists splice trackers in place by mutating the trackers' own link
// pointers directly.
package tracker

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hpfiller/pagebitmap"
)

// MaxSmallSpan is the run-length threshold below which a free span is
// tallied into the small-span histograms kept by AddSpanStats; spans at or
// above this length are folded into the aggregate "large" bucket instead.
const MaxSmallSpan = 64

// Density is the access-density hint attached to a request at allocation
// time. It is not a property of the pages themselves, only of the
// allocation that asked for them; it also tags which of the filler's two
// parallel list sets a tracker currently lives in.
type Density int

const (
	Sparse Density = iota
	Dense
)

func (d Density) String() string {
	if d == Dense {
		return "dense"
	}
	return "sparse"
}

// SpanAllocInfo is caller-supplied metadata attached to every allocation.
type SpanAllocInfo struct {
	ObjectsPerSpan int
	Density        Density
}

// PageID names a small page.
type PageID int64

// Range is a contiguous span of page identifiers.
type Range struct {
	First  PageID
	Length int
}

func (r Range) End() PageID { return r.First + PageID(r.Length) }

// SpanHistogram tallies free-run lengths shorter than MaxSmallSpan,
// separately for runs that are still mapped (Normal) and runs that have
// been released to the OS (Returned).
type SpanHistogram struct {
	NormalLength   [MaxSmallSpan]int
	ReturnedLength [MaxSmallSpan]int
}

// LargeSpanStats aggregates runs at or above MaxSmallSpan.
type LargeSpanStats struct {
	Spans        int
	NormalPages  int
	ReturnedPages int
}

// UnmapFunc asks the owning caller to release a range of pages back to the
// OS. It returns false if the range is unchanged and should be retried
// later; it must never block forever and never panics.
type UnmapFunc func(Range) bool

// Tracker is the allocator for the N small pages inside one huge page.
type Tracker struct {
	firstPage PageID
	n         int

	allocated *pagebitmap.Bitmap
	released  *pagebitmap.Bitmap

	wasDonated    bool
	everAllocated bool
	creationTime  int64

	usedPages int
	nallocs   int

	density Density

	// Intrusive doubly-linked list pointers, valid only while the tracker
	// is reachable from a Lists bucket. prev is nil at the head of the
	// bucket and next is nil at its tail; both are nil when the tracker is
	// the sole member of its bucket, in which case inBucket is still set.
	prev, next *Tracker
	inBucket   *bucket
}

// New creates a tracker over the N pages starting at firstPage. The
// tracker starts with every page free and unreleased; creationTime is
// recorded but only becomes meaningful once the tracker is first used (see
// CreationTime).
func New(firstPage PageID, n int, wasDonated bool, density Density, now int64) *Tracker {
	if n <= 0 {
		panic(errors.Errorf("tracker: invalid page count %d", n))
	}
	return &Tracker{
		firstPage:    firstPage,
		n:            n,
		allocated:    pagebitmap.New(n),
		released:     pagebitmap.New(n),
		wasDonated:   wasDonated,
		density:      density,
		creationTime: now,
	}
}

func (t *Tracker) FirstPage() PageID { return t.firstPage }
func (t *Tracker) NumPages() int     { return t.n }
func (t *Tracker) WasDonated() bool  { return t.wasDonated }
func (t *Tracker) CreationTime() int64 { return t.creationTime }
func (t *Tracker) Density() Density  { return t.density }

// SetDensity reclassifies which density bucket this tracker should be
// considered to belong to. Callers must follow this with Lists.Reclassify.
func (t *Tracker) SetDensity(d Density) { t.density = d }

func (t *Tracker) UsedPages() int     { return t.usedPages }
func (t *Tracker) FreePages() int     { return t.n - t.usedPages }
func (t *Tracker) ReleasedPages() int { return t.released.CountOnes() }
func (t *Tracker) Nallocs() int       { return t.nallocs }

// LongestFreeRange is the length of the longest maximal run of free pages.
func (t *Tracker) LongestFreeRange() int { return t.allocated.LongestZeroRun() }

// FreeChunkCount is the number of maximal free runs, used as a tie-breaker
// in list ordering: fewer, larger chunks are preferred over many small
// ones for a given LongestFreeRange.
func (t *Tracker) FreeChunkCount() int {
	count := 0
	t.allocated.ForEachZeroRun(func(int, int) { count++ })
	return count
}

// Allocate finds the lowest-addressed run of length free pages and marks
// it allocated. The caller must have already checked
// length <= t.LongestFreeRange(); violating that precondition is a
// programmer error and panics, mirroring the general treatment of
// internal invariant breaches.
//
// fromReleased is true if any page in the chosen run had been released to
// the OS; the caller must remap those pages (via the injected remap
// operation) before handing them out. Their bits are cleared from the
// released bitmap as part of this call regardless of whether the caller
// has remapped them yet -- once allocated, a page is by definition no
// longer "released" (allocated and released are mutually exclusive).
func (t *Tracker) Allocate(length int) (first PageID, fromReleased bool, err error) {
	if length <= 0 || length > t.n {
		return 0, false, errors.Errorf("tracker: invalid allocation length %d", length)
	}
	start, ok := t.allocated.FindAndSetFirstFit(length)
	if !ok {
		panic(errors.Errorf("tracker: allocate(%d) violated precondition length <= longest_free_range (%d)", length, t.LongestFreeRange()))
	}

	if t.released.CountOnesIn(start, length) > 0 {
		fromReleased = true
		t.released.ClearRange(start, length)
	}

	t.usedPages += length
	t.nallocs++
	t.everAllocated = true

	return t.firstPage + PageID(start), fromReleased, nil
}

// UndoAllocate reverses a successful Allocate call for the exact range it
// returned, restoring the tracker to its pre-allocation state. wasReleased
// must be the fromReleased value Allocate returned for this range: Allocate
// clears the released bits for any previously-released pages in the chosen
// run unconditionally, so undoing the allocation (e.g. because the caller's
// remap of those pages failed) must re-set them, or the pages end up
// recorded as free-and-mapped while still unmapped at the OS.
func (t *Tracker) UndoAllocate(r Range, wasReleased bool) error {
	if err := t.Free(r); err != nil {
		return err
	}
	if wasReleased {
		start := int(r.First - t.firstPage)
		t.released.SetRange(start, r.Length)
	}
	return nil
}

// Free marks r as no longer allocated. The pages stay mapped until
// ReleaseFree is called; this never shrinks released_pages.
func (t *Tracker) Free(r Range) error {
	start := int(r.First - t.firstPage)
	if start < 0 || start+r.Length > t.n {
		return errors.Errorf("tracker: range %+v is out of bounds for tracker at %d with %d pages", r, t.firstPage, t.n)
	}
	if t.allocated.CountOnesIn(start, r.Length) != r.Length {
		panic(errors.Errorf("tracker: free(%+v) violated precondition that every page in the range is allocated", r))
	}

	t.allocated.ClearRange(start, r.Length)
	t.usedPages -= r.Length
	t.nallocs--

	if t.usedPages < 0 || t.nallocs < 0 {
		panic(errors.New("tracker: usedPages/nallocs went negative, internal accounting is broken"))
	}

	return nil
}

// ReleaseFree walks every maximal run of pages that are free and not
// already released, invoking unmap on each. An already-released free run
// that borders a not-yet-released run on one side only is coalesced into
// that run's unmap call; an already-released run with not-yet-released
// runs on both sides is not merged, and those two runs get separate unmap
// calls (see splitReleaseGroups). If unmap returns false for a given call,
// none of the pages in that call are marked released -- including the
// pages of an absorbed already-released run, which become unreleased
// again -- and they remain candidates for a future ReleaseFree call.
func (t *Tracker) ReleaseFree(unmap UnmapFunc) int {
	return t.releaseFreeBudgeted(unmap, -1)
}

// ReleaseFreeUpTo behaves like ReleaseFree but releases at most maxPages
// pages during this call: an unmap group that would go past the budget is
// trimmed to the pages still allowed, and no further unmap calls are issued
// once the budget is reached, so a single tracker never contributes more
// than its quota to one release pass. A non-positive maxPages releases
// nothing.
func (t *Tracker) ReleaseFreeUpTo(unmap UnmapFunc, maxPages int) int {
	if maxPages <= 0 {
		return 0
	}
	return t.releaseFreeBudgeted(unmap, maxPages)
}

// releaseFreeBudgeted is ReleaseFree with an optional cap: maxPages < 0
// means unbounded, matching ReleaseFree exactly.
func (t *Tracker) releaseFreeBudgeted(unmap UnmapFunc, maxPages int) int {
	released := 0
	t.allocated.ForEachZeroRun(func(runStart, runLength int) {
		if maxPages >= 0 && released >= maxPages {
			return
		}
		for _, g := range t.splitReleaseGroups(runStart, runStart+runLength) {
			if maxPages >= 0 && released >= maxPages {
				return
			}
			if !g.needsUnmap {
				continue
			}

			length := g.end - g.start
			prior := t.released.CountOnesIn(g.start, length)
			if maxPages >= 0 && length-prior > maxPages-released {
				// Keep any already-released prefix of the group and only as
				// many not-yet-released pages as the budget still allows.
				dirtyStart := t.released.FirstZeroFrom(g.start)
				length = dirtyStart + (maxPages - released) - g.start
				prior = dirtyStart - g.start
			}
			// Pessimistically treat the whole merged group as pending:
			// if the call fails, every page in it -- including pages that
			// were already released before this call -- ends up
			// un-released, matching the observed coalescing behavior
			// when a not-yet-released run absorbs an already-released
			// neighbor run.
			t.released.ClearRange(g.start, length)

			rng := Range{First: t.firstPage + PageID(g.start), Length: length}
			if unmap(rng) {
				t.released.SetRange(g.start, length)
				released += length - prior
			}
		}
	})
	return released
}

// releaseGroup is one candidate unmap call: a maximal not-yet-released
// free run, plus any already-released free run immediately adjacent to it
// on exactly one side (this style favors small named structs over
// tuples for this kind of intermediate state; see memutils/metadata's
// AllocationRequest).
type releaseGroup struct {
	start, end int
	needsUnmap bool
}

// splitReleaseGroups partitions one maximal free run [runStart, runEnd)
// into the groups that ReleaseFree will issue at most one unmap call for
// each. A free run made entirely of already-released pages yields one
// group with needsUnmap=false. Within a run that mixes released and
// unreleased pages, an already-released sub-run is folded into whichever
// single not-yet-released neighbor sub-run borders it; if not-yet-released
// sub-runs border it on both sides, it is left standalone (it is already
// released, so it is simply skipped).
func (t *Tracker) splitReleaseGroups(runStart, runEnd int) []releaseGroup {
	type subrun struct {
		start, length int
		dirty         bool // true = free and not yet released
	}

	var subs []subrun
	for i := runStart; i < runEnd; {
		dirty := !t.released.Test(i)
		var end int
		if dirty {
			end = t.released.FirstOneFrom(i)
		} else {
			end = t.released.FirstZeroFrom(i)
		}
		if end > runEnd {
			end = runEnd
		}
		subs = append(subs, subrun{start: i, length: end - i, dirty: dirty})
		i = end
	}

	var groups []releaseGroup
	pendingPrefixStart := -1
	for idx, s := range subs {
		if s.dirty {
			start := s.start
			if pendingPrefixStart >= 0 {
				start = pendingPrefixStart
				pendingPrefixStart = -1
			}
			groups = append(groups, releaseGroup{start: start, end: s.start + s.length, needsUnmap: true})
			continue
		}

		leftDirty := idx > 0 && subs[idx-1].dirty
		rightDirty := idx < len(subs)-1 && subs[idx+1].dirty
		switch {
		case leftDirty && !rightDirty:
			groups[len(groups)-1].end = s.start + s.length
		case rightDirty && !leftDirty:
			pendingPrefixStart = s.start
		default:
			// Either already-released on both sides (ambiguous, left
			// standalone) or the entire run is already released.
			groups = append(groups, releaseGroup{start: s.start, end: s.start + s.length, needsUnmap: false})
		}
	}
	return groups
}

// AddSpanStats enumerates every maximal free run and tallies it into small
// when it is shorter than MaxSmallSpan, into large otherwise. A run counts
// as returned (released) only if every page in it is released; otherwise
// it counts as normal.
func (t *Tracker) AddSpanStats(small *SpanHistogram, large *LargeSpanStats) {
	t.allocated.ForEachZeroRun(func(start, length int) {
		isReleased := t.released.CountOnesIn(start, length) == length
		if length < MaxSmallSpan {
			if small == nil {
				return
			}
			if isReleased {
				small.ReturnedLength[length]++
			} else {
				small.NormalLength[length]++
			}
			return
		}
		if large == nil {
			return
		}
		large.Spans++
		if isReleased {
			large.ReturnedPages += length
		} else {
			large.NormalPages += length
		}
	})
}

// ResidencyInfo is the per-huge-page classification of native pages
// reported by count_info_in_huge_page.
type ResidencyInfo struct {
	FreeSwapped           int
	UsedSwapped           int
	UsedUnbacked          int
	NonFreeNonUsedUnbacked int
}

// CountInfoInHugePage classifies native pages described by unbacked and
// swapped (both indexed over the same N small pages as this tracker,
// already scaled to this tracker's page granularity by the caller) against
// this tracker's allocation state.
func (t *Tracker) CountInfoInHugePage(unbacked, swapped *pagebitmap.Bitmap) ResidencyInfo {
	var info ResidencyInfo
	for i := 0; i < t.n; i++ {
		used := t.allocated.Test(i)
		isSwapped := swapped != nil && swapped.Test(i)
		isUnbacked := unbacked != nil && unbacked.Test(i)

		switch {
		case !used && isSwapped:
			info.FreeSwapped++
		case used && isSwapped:
			info.UsedSwapped++
		case used && isUnbacked:
			info.UsedUnbacked++
		case !used && isUnbacked:
			info.NonFreeNonUsedUnbacked++
		}
	}
	return info
}

// Validate performs expensive internal consistency checks. Nothing in this
// module calls it automatically; callers may call it directly for
// diagnostics.
func (t *Tracker) Validate() error {
	if t.allocated.CountOnesIn(0, t.n) != t.usedPages {
		return errors.Errorf("tracker: usedPages=%d but allocated bitmap has %d set bits", t.usedPages, t.allocated.CountOnesIn(0, t.n))
	}
	for i := 0; i < t.n; i++ {
		if t.allocated.Test(i) && t.released.Test(i) {
			return errors.Errorf("tracker: page %d is both allocated and released", i)
		}
	}
	if t.released.CountOnes() > t.FreePages() {
		return errors.Errorf("tracker: releasedPages=%d exceeds freePages=%d", t.released.CountOnes(), t.FreePages())
	}
	if (t.nallocs == 0) != (t.usedPages == 0) {
		return errors.Errorf("tracker: nallocs=%d and usedPages=%d must be zero together", t.nallocs, t.usedPages)
	}
	return nil
}
