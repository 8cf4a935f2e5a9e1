// Package filler implements the multiplexer across many huge-page
// trackers: tracker selection for each allocation, list classification,
// the release engine's priority ordering, and the skip-subrelease
// integration.
package filler

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/hpfiller/demand"
	"github.com/vkngwrapper/hpfiller/hpclock"
	"github.com/vkngwrapper/hpfiller/hpstats"
	"github.com/vkngwrapper/hpfiller/residency"
	"github.com/vkngwrapper/hpfiller/skipsubrelease"
	"github.com/vkngwrapper/hpfiller/tracker"
	"golang.org/x/exp/slog"
)

// kCandidatesForReleasingMemory bounds the top-k window the release
// engine buffers from a bucket before choosing the most-empty tracker,
// so the comparator never has to walk an entire (possibly long) list.
const kCandidatesForReleasingMemory = 8

// kPartialReleaseQuotaPages caps how many free pages a single
// partial-released tracker contributes in one release_pages call, so one
// huge page never dumps all of its free pages in a single pass.
const kPartialReleaseQuotaPages = 32

// PagesPerHugePage is the default small-page count per huge page new
// trackers are created with when the caller does not specify one
// explicitly via Config.PagesPerHugePage.
const PagesPerHugePage = 512

// UnmapFunc asks the caller to discard the native pages backing a global
// page range. It returns false if the OS declined or deferred the
// request; the range remains mapped and must be retried later. Its shape
// matches tracker.UnmapFunc exactly since a tracker already reports
// release ranges in global page-id space.
type UnmapFunc = tracker.UnmapFunc

// RemapFunc asks the caller to back a global page range with memory
// again. It returns false if the range could not be remapped.
type RemapFunc func(r tracker.Range) bool

// Config carries the filler's injected dependencies and policy choices.
type Config struct {
	Clock            hpclock.Clock
	Unmap            UnmapFunc
	Remap            RemapFunc
	Residency        residency.Probe
	ListPolicy       tracker.OrderPolicy
	DemandEpoch      time.Duration
	DemandWindow     time.Duration
	LedgerHorizon    time.Duration
	LedgerSize       int
	PagesPerHugePage int
	// Logger receives structured entries at tracker creation/destruction
	// and release-engine decisions. A nil Logger falls back to
	// slog.Default() rather than discarding output silently.
	Logger *slog.Logger
}

// Result is returned by TryGet: a hit names the tracker, the first
// allocated page (already offset into the tracker's own page space), and
// whether those pages must be remapped before use.
type Result struct {
	Tracker      *tracker.Tracker
	First        tracker.PageID
	FromReleased bool
}

// Filler is the per-process multiplexer over every huge-page tracker.
type Filler struct {
	cfg    Config
	logger *slog.Logger

	lists  *tracker.Lists
	demand *demand.TimeSeries
	ledger *skipsubrelease.Ledger

	// trackersByFirstPage indexes every tracker the filler currently owns
	// by its base page, giving TrackerAt O(1) access without a full list
	// scan.
	trackersByFirstPage *swiss.Map[tracker.PageID, *tracker.Tracker]

	pagesAllocatedSparse int64
	pagesAllocatedDense  int64

	previouslyReleasedHugePages int64

	sub hpstats.SubreleaseStats
}

// New creates an empty Filler under the given configuration. Zero-valued
// Clock/Unmap/Remap fields are replaced with sane, inert defaults so that
// a Filler can be constructed before every capability is wired up.
func New(cfg Config) *Filler {
	if cfg.Clock.Now == nil {
		clk := hpclock.System()
		cfg.Clock = clk
	}
	if cfg.Unmap == nil {
		cfg.Unmap = func(tracker.Range) bool { return true }
	}
	if cfg.Remap == nil {
		cfg.Remap = func(tracker.Range) bool { return true }
	}
	if cfg.DemandEpoch <= 0 {
		cfg.DemandEpoch = time.Second
	}
	if cfg.DemandWindow <= 0 {
		cfg.DemandWindow = 10 * time.Minute
	}
	if cfg.LedgerHorizon <= 0 {
		cfg.LedgerHorizon = 300 * time.Second
	}
	if cfg.PagesPerHugePage <= 0 {
		cfg.PagesPerHugePage = PagesPerHugePage
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f := &Filler{
		cfg:                 cfg,
		logger:              logger,
		lists:               tracker.NewLists(cfg.ListPolicy),
		demand:              demand.New(cfg.Clock, cfg.DemandEpoch, cfg.DemandWindow),
		trackersByFirstPage: swiss.NewMap[tracker.PageID, *tracker.Tracker](16),
	}
	f.ledger = skipsubrelease.NewLedgerWithSize(cfg.Clock.Now, cfg.LedgerHorizon, cfg.Clock.ToTicks, cfg.LedgerSize)
	return f
}

// ResidencyStatsFor classifies the native pages backing tr using the
// configured residency probe. ok is false when no probe was configured;
// the caller should skip the residency print histograms in that case.
func (f *Filler) ResidencyStatsFor(tr *tracker.Tracker) (info tracker.ResidencyInfo, ok bool) {
	if f.cfg.Residency == nil {
		return tracker.ResidencyInfo{}, false
	}
	unbacked, swapped, _ := f.cfg.Residency.Residency(int64(tr.FirstPage()))
	return tr.CountInfoInHugePage(unbacked, swapped), true
}

// TrackerAt returns the tracker owning the given base page, if the filler
// currently owns one there. Diagnostics that already know a page id can
// use this O(1) lookup, backed by an index, instead of the list walk
// ForEachHugePage performs.
func (f *Filler) TrackerAt(firstPage tracker.PageID) (*tracker.Tracker, bool) {
	return f.trackersByFirstPage.Get(firstPage)
}

func (f *Filler) sampleDemand() {
	f.demand.Report(f.UsedPages())
}

// TryGet attempts to satisfy a length-page allocation of the given
// density, walking buckets in the filler's strict priority order. ok is
// false when no existing tracker can fit the request; the caller must
// then map a fresh huge page and call Contribute.
func (f *Filler) TryGet(length int, info tracker.SpanAllocInfo) (res Result, ok bool) {
	if length <= 0 {
		panic(errors.Newf("filler: TryGet called with non-positive length %d", length))
	}
	defer f.sampleDemand()

	order := f.searchOrder(info.Density)
	for _, state := range order {
		tr := f.lists.FindFit(state, info.Density, length)
		if tr == nil {
			continue
		}

		before, beforeDestroy := tracker.Classify(tr)
		first, fromReleased, err := tr.Allocate(length)
		if err != nil {
			panic(err)
		}

		if fromReleased {
			rng := tracker.Range{First: first, Length: length}
			if !f.cfg.Remap(rng) {
				// The OS declined to back these pages again. Undo the
				// allocation and let the caller retry elsewhere; the
				// pages stay free and released, exactly as before --
				// UndoAllocate restores the released bits Allocate
				// cleared, not just the allocated bits Free clears.
				f.logger.Warn("filler: remap failed, retrying elsewhere",
					slog.Int("first", int(rng.First)), slog.Int("length", rng.Length))
				if err := tr.UndoAllocate(rng, fromReleased); err != nil {
					panic(err)
				}
				continue
			}
		}

		f.accountAllocate(info.Density, length)
		f.reclassifyAfterMutation(tr, before, beforeDestroy)

		return Result{Tracker: tr, First: first, FromReleased: fromReleased}, true
	}
	return Result{}, false
}

// searchOrder returns the state visit order for a density, per the
// filler's allocation policy: unreleased partial first, then
// partial-released, then fully-released, then (sparse only) donated.
// regular-full is never a candidate; it has no free pages to offer.
func (f *Filler) searchOrder(density tracker.Density) []tracker.State {
	if density == tracker.Dense {
		return []tracker.State{tracker.RegularPartial, tracker.PartialReleased, tracker.FullyReleased}
	}
	return []tracker.State{tracker.RegularPartial, tracker.PartialReleased, tracker.FullyReleased, tracker.Donated}
}

// Contribute inserts a freshly-mapped huge page's tracker into the
// appropriate bucket so that the next TryGet retry can find it. tr must
// not have been allocated from yet.
func (f *Filler) Contribute(tr *tracker.Tracker) {
	f.lists.InsertFresh(tr)
	f.trackersByFirstPage.Put(tr.FirstPage(), tr)
	f.logger.Debug("filler: tracker contributed",
		slog.Int("firstPage", int(tr.FirstPage())), slog.Bool("donated", tr.WasDonated()), slog.String("density", tr.Density().String()))
}

// Put frees range on tr's tracker and reclassifies it. If the tracker
// became empty it is returned so the caller can recycle the underlying
// huge page; otherwise empty is nil and wasEmptied is false.
func (f *Filler) Put(tr *tracker.Tracker, r tracker.Range) (empty *tracker.Tracker, wasEmptied bool) {
	defer f.sampleDemand()

	before, beforeDestroy := tracker.Classify(tr)
	if err := tr.Free(r); err != nil {
		panic(err)
	}

	after, destroy := tracker.Classify(tr)
	f.trackPreviouslyReleasedTransitionState(before, beforeDestroy, after, destroy)
	f.lists.Reclassify(tr)
	if destroy {
		f.trackersByFirstPage.Delete(tr.FirstPage())
		f.logger.Debug("filler: tracker emptied, returning to caller", slog.Int("firstPage", int(tr.FirstPage())))
		return tr, true
	}
	return nil, false
}

// reclassifyAfterMutation re-inserts tr into the bucket matching its
// post-mutation classification. tr must already be linked in its
// pre-mutation bucket (as it is immediately after a successful TryGet
// search, which never unlinks the tracker before mutating it).
func (f *Filler) reclassifyAfterMutation(tr *tracker.Tracker, before tracker.State, beforeDestroy bool) {
	after, destroy := tracker.Classify(tr)
	f.trackPreviouslyReleasedTransitionState(before, beforeDestroy, after, destroy)
	f.lists.Reclassify(tr)
}

// trackPreviouslyReleasedTransitionState maintains the sticky
// previously_released_huge_pages counter: entering regular-full from any
// released state increments it, leaving regular-full decrements it.
// beforeDestroy is true when the pre-mutation classification was
// meaningless (a never-allocated tracker momentarily reads as
// "used_pages=0, destroy"); such a before-state carries no release
// history and must not be mistaken for a genuine regular-full exit.
func (f *Filler) trackPreviouslyReleasedTransitionState(before tracker.State, beforeDestroy bool, after tracker.State, destroy bool) {
	wasReleased := !beforeDestroy && (before == tracker.PartialReleased || before == tracker.FullyReleased)
	enteringFull := !destroy && after == tracker.RegularFull
	leavingFull := !beforeDestroy && before == tracker.RegularFull && (destroy || after != tracker.RegularFull)

	if wasReleased && enteringFull {
		f.previouslyReleasedHugePages++
	}
	if leavingFull {
		f.previouslyReleasedHugePages--
	}
}

func (f *Filler) accountAllocate(density tracker.Density, length int) {
	if density == tracker.Dense {
		f.pagesAllocatedDense += int64(length)
	} else {
		f.pagesAllocatedSparse += int64(length)
	}
}

// PagesAllocated returns pages_allocated(total).
func (f *Filler) PagesAllocated() int64 { return f.pagesAllocatedSparse + f.pagesAllocatedDense }

// PagesAllocatedSparse returns pages_allocated(sparse).
func (f *Filler) PagesAllocatedSparse() int64 { return f.pagesAllocatedSparse }

// PagesAllocatedDense returns pages_allocated(dense).
func (f *Filler) PagesAllocatedDense() int64 { return f.pagesAllocatedDense }

// Size returns the number of huge pages (trackers) the filler currently
// owns, across every bucket.
func (f *Filler) Size() int {
	n := 0
	f.forEachState(func(state tracker.State, density tracker.Density) {
		n += f.lists.Len(state, density)
	})
	return n
}

// UsedPages sums used_pages across every tracker the filler owns.
func (f *Filler) UsedPages() int {
	total := 0
	f.ForEachHugePage(func(tr *tracker.Tracker) bool {
		total += tr.UsedPages()
		return true
	})
	return total
}

// FreePages sums free_pages across every tracker.
func (f *Filler) FreePages() int {
	total := 0
	f.ForEachHugePage(func(tr *tracker.Tracker) bool {
		total += tr.FreePages()
		return true
	})
	return total
}

// UnmappedPages sums released_pages across every tracker: the pages
// currently discarded from the OS's point of view.
func (f *Filler) UnmappedPages() int {
	total := 0
	f.ForEachHugePage(func(tr *tracker.Tracker) bool {
		total += tr.ReleasedPages()
		return true
	})
	return total
}

// UsedPagesInReleased sums used pages on trackers currently in the
// fully-released bucket.
func (f *Filler) UsedPagesInReleased() int {
	return f.sumUsedIn(tracker.FullyReleased)
}

// UsedPagesInPartialReleased sums used pages on trackers currently in the
// partial-released bucket.
func (f *Filler) UsedPagesInPartialReleased() int {
	return f.sumUsedIn(tracker.PartialReleased)
}

// UsedPagesInAnySubreleased sums used pages on trackers in either
// released bucket.
func (f *Filler) UsedPagesInAnySubreleased() int {
	return f.UsedPagesInReleased() + f.UsedPagesInPartialReleased()
}

func (f *Filler) sumUsedIn(state tracker.State) int {
	total := 0
	for _, density := range []tracker.Density{tracker.Sparse, tracker.Dense} {
		f.lists.ForEach(state, density, func(tr *tracker.Tracker) bool {
			total += tr.UsedPages()
			return true
		})
	}
	return total
}

// PreviouslyReleasedHugePages returns the sticky lifetime counter.
func (f *Filler) PreviouslyReleasedHugePages() int64 { return f.previouslyReleasedHugePages }

// SubreleaseStats returns the current running subrelease counters.
func (f *Filler) SubreleaseStats() hpstats.SubreleaseStats { return f.sub }

// ForEachHugePage visits every tracker the filler owns, across every
// bucket, for diagnostics. Iteration stops early if visit returns false.
func (f *Filler) ForEachHugePage(visit func(*tracker.Tracker) bool) {
	stop := false
	f.forEachState(func(state tracker.State, density tracker.Density) {
		if stop {
			return
		}
		f.lists.ForEach(state, density, func(tr *tracker.Tracker) bool {
			if !visit(tr) {
				stop = true
				return false
			}
			return true
		})
	})
}

func (f *Filler) forEachState(visit func(state tracker.State, density tracker.Density)) {
	states := []tracker.State{tracker.RegularFull, tracker.RegularPartial, tracker.PartialReleased, tracker.FullyReleased, tracker.Donated}
	for _, state := range states {
		for _, density := range []tracker.Density{tracker.Sparse, tracker.Dense} {
			if state == tracker.Donated && density == tracker.Dense {
				continue
			}
			visit(state, density)
		}
	}
}
