package filler

import (
	"sort"

	"github.com/vkngwrapper/hpfiller/skipsubrelease"
	"github.com/vkngwrapper/hpfiller/tracker"
	"golang.org/x/exp/slog"
)

// ReleasePages is the release engine entry point: it reclaims up to
// desired free pages back to the OS, consulting the skip-subrelease
// policy unless hitLimit overrides it, and walking lists in the filler's
// priority order (regular-partial fewest-used-first, then, if
// releasePartialAllocPages, partial-released under a per-tracker quota;
// sparse before dense in both passes; donated only as a last resort).
func (f *Filler) ReleasePages(desired int, intervals skipsubrelease.Intervals, releasePartialAllocPages, hitLimit bool) int {
	if desired <= 0 {
		return 0
	}

	used := f.UsedPages()
	free := f.FreePages()
	f.ledger.Evaluate(used)

	var protected int
	if !hitLimit {
		protected = skipsubrelease.Protected(f.demand, intervals, used, free)
		if protected > 0 {
			f.ledger.Record(protected, used)
			f.sub.NumPagesSkippedForIntervals += int64(protected)
		}
	}

	target := desired
	if ceiling := free - protected; ceiling < target {
		target = ceiling
	}
	if target <= 0 {
		return 0
	}

	released := 0

	for _, density := range []tracker.Density{tracker.Sparse, tracker.Dense} {
		released += f.releaseFromRegularPartial(density, target-released, hitLimit)
		if released >= target {
			return released
		}
	}

	if releasePartialAllocPages {
		for _, density := range []tracker.Density{tracker.Sparse, tracker.Dense} {
			released += f.releaseFromPartialReleased(density, target-released, hitLimit)
			if released >= target {
				return released
			}
		}
	}

	// Last resort: a never-allocated donated tracker is otherwise
	// invisible to the release engine, but once every other option is
	// drained it is fair game.
	released += f.releaseFromDonated(target - released, hitLimit)

	return released
}

func (f *Filler) releaseFromRegularPartial(density tracker.Density, target int, hitLimit bool) int {
	if target <= 0 {
		return 0
	}
	candidates := f.collectCandidates(tracker.RegularPartial, density, kCandidatesForReleasingMemory)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UsedPages() < candidates[j].UsedPages()
	})

	released := 0
	for _, tr := range candidates {
		if released >= target {
			break
		}
		released += f.releaseTracker(tr, hitLimit, false)
	}
	return released
}

func (f *Filler) releaseFromPartialReleased(density tracker.Density, target int, hitLimit bool) int {
	if target <= 0 {
		return 0
	}
	released := 0
	var done bool
	f.lists.ForEach(tracker.PartialReleased, density, func(tr *tracker.Tracker) bool {
		if done || released >= target {
			done = true
			return false
		}
		released += f.releaseTrackerUpTo(tr, hitLimit, true, kPartialReleaseQuotaPages)
		return true
	})
	return released
}

func (f *Filler) releaseFromDonated(target int, hitLimit bool) int {
	if target <= 0 {
		return 0
	}
	candidates := f.collectCandidates(tracker.Donated, tracker.Sparse, kCandidatesForReleasingMemory)
	released := 0
	for _, tr := range candidates {
		if released >= target {
			break
		}
		released += f.releaseTracker(tr, hitLimit, false)
	}
	return released
}

func (f *Filler) collectCandidates(state tracker.State, density tracker.Density, limit int) []*tracker.Tracker {
	var out []*tracker.Tracker
	f.lists.EachCandidate(state, density, limit, func(tr *tracker.Tracker) bool {
		out = append(out, tr)
		return true
	})
	return out
}

// releaseTracker calls release_free on tr and reclassifies it, updating
// the subrelease counters. partialAlloc distinguishes the
// partial-released pass for the partial-alloc-specific counters.
func (f *Filler) releaseTracker(tr *tracker.Tracker, hitLimit, partialAlloc bool) int {
	return f.releaseTrackerUpTo(tr, hitLimit, partialAlloc, -1)
}

// releaseTrackerUpTo is releaseTracker with an optional per-call page
// budget (maxPages < 0 means unbounded), so a single partial-released
// tracker's free pages can be drained in quota-sized steps instead of
// being skipped outright when the tracker holds more free pages than one
// pass is willing to hand to it at once.
func (f *Filler) releaseTrackerUpTo(tr *tracker.Tracker, hitLimit, partialAlloc bool, maxPages int) int {
	before, beforeDestroy := tracker.Classify(tr)
	var n int
	if maxPages >= 0 {
		n = tr.ReleaseFreeUpTo(f.cfg.Unmap, maxPages)
	} else {
		n = tr.ReleaseFree(f.cfg.Unmap)
	}
	after, destroy := tracker.Classify(tr)
	f.trackPreviouslyReleasedTransitionState(before, beforeDestroy, after, destroy)
	f.lists.Reclassify(tr)

	if n == 0 {
		f.logger.Debug("filler: release_free unmapped nothing", slog.Int("firstPage", int(tr.FirstPage())))
		return 0
	}

	f.sub.NumPagesSubreleased += int64(n)
	f.sub.TotalPagesSubreleased += int64(n)
	f.sub.NumHugepagesBroken++
	f.sub.TotalHugepagesBroken++
	if hitLimit {
		f.sub.NumPagesSubreleasedDueToLimit += int64(n)
		f.sub.NumHugepagesBrokenDueToLimit++
	}
	if partialAlloc {
		f.sub.NumPartialAllocPagesSubreleased += int64(n)
		f.sub.TotalPartialAllocPagesSubreleased += int64(n)
	}

	return n
}
