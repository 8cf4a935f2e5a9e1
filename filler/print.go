package filler

import (
	"strings"

	"github.com/vkngwrapper/hpfiller/hpstats"
	"github.com/vkngwrapper/hpfiller/tracker"
)

// GetStats returns the count of trackers in each bucket, split by density
// and totalled, mirroring an aggregate statistics pass over every
// block it owns.
func (f *Filler) GetStats() hpstats.DensityBuckets {
	var d hpstats.DensityBuckets
	d.Sparse.RegularFull = int64(f.lists.Len(tracker.RegularFull, tracker.Sparse))
	d.Sparse.RegularPartial = int64(f.lists.Len(tracker.RegularPartial, tracker.Sparse))
	d.Sparse.PartialReleased = int64(f.lists.Len(tracker.PartialReleased, tracker.Sparse))
	d.Sparse.FullyReleased = int64(f.lists.Len(tracker.FullyReleased, tracker.Sparse))
	d.Sparse.Donated = int64(f.lists.Len(tracker.Donated, tracker.Sparse))

	d.Dense.RegularFull = int64(f.lists.Len(tracker.RegularFull, tracker.Dense))
	d.Dense.RegularPartial = int64(f.lists.Len(tracker.RegularPartial, tracker.Dense))
	d.Dense.PartialReleased = int64(f.lists.Len(tracker.PartialReleased, tracker.Dense))
	d.Dense.FullyReleased = int64(f.lists.Len(tracker.FullyReleased, tracker.Dense))
	return d
}

// Stats returns the minimal byte-level accounting the filler reports:
// total/free/unmapped/used pages, scaled to bytes by the caller's own
// page size.
func (f *Filler) Stats() hpstats.Totals {
	total := int64(f.Size()) * int64(f.cfg.PagesPerHugePage)
	return hpstats.Totals{
		TotalPages:    total,
		FreePages:     int64(f.FreePages()),
		UnmappedPages: int64(f.UnmappedPages()),
		UsedPages:     int64(f.UsedPages()),
	}
}

// Print renders the filler's stable, scrape-friendly textual report. When
// verbose is true, per-tracker histograms of free pages, longest free
// range, nallocs, and lifetime are appended.
func (f *Filler) Print(verbose bool) string {
	base := hpstats.BuildStatsString(f.Stats(), f.GetStats(), f.SubreleaseStats(), f.PreviouslyReleasedHugePages())
	if !verbose {
		return base
	}

	freePages := hpstats.NewHistogram("free pages", hpstats.DefaultHistogramBounds())
	longestFreeRange := hpstats.NewHistogram("longest free range", hpstats.DefaultHistogramBounds())
	nallocs := hpstats.NewHistogram("nallocs", hpstats.DefaultHistogramBounds())
	lifetime := hpstats.NewHistogram("tracker lifetime (s)", hpstats.DefaultLifetimeBoundsSeconds())

	now := f.cfg.Clock.Now()
	f.ForEachHugePage(func(tr *tracker.Tracker) bool {
		freePages.Record(tr.FreePages())
		longestFreeRange.Record(tr.LongestFreeRange())
		nallocs.Record(tr.Nallocs())
		ageTicks := now - tr.CreationTime()
		ageSeconds := 0
		if freq := f.cfg.Clock.Freq; freq > 0 && ageTicks > 0 {
			ageSeconds = int(ageTicks / freq)
		}
		lifetime.Record(ageSeconds)
		return true
	})

	var sb strings.Builder
	sb.WriteString(base)
	hpstats.AppendHistograms(&sb, freePages, longestFreeRange, nallocs, lifetime)
	return sb.String()
}

// PrintInPbtxt renders the same report as a structured block tagged with
// the caller-supplied region name.
func (f *Filler) PrintInPbtxt(region string) ([]byte, error) {
	return hpstats.BuildPbtxt(region, f.Stats(), f.GetStats(), f.SubreleaseStats())
}
