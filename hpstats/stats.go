// Package hpstats holds the counters and histograms the filler reports,
// and the jsonstream-backed pbtxt-style serialization for them, grounded
// on a stable-text-plus-structured-JSON reporting pattern for emitting
// structured diagnostic text without hand-rolled string concatenation.
package hpstats

import (
	"fmt"
	"strings"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// PageBytes is the conventional size, in bytes, of one small page-table
// entry's worth of huge-page-filler accounting unit. Nothing in this
// module uses it: the filler's reports are in pages, and callers scale by
// their own page size.
const PageBytes = 4096

// Totals holds the minimal byte-level accounting the filler surface
// reports: total/free/unmapped/used, each a page count. Callers multiply
// by their own page size to get bytes.
type Totals struct {
	TotalPages    int64
	FreePages     int64
	UnmappedPages int64
	UsedPages     int64
}

// BucketCounts is the count of trackers in each list bucket, broken down
// by density, as returned per density-and-total by GetStats.
type BucketCounts struct {
	RegularFull     int64
	RegularPartial  int64
	PartialReleased int64
	FullyReleased   int64
	Donated         int64
}

// Total sums every bucket.
func (b BucketCounts) Total() int64 {
	return b.RegularFull + b.RegularPartial + b.PartialReleased + b.FullyReleased + b.Donated
}

// DensityBuckets carries the sparse/dense split plus the combined total,
// matching the "per density and a total" shape GetStats must return.
type DensityBuckets struct {
	Sparse BucketCounts
	Dense  BucketCounts
}

// Combined returns the sparse+dense sum, bucket by bucket.
func (d DensityBuckets) Combined() BucketCounts {
	return BucketCounts{
		RegularFull:     d.Sparse.RegularFull + d.Dense.RegularFull,
		RegularPartial:  d.Sparse.RegularPartial + d.Dense.RegularPartial,
		PartialReleased: d.Sparse.PartialReleased + d.Dense.PartialReleased,
		FullyReleased:   d.Sparse.FullyReleased + d.Dense.FullyReleased,
		Donated:         d.Sparse.Donated + d.Dense.Donated,
	}
}

// SubreleaseStats is the running lifetime and "due to limit" breakdown of
// the release engine's activity.
type SubreleaseStats struct {
	NumPagesSubreleased               int64
	NumHugepagesBroken                int64
	TotalPagesSubreleased             int64
	TotalHugepagesBroken              int64
	NumPagesSubreleasedDueToLimit     int64
	NumHugepagesBrokenDueToLimit      int64
	NumPartialAllocPagesSubreleased   int64
	TotalPartialAllocPagesSubreleased int64
	NumPagesSkippedForIntervals       int64
}

// Histogram is a fixed set of named buckets over an integer-valued metric,
// used for the free-pages / longest-free-range / nallocs / lifetime
// histograms in Print.
type Histogram struct {
	Name    string
	Buckets []int
	Counts  []int64
}

// NewHistogram creates a histogram with the given upper bucket bounds.
// Values are placed in the first bucket whose bound is >= the value; a
// final overflow bucket catches everything above the largest bound.
func NewHistogram(name string, bounds []int) *Histogram {
	return &Histogram{Name: name, Buckets: bounds, Counts: make([]int64, len(bounds)+1)}
}

// Record places one observation of v into its bucket.
func (h *Histogram) Record(v int) {
	for i, bound := range h.Buckets {
		if v <= bound {
			h.Counts[i]++
			return
		}
	}
	h.Counts[len(h.Counts)-1]++
}

// DefaultHistogramBounds is the geometric bucket ladder used for the
// free-pages, longest-free-range, and nallocs histograms in the verbose
// Print output: 1, 2, 4, ... up to 1024.
func DefaultHistogramBounds() []int {
	bounds := make([]int, 0, 11)
	for b := 1; b <= 1024; b *= 2 {
		bounds = append(bounds, b)
	}
	return bounds
}

// DefaultLifetimeBoundsSeconds buckets tracker age in wall-clock seconds,
// from sub-minute up to multi-hour.
func DefaultLifetimeBoundsSeconds() []int {
	return []int{1, 10, 60, 300, 900, 3600, 14400}
}

// writeHistogram renders one histogram as a label line followed by one
// "<= bound: count" line per bucket, in the same "HugePageFiller: " label
// prefix style as the rest of Print's output.
func writeHistogram(sb *strings.Builder, h *Histogram) {
	fmt.Fprintf(sb, "HugePageFiller: histogram of %s\n", h.Name)
	for i, bound := range h.Buckets {
		fmt.Fprintf(sb, "HugePageFiller: <= %-6d %d\n", bound, h.Counts[i])
	}
	fmt.Fprintf(sb, "HugePageFiller: >  %-6d %d\n", h.Buckets[len(h.Buckets)-1], h.Counts[len(h.Counts)-1])
}

// AppendHistograms renders the four per-tracker histograms verbose Print
// output includes: free pages, longest free range, nallocs, and lifetime
// (in seconds), in that fixed order.
func AppendHistograms(sb *strings.Builder, freePages, longestFreeRange, nallocs, lifetimeSeconds *Histogram) {
	writeHistogram(sb, freePages)
	writeHistogram(sb, longestFreeRange)
	writeHistogram(sb, nallocs)
	writeHistogram(sb, lifetimeSeconds)
}

// BuildStatsString renders the stable textual labels the filler's Print
// surface emits, in the exact token form monitoring scrapers depend on.
func BuildStatsString(totals Totals, buckets DensityBuckets, sub SubreleaseStats, previouslyReleased int64) string {
	var sb strings.Builder
	sb.WriteString("HugePageFiller: densely pack small requests into hugepages\n")

	combined := buckets.Combined()
	partiallyReleased := combined.PartialReleased
	fmt.Fprintf(&sb, "HugePageFiller: Overall, %d total, %d full, %d partial, %d released (%d partially), %d quarantined\n",
		combined.Total(), combined.RegularFull, combined.RegularPartial,
		combined.FullyReleased+combined.PartialReleased, partiallyReleased, previouslyReleased)

	fmt.Fprintf(&sb, "HugePageFiller: Subrelease stats last 10 min: total %d pages subreleased (%d pages from partial allocs), %d hugepages broken\n",
		sub.TotalPagesSubreleased, sub.TotalPartialAllocPagesSubreleased, sub.TotalHugepagesBroken)

	writeBucketLine(&sb, "sparsely-accessed regular", buckets.Sparse.RegularFull+buckets.Sparse.RegularPartial)
	writeBucketLine(&sb, "densely-accessed regular", buckets.Dense.RegularFull+buckets.Dense.RegularPartial)
	writeBucketLine(&sb, "donated", buckets.Sparse.Donated+buckets.Dense.Donated)
	writeBucketLine(&sb, "sparsely-accessed partial released", buckets.Sparse.PartialReleased)
	writeBucketLine(&sb, "densely-accessed partial released", buckets.Dense.PartialReleased)
	writeBucketLine(&sb, "sparsely-accessed released", buckets.Sparse.FullyReleased)
	writeBucketLine(&sb, "densely-accessed released", buckets.Dense.FullyReleased)

	return sb.String()
}

func writeBucketLine(sb *strings.Builder, label string, count int64) {
	fmt.Fprintf(sb, "HugePageFiller: %d hugepages in %s\n", count, label)
}

// BuildPbtxt renders the same statistics as a structured, machine-
// parseable block using a streaming JSON writer rather than manual
// string concatenation -- the region name matches print_in_pbtxt's
// caller-supplied region argument.
func BuildPbtxt(region string, totals Totals, buckets DensityBuckets, sub SubreleaseStats) ([]byte, error) {
	w := jwriter.NewWriter()
	obj := w.Object()

	obj.Name("region").String(region)

	totalsObj := obj.Name("totals").Object()
	totalsObj.Name("total_pages").Int(int(totals.TotalPages))
	totalsObj.Name("free_pages").Int(int(totals.FreePages))
	totalsObj.Name("unmapped_pages").Int(int(totals.UnmappedPages))
	totalsObj.Name("used_pages").Int(int(totals.UsedPages))
	totalsObj.End()

	combined := buckets.Combined()
	bucketsObj := obj.Name("buckets").Object()
	bucketsObj.Name("regular_full").Int(int(combined.RegularFull))
	bucketsObj.Name("regular_partial").Int(int(combined.RegularPartial))
	bucketsObj.Name("partial_released").Int(int(combined.PartialReleased))
	bucketsObj.Name("fully_released").Int(int(combined.FullyReleased))
	bucketsObj.Name("donated").Int(int(combined.Donated))
	bucketsObj.End()

	subObj := obj.Name("subrelease_stats").Object()
	subObj.Name("num_pages_subreleased").Int(int(sub.NumPagesSubreleased))
	subObj.Name("num_hugepages_broken").Int(int(sub.NumHugepagesBroken))
	subObj.Name("num_pages_subreleased_due_to_limit").Int(int(sub.NumPagesSubreleasedDueToLimit))
	subObj.Name("num_hugepages_broken_due_to_limit").Int(int(sub.NumHugepagesBrokenDueToLimit))
	subObj.Name("num_partial_alloc_pages_subreleased").Int(int(sub.NumPartialAllocPagesSubreleased))
	subObj.End()

	obj.End()
	return w.Bytes(), w.Error()
}
