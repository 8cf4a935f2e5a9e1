// Package residency defines the optional OS residency probe used by
// count_info_in_huge_page and the print-path residency histograms, plus a
// fake implementation for tests. A probe is a caller-supplied capability,
// never something the filler reaches out to the OS for itself.
package residency

import "github.com/vkngwrapper/hpfiller/pagebitmap"

// Probe reports, for the huge page starting at addr, which native pages
// are unbacked (never resident) and which are swapped out, along with how
// many native pages make up one huge page (which may be finer- or
// coarser-grained than the tracker's own small-page unit).
type Probe interface {
	Residency(addr int64) (unbacked, swapped *pagebitmap.Bitmap, nativePagesPerHugePage int)
}

// Fake is a Probe backed by a fixed map of addr to canned bitmaps, for
// tests that exercise count_info_in_huge_page without a real OS probe.
type Fake struct {
	NativePagesPerHugePage int
	byAddr                 map[int64]fakeEntry
}

type fakeEntry struct {
	unbacked *pagebitmap.Bitmap
	swapped  *pagebitmap.Bitmap
}

// NewFake creates an empty fake probe reporting n native pages per huge
// page for any address it has an entry for.
func NewFake(n int) *Fake {
	return &Fake{NativePagesPerHugePage: n, byAddr: make(map[int64]fakeEntry)}
}

// Set installs the bitmaps to report for addr.
func (f *Fake) Set(addr int64, unbacked, swapped *pagebitmap.Bitmap) {
	f.byAddr[addr] = fakeEntry{unbacked: unbacked, swapped: swapped}
}

// Residency implements Probe.
func (f *Fake) Residency(addr int64) (*pagebitmap.Bitmap, *pagebitmap.Bitmap, int) {
	e, ok := f.byAddr[addr]
	if !ok {
		return nil, nil, f.NativePagesPerHugePage
	}
	return e.unbacked, e.swapped, f.NativePagesPerHugePage
}
