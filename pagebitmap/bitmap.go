// Package pagebitmap provides a fixed-size, word-parallel bitmap over the
// small pages inside a single huge page. Two independent bitmaps
// (allocated and released) are built from this type by the tracker
// package; this package itself knows nothing about what a set bit means.
package pagebitmap

import (
	"math/bits"

	"github.com/pkg/errors"
)

// Range is a contiguous span of page indices [First, First+Length).
type Range struct {
	First  int
	Length int
}

// End returns the first index past the end of the range.
func (r Range) End() int { return r.First + r.Length }

// Bitmap is a fixed-length bitmap packed into 64-bit words. Bits at index
// >= Len() (padding bits in the final word) are always held at 1, so the
// word-parallel zero-run scans never need to special-case the tail of the
// bitmap.
type Bitmap struct {
	n     int
	words []uint64
}

// New allocates a bitmap of n bits, all initially zero.
func New(n int) *Bitmap {
	if n < 0 {
		panic(errors.Errorf("pagebitmap: negative length %d", n))
	}
	nw := (n + 63) / 64
	b := &Bitmap{n: n, words: make([]uint64, nw)}
	if rem := n % 64; rem != 0 {
		b.words[nw-1] = ^uint64(0) << rem
	}
	return b
}

// Len returns the number of addressable bits.
func (b *Bitmap) Len() int { return b.n }

func (b *Bitmap) checkIndex(i int) {
	if i < 0 || i >= b.n {
		panic(errors.Errorf("pagebitmap: index %d out of range [0,%d)", i, b.n))
	}
}

// Test reports whether bit i is set.
func (b *Bitmap) Test(i int) bool {
	b.checkIndex(i)
	return b.words[i/64]&(uint64(1)<<(uint(i)%64)) != 0
}

// wordMask returns a mask with bits [lo,hi) set, 0 <= lo <= hi <= 64.
func wordMask(lo, hi int) uint64 {
	if lo >= hi {
		return 0
	}
	m := ^uint64(0) << uint(lo)
	if hi < 64 {
		m &^= ^uint64(0) << uint(hi)
	}
	return m
}

// forRange invokes f once per word touched by [start,start+length), with the
// mask of bits within that word that fall inside the range.
func (b *Bitmap) forRange(start, length int, f func(word int, mask uint64)) {
	if length < 0 {
		panic(errors.Errorf("pagebitmap: negative length %d", length))
	}
	if length == 0 {
		return
	}
	if start < 0 || start+length > b.n {
		panic(errors.Errorf("pagebitmap: range [%d,%d) out of bounds for length %d", start, start+length, b.n))
	}
	end := start + length
	wStart := start / 64
	wEnd := (end - 1) / 64
	for w := wStart; w <= wEnd; w++ {
		lo := 0
		hi := 64
		if w == wStart {
			lo = start % 64
		}
		if w == wEnd {
			hi = ((end-1)%64 + 1)
		}
		f(w, wordMask(lo, hi))
	}
}

// SetRange sets all bits in [start, start+length) to 1.
func (b *Bitmap) SetRange(start, length int) {
	b.forRange(start, length, func(w int, mask uint64) {
		b.words[w] |= mask
	})
}

// ClearRange sets all bits in [start, start+length) to 0.
func (b *Bitmap) ClearRange(start, length int) {
	b.forRange(start, length, func(w int, mask uint64) {
		b.words[w] &^= mask
	})
}

// CountOnesIn returns the number of set bits in [start, start+length).
func (b *Bitmap) CountOnesIn(start, length int) int {
	count := 0
	b.forRange(start, length, func(w int, mask uint64) {
		count += bits.OnesCount64(b.words[w] & mask)
	})
	return count
}

// CountOnes returns the total number of set bits.
func (b *Bitmap) CountOnes() int {
	return b.CountOnesIn(0, b.n)
}

// FirstZeroFrom returns the lowest index >= index whose bit is 0, or Len()
// if none exists. index may equal Len(), in which case Len() is returned.
func (b *Bitmap) FirstZeroFrom(index int) int {
	if index < 0 {
		index = 0
	}
	if index >= b.n {
		return b.n
	}
	w := index / 64
	bitOff := uint(index % 64)
	word := ^b.words[w] &^ (uint64(1)<<bitOff - 1)
	if word != 0 {
		pos := w*64 + bits.TrailingZeros64(word)
		if pos >= b.n {
			return b.n
		}
		return pos
	}
	for w++; w < len(b.words); w++ {
		word = ^b.words[w]
		if word != 0 {
			pos := w*64 + bits.TrailingZeros64(word)
			if pos >= b.n {
				return b.n
			}
			return pos
		}
	}
	return b.n
}

// FirstOneFrom returns the lowest index >= index whose bit is 1, or Len()
// if none exists.
func (b *Bitmap) FirstOneFrom(index int) int {
	if index < 0 {
		index = 0
	}
	if index >= b.n {
		return b.n
	}
	w := index / 64
	bitOff := uint(index % 64)
	word := b.words[w] &^ (uint64(1)<<bitOff - 1)
	if word != 0 {
		pos := w*64 + bits.TrailingZeros64(word)
		if pos >= b.n {
			return b.n
		}
		return pos
	}
	for w++; w < len(b.words); w++ {
		word = b.words[w]
		if word != 0 {
			pos := w*64 + bits.TrailingZeros64(word)
			if pos >= b.n {
				return b.n
			}
			return pos
		}
	}
	return b.n
}

// LongestZeroRun returns the length of the longest maximal run of zero bits
// anywhere in the bitmap.
func (b *Bitmap) LongestZeroRun() int {
	longest := 0
	i := 0
	for i < b.n {
		zStart := b.FirstZeroFrom(i)
		if zStart >= b.n {
			break
		}
		zEnd := b.FirstOneFrom(zStart)
		if run := zEnd - zStart; run > longest {
			longest = run
		}
		i = zEnd + 1
	}
	return longest
}

// ZeroRunContaining returns the bounds of the maximal run of zero bits that
// contains index. If bit index is set, (index, 0) is returned.
func (b *Bitmap) ZeroRunContaining(index int) (start, length int) {
	b.checkIndex(index)
	if b.Test(index) {
		return index, 0
	}
	start = index
	for start > 0 && !b.Test(start-1) {
		start--
	}
	end := b.FirstOneFrom(index)
	return start, end - start
}

// FindAndSetFirstFit finds the lowest-indexed run of >= length consecutive
// zero bits, sets that entire run to 1, and returns its start index. It
// returns (0, false) if no such run exists; the bitmap is left unmodified
// in that case.
func (b *Bitmap) FindAndSetFirstFit(length int) (int, bool) {
	if length <= 0 || length > b.n {
		return 0, false
	}
	pos := 0
	for pos < b.n {
		zStart := b.FirstZeroFrom(pos)
		if zStart >= b.n || zStart+length > b.n {
			return 0, false
		}
		end := b.FirstOneFrom(zStart)
		if end-zStart >= length {
			b.SetRange(zStart, length)
			return zStart, true
		}
		pos = end + 1
	}
	return 0, false
}

// ForEachZeroRun calls visit once for every maximal run of zero bits, in
// ascending order of start index.
func (b *Bitmap) ForEachZeroRun(visit func(start, length int)) {
	i := 0
	for i < b.n {
		zStart := b.FirstZeroFrom(i)
		if zStart >= b.n {
			return
		}
		zEnd := b.FirstOneFrom(zStart)
		visit(zStart, zEnd-zStart)
		i = zEnd + 1
	}
}
