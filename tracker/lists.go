package tracker

import "github.com/cockroachdb/errors"

// State is the fullness/release classification of a tracker, used to pick
// which bucket of Lists it belongs to.
type State int

const (
	RegularFull State = iota
	RegularPartial
	PartialReleased
	FullyReleased
	Donated
	numStates
)

func (s State) String() string {
	switch s {
	case RegularFull:
		return "regular-full"
	case RegularPartial:
		return "regular-partial"
	case PartialReleased:
		return "partial-released"
	case FullyReleased:
		return "fully-released"
	case Donated:
		return "donated"
	default:
		return "unknown"
	}
}

// OrderPolicy selects how trackers are ordered within a non-full bucket.
// Exactly one policy is chosen per Lists instance and its observable
// statistics (n_partial vs n_fully_released breakdowns, the skip-
// subrelease "confirmed correct" percentage) differ accordingly; this is
// an explicit open policy switch, not something Lists decides for itself.
type OrderPolicy int

const (
	// LongestFreeRangeAndChunks orders every bucket by LongestFreeRange
	// descending, then by FreeChunkCount ascending.
	LongestFreeRangeAndChunks OrderPolicy = iota
	// SpansAllocated orders dense buckets by Nallocs descending instead;
	// sparse buckets still use LongestFreeRangeAndChunks, since the
	// variant is dense-bucket-only per spec.
	SpansAllocated
)

// bucket is one (state, density) slot: an intrusive, fullness-ordered
// doubly linked list of trackers, with its own head/tail/count.
type bucket struct {
	head, tail *Tracker
	size       int
}

func (b *bucket) insertBefore(mark, t *Tracker) {
	t.inBucket = b
	if mark == nil {
		// Insert at tail.
		t.prev = b.tail
		t.next = nil
		if b.tail != nil {
			b.tail.next = t
		} else {
			b.head = t
		}
		b.tail = t
	} else {
		t.next = mark
		t.prev = mark.prev
		if mark.prev != nil {
			mark.prev.next = t
		} else {
			b.head = t
		}
		mark.prev = t
	}
	b.size++
}

func (b *bucket) remove(t *Tracker) {
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		b.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else {
		b.tail = t.prev
	}
	t.prev, t.next, t.inBucket = nil, nil, nil
	b.size--
}

// Lists is the Cartesian product of State x Density (minus the impossible
// Donated+Dense combination), each bucket holding an intrusively linked,
// fullness-ordered set of trackers.
type Lists struct {
	policy  OrderPolicy
	buckets [numStates][2]bucket
}

// NewLists creates an empty set of lists under the given ordering policy.
func NewLists(policy OrderPolicy) *Lists {
	return &Lists{policy: policy}
}

func (l *Lists) bucketFor(state State, density Density) *bucket {
	if state == Donated && density == Dense {
		panic(errors.New("tracker: donated trackers are sparse-only, there is no donated+dense bucket"))
	}
	return &l.buckets[state][density]
}

// Classify computes the (state, destroy) a tracker belongs in right now.
// destroy is true when the tracker has zero used pages and is not a
// never-allocated donated tracker -- the caller must not insert it, and
// should instead return it for recycling.
func Classify(t *Tracker) (state State, destroy bool) {
	used := t.UsedPages()
	if used == 0 {
		if t.wasDonated && !t.everAllocated {
			return Donated, false
		}
		return 0, true
	}

	released := t.ReleasedPages()
	free := t.FreePages()

	if released == 0 {
		if free == 0 {
			return RegularFull, false
		}
		return RegularPartial, false
	}
	if free == released {
		return FullyReleased, false
	}
	return PartialReleased, false
}

// less reports whether a should sit ahead of b within the same bucket.
func (l *Lists) less(a, b *Tracker, density Density) bool {
	if l.policy == SpansAllocated && density == Dense {
		if a.Nallocs() != b.Nallocs() {
			return a.Nallocs() > b.Nallocs()
		}
		return a.firstPage < b.firstPage
	}

	la, lb := a.LongestFreeRange(), b.LongestFreeRange()
	if la != lb {
		return la > lb
	}
	ca, cb := a.FreeChunkCount(), b.FreeChunkCount()
	if ca != cb {
		return ca < cb
	}
	return a.firstPage < b.firstPage
}

// Insert places t into the bucket matching its current classification. The
// donated state is sticky: a never-allocated donated tracker always lands
// in the Donated bucket regardless of the density it was contributed
// under, until its first real allocation demotes it to a regular bucket.
func (l *Lists) Insert(t *Tracker) {
	state, destroy := Classify(t)
	if destroy {
		panic(errors.New("tracker: Insert called on an empty, non-donated tracker; it should have been destroyed instead"))
	}

	density := t.density
	if state == Donated {
		density = Sparse
	}

	b := l.bucketFor(state, density)

	mark := b.head
	for mark != nil && l.less(mark, t, density) {
		mark = mark.next
	}
	b.insertBefore(mark, t)
}

// InsertFresh places a just-contributed tracker -- one that has never
// been allocated from, so Classify would otherwise mark it for
// destruction -- into the bucket it is actually headed for: Donated if it
// was handed over as a donation, RegularPartial (or RegularFull, for the
// degenerate zero-length-free case) otherwise. It must only be called on
// a tracker not already linked into any bucket.
func (l *Lists) InsertFresh(t *Tracker) {
	if t.everAllocated {
		panic(errors.New("tracker: InsertFresh called on a tracker that has already been allocated from"))
	}

	state := RegularPartial
	density := t.density
	if t.wasDonated {
		state, density = Donated, Sparse
	} else if t.FreePages() == 0 {
		state = RegularFull
	}

	b := l.bucketFor(state, density)
	mark := b.head
	for mark != nil && l.less(mark, t, density) {
		mark = mark.next
	}
	b.insertBefore(mark, t)
}

// Remove unlinks t from whatever bucket it currently occupies. It is a
// no-op if t is not currently in any bucket.
func (l *Lists) Remove(t *Tracker) {
	if t.inBucket == nil {
		return
	}
	t.inBucket.remove(t)
}

// Reclassify removes t from its current bucket and, unless t is now empty
// and not a never-allocated donated tracker, reinserts it under its
// freshly computed classification. It reports whether t should be
// destroyed (returned to the caller for recycling) instead.
func (l *Lists) Reclassify(t *Tracker) (destroy bool) {
	l.Remove(t)
	_, destroy = Classify(t)
	if destroy {
		return true
	}
	l.Insert(t)
	return false
}

// Front returns the best (frontmost) tracker in a bucket, or nil if empty.
func (l *Lists) Front(state State, density Density) *Tracker {
	if state == Donated && density == Dense {
		return nil
	}
	return l.buckets[state][density].head
}

// FindFit returns the first tracker in a bucket whose LongestFreeRange is
// at least length, scanning from the front, or nil if none fits. Under
// LongestFreeRangeAndChunks the bucket is already ordered by
// LongestFreeRange descending, so whenever any tracker fits, the front
// does; on a miss the scan still walks the whole bucket. Under
// SpansAllocated the dense buckets are instead ordered by Nallocs, so the
// front tracker may not be the one with the most free space and the scan
// has to look past it.
func (l *Lists) FindFit(state State, density Density, length int) *Tracker {
	if state == Donated && density == Dense {
		return nil
	}
	for t := l.buckets[state][density].head; t != nil; t = t.next {
		if t.LongestFreeRange() >= length {
			return t
		}
	}
	return nil
}

// Len returns the number of trackers in a bucket.
func (l *Lists) Len(state State, density Density) int {
	if state == Donated && density == Dense {
		return 0
	}
	return l.buckets[state][density].size
}

// EachCandidate walks up to limit trackers from the front of a bucket,
// invoking visit for each. It stops early if visit returns false. This is
// the bounded top-k window the release engine uses instead of scanning an
// entire (possibly long) bucket.
func (l *Lists) EachCandidate(state State, density Density, limit int, visit func(*Tracker) bool) {
	if state == Donated && density == Dense {
		return
	}
	n := 0
	for t := l.buckets[state][density].head; t != nil && n < limit; t = t.next {
		n++
		if !visit(t) {
			return
		}
	}
}

// ForEach walks every tracker in a bucket from front to back.
func (l *Lists) ForEach(state State, density Density, visit func(*Tracker) bool) {
	if state == Donated && density == Dense {
		return
	}
	for t := l.buckets[state][density].head; t != nil; {
		next := t.next
		if !visit(t) {
			return
		}
		t = next
	}
}
