package filler_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hpfiller/filler"
	"github.com/vkngwrapper/hpfiller/skipsubrelease"
	"github.com/vkngwrapper/hpfiller/tracker"
	"go.uber.org/mock/gomock"
)

// TestReleaseOrderFewestUsedFirst pins the release engine's regular-partial
// priority: between two partial trackers, the one with fewer used pages is
// drained first. The controller is created the same way
// memutils/metadata/tlsf_test.go always does, even though this particular
// assertion is carried by the recording unmap fake below rather than a
// generated mock's call expectations.
func TestReleaseOrderFewestUsedFirst(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	var order []tracker.PageID
	unmap := func(r tracker.Range) bool {
		order = append(order, r.First)
		return true
	}

	f := filler.New(filler.Config{PagesPerHugePage: pphp, Unmap: unmap})

	mostlyFull := tracker.New(0, pphp, false, tracker.Sparse, 0)
	f.Contribute(mostlyFull)
	_, ok := f.TryGet(pphp-10, sparseInfo())
	require.True(t, ok)

	mostlyEmpty := tracker.New(pphp, pphp, false, tracker.Sparse, 0)
	f.Contribute(mostlyEmpty)
	_, ok = f.TryGet(10, sparseInfo())
	require.True(t, ok)

	released := f.ReleasePages(pphp*2, skipsubrelease.Intervals{}, false, false)
	require.Equal(t, 10+(pphp-10), released)
	require.NotEmpty(t, order)
	require.True(t, order[0] >= tracker.PageID(pphp), "the mostly-empty tracker (fewer used pages) must be drained first")
}
