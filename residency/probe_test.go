package residency_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hpfiller/pagebitmap"
	"github.com/vkngwrapper/hpfiller/residency"
)

func TestFakeProbeReturnsInstalledBitmaps(t *testing.T) {
	probe := residency.NewFake(512)

	unbacked := pagebitmap.New(512)
	unbacked.SetRange(0, 10)
	swapped := pagebitmap.New(512)
	swapped.SetRange(20, 5)

	probe.Set(0x1000, unbacked, swapped)

	gotUnbacked, gotSwapped, n := probe.Residency(0x1000)
	require.Equal(t, 512, n)
	require.Equal(t, 10, gotUnbacked.CountOnes())
	require.Equal(t, 5, gotSwapped.CountOnes())
}

func TestFakeProbeUnknownAddrReturnsNil(t *testing.T) {
	probe := residency.NewFake(256)
	unbacked, swapped, n := probe.Residency(0xdead)
	require.Nil(t, unbacked)
	require.Nil(t, swapped)
	require.Equal(t, 256, n)
}
