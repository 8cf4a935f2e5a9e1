package demand_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hpfiller/demand"
	"github.com/vkngwrapper/hpfiller/hpclock"
)

func TestReportAccumulatesWithinEpoch(t *testing.T) {
	fake := hpclock.NewFake(int64(time.Second))
	ts := demand.New(fake.Clock(), time.Minute, 10*time.Minute)

	ts.Report(10)
	ts.Report(50)
	ts.Report(5)

	require.Equal(t, 50, ts.MaxOverWindow(10*time.Minute))
	require.Equal(t, 5, ts.MinOverWindow(10*time.Minute))
}

func TestReportRollsEpochsForward(t *testing.T) {
	fake := hpclock.NewFake(int64(time.Second))
	ts := demand.New(fake.Clock(), time.Minute, 10*time.Minute)

	ts.Report(100)
	fake.Advance(90 * time.Second)
	ts.Report(10)

	require.Equal(t, 100, ts.MaxOverWindow(10*time.Minute))
	require.Equal(t, 10, ts.MaxOverWindow(30*time.Second))
}

func TestWindowExcludesStaleEpochs(t *testing.T) {
	fake := hpclock.NewFake(int64(time.Second))
	ts := demand.New(fake.Clock(), time.Minute, 10*time.Minute)

	ts.Report(200)
	fake.Advance(5 * time.Minute)
	ts.Report(1)

	require.Equal(t, 1, ts.MaxOverWindow(time.Minute))
	require.Equal(t, 200, ts.MaxOverWindow(10*time.Minute))
}

func TestMaxSpreadOverWindow(t *testing.T) {
	fake := hpclock.NewFake(int64(time.Second))
	ts := demand.New(fake.Clock(), time.Minute, 10*time.Minute)

	ts.Report(10)
	ts.Report(40)
	fake.Advance(time.Minute)
	ts.Report(5)

	require.Equal(t, 30, ts.MaxSpreadOverWindow(10*time.Minute))
}
