package skipsubrelease_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hpfiller/demand"
	"github.com/vkngwrapper/hpfiller/hpclock"
	"github.com/vkngwrapper/hpfiller/skipsubrelease"
)

func TestProtectedDisabledWhenNoIntervals(t *testing.T) {
	fake := hpclock.NewFake(int64(time.Second))
	series := demand.New(fake.Clock(), time.Second, time.Minute)
	series.Report(10)

	got := skipsubrelease.Protected(series, skipsubrelease.Intervals{}, 5, 100)
	require.Equal(t, 0, got)
}

func TestProtectedByPeakInterval(t *testing.T) {
	fake := hpclock.NewFake(int64(time.Second))
	series := demand.New(fake.Clock(), time.Second, 10*time.Minute)

	series.Report(100)
	fake.Advance(time.Minute)
	series.Report(20)

	iv := skipsubrelease.Intervals{Peak: 3 * time.Minute}
	got := skipsubrelease.Protected(series, iv, 20, 1000)
	require.Equal(t, 80, got)
}

func TestProtectedCappedAtCapacityMinusUsed(t *testing.T) {
	fake := hpclock.NewFake(int64(time.Second))
	series := demand.New(fake.Clock(), time.Second, 10*time.Minute)
	series.Report(1000)

	iv := skipsubrelease.Intervals{Peak: time.Minute}
	got := skipsubrelease.Protected(series, iv, 0, 5)
	require.Equal(t, 5, got)
}

func TestProtectedByShortAndLongInterval(t *testing.T) {
	fake := hpclock.NewFake(int64(time.Second))
	series := demand.New(fake.Clock(), time.Second, 10*time.Minute)

	series.Report(50)
	fake.Advance(30 * time.Second)
	series.Report(80)

	iv := skipsubrelease.Intervals{Short: time.Minute, Long: time.Minute}
	// long window minimum-of-min over the window, plus short window spread.
	got := skipsubrelease.Protected(series, iv, 80, 1000)
	require.True(t, got >= 0)
}

func TestLedgerConfirmsWhenDemandReturns(t *testing.T) {
	fake := hpclock.NewFake(int64(time.Second))
	ledger := skipsubrelease.NewLedger(fake.Now, 5*time.Minute, func(d time.Duration) int64 {
		return int64(d.Seconds() * float64(time.Second))
	})

	ledger.Record(40, 10)
	require.Equal(t, 1, ledger.Pending())

	fake.Advance(6 * time.Minute)
	ledger.Evaluate(60)

	require.Equal(t, int64(1), ledger.ConfirmedCorrect())
	require.Equal(t, 0, ledger.Pending())
}

func TestLedgerDoesNotConfirmBeforeHorizon(t *testing.T) {
	fake := hpclock.NewFake(int64(time.Second))
	ledger := skipsubrelease.NewLedger(fake.Now, 5*time.Minute, func(d time.Duration) int64 {
		return int64(d.Seconds() * float64(time.Second))
	})

	ledger.Record(40, 10)
	fake.Advance(time.Minute)
	ledger.Evaluate(60)

	require.Equal(t, int64(0), ledger.ConfirmedCorrect())
	require.Equal(t, 1, ledger.Pending())
}
