package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sample(total time.Duration) Sample {
	return Sample{
		Capture:   total / 2,
		Encode:    total / 2,
		Total:     total,
		Timestamp: time.Now(),
	}
}

func TestEmptyWindow(t *testing.T) {
	c := NewCollector(100)
	snap := c.Snapshot()

	require.Equal(t, 0, snap.WindowSize)
	require.Zero(t, snap.CurrentFPS)
	require.Zero(t, snap.TotalMs)
	require.Zero(t, snap.P99TotalMs)
	require.Zero(t, snap.SkipRate)
}

func TestWindowCount(t *testing.T) {
	c := NewCollector(10)

	for i := 0; i < 7; i++ {
		c.Record(sample(10 * time.Millisecond))
	}
	snap := c.Snapshot()
	require.Equal(t, 7, snap.WindowSize)
	require.Equal(t, uint64(7), snap.TotalFrames)

	for i := 0; i < 8; i++ {
		c.Record(sample(10 * time.Millisecond))
	}
	snap = c.Snapshot()
	require.Equal(t, 10, snap.WindowSize)
	require.Equal(t, uint64(15), snap.TotalFrames)
}

func TestOldestEvicted(t *testing.T) {
	c := NewCollector(5)

	// 3 slow samples, then 5 fast ones push them out
	for i := 0; i < 3; i++ {
		c.Record(sample(100 * time.Millisecond))
	}
	for i := 0; i < 5; i++ {
		c.Record(sample(10 * time.Millisecond))
	}

	snap := c.Snapshot()
	require.Equal(t, 5, snap.WindowSize)
	require.InDelta(t, 10.0, snap.TotalMs.Min, 0.001)
	require.InDelta(t, 10.0, snap.TotalMs.Max, 0.001)
	require.InDelta(t, 10.0, snap.TotalMs.Avg, 0.001)
}

func TestAggregates(t *testing.T) {
	c := NewCollector(10)
	c.Record(sample(10 * time.Millisecond))
	c.Record(sample(20 * time.Millisecond))
	c.Record(sample(30 * time.Millisecond))

	snap := c.Snapshot()
	require.InDelta(t, 20.0, snap.TotalMs.Avg, 0.001)
	require.InDelta(t, 10.0, snap.TotalMs.Min, 0.001)
	require.InDelta(t, 30.0, snap.TotalMs.Max, 0.001)
	require.InDelta(t, 5.0, snap.CaptureMs.Min, 0.001)
	require.InDelta(t, 15.0, snap.EncodeMs.Max, 0.001)

	// 1000 / 20ms = 50 fps
	require.InDelta(t, 50.0, snap.CurrentFPS, 0.001)
}

func TestPercentiles(t *testing.T) {
	c := NewCollector(100)
	for i := 1; i <= 100; i++ {
		c.Record(sample(time.Duration(i) * time.Millisecond))
	}

	snap := c.Snapshot()

	// index = ceil(p*n)-1 over the sorted copy
	require.InDelta(t, 50.0, snap.P50TotalMs, 0.001)
	require.InDelta(t, 95.0, snap.P95TotalMs, 0.001)
	require.InDelta(t, 99.0, snap.P99TotalMs, 0.001)
}

func TestPercentileSmallWindow(t *testing.T) {
	c := NewCollector(100)
	c.Record(sample(40 * time.Millisecond))

	snap := c.Snapshot()
	require.InDelta(t, 40.0, snap.P50TotalMs, 0.001)
	require.InDelta(t, 40.0, snap.P99TotalMs, 0.001)
}

func TestSkipRate(t *testing.T) {
	c := NewCollector(10)

	for i := 0; i < 9; i++ {
		c.Record(sample(10 * time.Millisecond))
	}
	c.RecordSkip()

	snap := c.Snapshot()
	require.Equal(t, uint64(1), snap.SkippedFrames)
	require.InDelta(t, 0.1, snap.SkipRate, 0.001)
}

func TestFailures(t *testing.T) {
	c := NewCollector(10)
	c.RecordFailure()
	c.RecordFailure()

	snap := c.Snapshot()
	require.Equal(t, uint64(2), snap.FailedFrames)
	require.Equal(t, 0, snap.WindowSize)
}

func TestSnapshotDoesNotMutateWindow(t *testing.T) {
	c := NewCollector(10)
	c.Record(sample(30 * time.Millisecond))
	c.Record(sample(10 * time.Millisecond))
	c.Record(sample(20 * time.Millisecond))

	first := c.Snapshot()
	second := c.Snapshot()
	require.Equal(t, first, second)
}
