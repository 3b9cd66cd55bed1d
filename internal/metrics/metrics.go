// Package metrics contains the per-stream performance metrics collector.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Sample is the measurement of one produced frame.
type Sample struct {
	Capture   time.Duration
	Encode    time.Duration
	Total     time.Duration
	Timestamp time.Time
}

// DurationStats aggregates one duration field over the window, in
// milliseconds.
type DurationStats struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Snapshot is a point-in-time aggregate of the window and the lifetime
// counters.
type Snapshot struct {
	// Number of samples currently in the window
	WindowSize int `json:"windowSize"`

	// Achieved frame rate, derived from the average total duration over
	// the window
	CurrentFPS float64 `json:"currentFPS"`

	// Per-field aggregates in milliseconds
	CaptureMs DurationStats `json:"captureMs"`
	EncodeMs  DurationStats `json:"encodeMs"`
	TotalMs   DurationStats `json:"totalMs"`

	// Percentiles of the total frame duration in milliseconds
	P50TotalMs float64 `json:"p50TotalMs"`
	P95TotalMs float64 `json:"p95TotalMs"`
	P99TotalMs float64 `json:"p99TotalMs"`

	// Lifetime counters, not bounded by the window
	TotalFrames   uint64 `json:"totalFrames"`
	SkippedFrames uint64 `json:"skippedFrames"`
	FailedFrames  uint64 `json:"failedFrames"`

	// skipped / (produced + skipped)
	SkipRate float64 `json:"skipRate"`
}

// Collector records frame samples into a fixed-capacity rolling window and
// answers aggregate queries. It is safe for concurrent use.
type Collector struct {
	capacity int

	mutex   sync.Mutex
	samples []Sample
	start   int // index of the oldest sample

	totalFrames   uint64
	skippedFrames uint64
	failedFrames  uint64
}

// NewCollector allocates a Collector with the given window capacity.
func NewCollector(capacity int) *Collector {
	if capacity < 2 {
		capacity = 2
	}
	return &Collector{
		capacity: capacity,
		samples:  make([]Sample, 0, capacity),
	}
}

// Record appends a sample, evicting the oldest one when the window is full.
func (c *Collector) Record(sample Sample) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.samples) < c.capacity {
		c.samples = append(c.samples, sample)
	} else {
		c.samples[c.start] = sample
		c.start = (c.start + 1) % c.capacity
	}

	c.totalFrames++
}

// RecordSkip counts a tick in which no frame was captured.
func (c *Collector) RecordSkip() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.skippedFrames++
}

// RecordFailure counts a failed capture or encode.
func (c *Collector) RecordFailure() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.failedFrames++
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// percentile computes the p-th percentile of a sorted slice using the
// index ceil(p*n)-1, clamped to [0, n-1].
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	i := int(math.Ceil(p*float64(n))) - 1
	if i < 0 {
		i = 0
	}
	if i > n-1 {
		i = n - 1
	}
	return sorted[i]
}

func aggregate(values []float64) DurationStats {
	if len(values) == 0 {
		return DurationStats{}
	}

	stats := DurationStats{Min: values[0], Max: values[0]}
	sum := 0.0
	for _, v := range values {
		sum += v
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
	}
	stats.Avg = sum / float64(len(values))
	return stats
}

// Snapshot computes aggregates over a copy of the window. An empty window
// yields a zero snapshot, not an error.
func (c *Collector) Snapshot() Snapshot {
	c.mutex.Lock()

	n := len(c.samples)
	captures := make([]float64, n)
	encodes := make([]float64, n)
	totals := make([]float64, n)
	for i := 0; i < n; i++ {
		s := c.samples[(c.start+i)%c.capacity]
		captures[i] = toMs(s.Capture)
		encodes[i] = toMs(s.Encode)
		totals[i] = toMs(s.Total)
	}

	snap := Snapshot{
		WindowSize:    n,
		TotalFrames:   c.totalFrames,
		SkippedFrames: c.skippedFrames,
		FailedFrames:  c.failedFrames,
	}

	c.mutex.Unlock()

	snap.CaptureMs = aggregate(captures)
	snap.EncodeMs = aggregate(encodes)
	snap.TotalMs = aggregate(totals)

	if snap.TotalMs.Avg > 0 {
		snap.CurrentFPS = 1000.0 / snap.TotalMs.Avg
	}

	sorted := append([]float64(nil), totals...)
	sort.Float64s(sorted)
	snap.P50TotalMs = percentile(sorted, 0.50)
	snap.P95TotalMs = percentile(sorted, 0.95)
	snap.P99TotalMs = percentile(sorted, 0.99)

	if denom := snap.TotalFrames + snap.SkippedFrames; denom > 0 {
		snap.SkipRate = float64(snap.SkippedFrames) / float64(denom)
	}

	return snap
}
