// Package telemetry collects in-process pipeline metrics. Everything stays
// on the device: the dashboard reads a snapshot over the local API and no
// metric is ever transmitted elsewhere.
package telemetry

import (
	"sync"
	"time"
)

// TimingStats aggregates recorded durations for one operation.
type TimingStats struct {
	Count int           `json:"count"`
	Total time.Duration `json:"total_ns"`
	Min   time.Duration `json:"min_ns"`
	Max   time.Duration `json:"max_ns"`
}

// Avg returns the mean duration, zero when nothing was recorded.
func (s TimingStats) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Snapshot is a point-in-time copy of all collected metrics.
type Snapshot struct {
	Counters map[string]int64       `json:"counters"`
	Timings  map[string]TimingStats `json:"timings"`
}

// Collector accumulates counters and timings. Safe for concurrent use.
type Collector struct {
	mu       sync.Mutex
	counters map[string]int64
	timings  map[string]TimingStats
}

func NewCollector() *Collector {
	return &Collector{
		counters: make(map[string]int64),
		timings:  make(map[string]TimingStats),
	}
}

// RecordCount adds delta to a named counter.
func (c *Collector) RecordCount(name string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += delta
}

// RecordTiming folds one duration into the named timing aggregate.
func (c *Collector) RecordTiming(name string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.timings[name]
	if s.Count == 0 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	s.Count++
	s.Total += d
	c.timings[name] = s
}

// Time runs fn and records its duration under name.
func (c *Collector) Time(name string, fn func()) {
	start := time.Now()
	fn()
	c.RecordTiming(name, time.Since(start))
}

// Snapshot copies the current metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Counters: make(map[string]int64, len(c.counters)),
		Timings:  make(map[string]TimingStats, len(c.timings)),
	}
	for k, v := range c.counters {
		snap.Counters[k] = v
	}
	for k, v := range c.timings {
		snap.Timings[k] = v
	}
	return snap
}

// Reset clears all collected metrics.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = make(map[string]int64)
	c.timings = make(map[string]TimingStats)
}

// Default is the process-wide collector.
var Default = NewCollector()

func RecordCount(name string, delta int64)      { Default.RecordCount(name, delta) }
func RecordTiming(name string, d time.Duration) { Default.RecordTiming(name, d) }
func GetSnapshot() Snapshot                     { return Default.Snapshot() }
