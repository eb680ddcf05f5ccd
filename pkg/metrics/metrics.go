// Package metrics collects coordination-plane counters and exports them in
// Prometheus text format. Counters are lock-free; only the timing histograms
// take a short lock for percentile bookkeeping.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector collects real-time counters for the handoff coordinator, the
// regional participants and the change replicator.
type Collector struct {
	// Handoff metrics
	handoffsStarted   uint64
	handoffsCommitted uint64
	handoffsAborted   uint64
	handoffsBuffered  uint64
	totalHandoffTime  uint64 // in nanoseconds

	// Query routing metrics
	queriesExecuted uint64
	queriesFailed   uint64
	totalQueryTime  uint64 // in nanoseconds

	// Ride write metrics
	ridesInserted uint64
	ridesUpdated  uint64
	ridesDeleted  uint64

	// Recovery metrics
	recoveryCommits uint64
	recoveryAborts  uint64

	// Replication metrics
	replicatedInserts uint64
	replicatedUpdates uint64
	replicatedDeletes uint64
	replicatorResyncs uint64

	// Health monitor metrics
	healthProbes   uint64
	healthFailures uint64

	// Operation timing buckets (histogram)
	mu             sync.RWMutex
	handoffTimings *TimingHistogram
	queryTimings   *TimingHistogram

	startTime time.Time
}

// TimingHistogram stores timing data in buckets for histogram generation
type TimingHistogram struct {
	// Buckets: <1ms, 1-10ms, 10-100ms, 100ms-1s, >1s
	bucket0_1ms      uint64
	bucket1_10ms     uint64
	bucket10_100ms   uint64
	bucket100_1000ms uint64
	bucket1000ms     uint64

	// P50, P95, P99 tracking
	mu               sync.Mutex
	recentTimings    []time.Duration // Keep last 1000 timings
	maxRecentTimings int
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		handoffTimings: NewTimingHistogram(1000),
		queryTimings:   NewTimingHistogram(1000),
		startTime:      time.Now(),
	}
}

// NewTimingHistogram creates a new timing histogram
func NewTimingHistogram(maxRecent int) *TimingHistogram {
	return &TimingHistogram{
		recentTimings:    make([]time.Duration, 0, maxRecent),
		maxRecentTimings: maxRecent,
	}
}

// RecordHandoffStart records a handoff admission.
func (c *Collector) RecordHandoffStart() {
	atomic.AddUint64(&c.handoffsStarted, 1)
}

// RecordHandoffCommit records a committed handoff with its end-to-end duration.
func (c *Collector) RecordHandoffCommit(duration time.Duration) {
	atomic.AddUint64(&c.handoffsCommitted, 1)
	atomic.AddUint64(&c.totalHandoffTime, uint64(duration.Nanoseconds()))
	c.handoffTimings.Record(duration)
}

// RecordHandoffAbort records an aborted handoff.
func (c *Collector) RecordHandoffAbort() {
	atomic.AddUint64(&c.handoffsAborted, 1)
}

// RecordHandoffBuffered records a handoff deferred because the target region
// was unhealthy.
func (c *Collector) RecordHandoffBuffered() {
	atomic.AddUint64(&c.handoffsBuffered, 1)
}

// RecordQuery records a routed query execution.
func (c *Collector) RecordQuery(duration time.Duration, success bool) {
	atomic.AddUint64(&c.queriesExecuted, 1)
	if !success {
		atomic.AddUint64(&c.queriesFailed, 1)
	}
	atomic.AddUint64(&c.totalQueryTime, uint64(duration.Nanoseconds()))
	c.queryTimings.Record(duration)
}

// RecordInsert records a ride insert.
func (c *Collector) RecordInsert() {
	atomic.AddUint64(&c.ridesInserted, 1)
}

// RecordUpdate records a ride update.
func (c *Collector) RecordUpdate() {
	atomic.AddUint64(&c.ridesUpdated, 1)
}

// RecordDelete records a ride delete.
func (c *Collector) RecordDelete() {
	atomic.AddUint64(&c.ridesDeleted, 1)
}

// RecordRecoveryCommit records a stuck transaction rolled forward.
func (c *Collector) RecordRecoveryCommit() {
	atomic.AddUint64(&c.recoveryCommits, 1)
}

// RecordRecoveryAbort records a stuck transaction rolled back.
func (c *Collector) RecordRecoveryAbort() {
	atomic.AddUint64(&c.recoveryAborts, 1)
}

// RecordReplicated records one applied change event by operation type.
func (c *Collector) RecordReplicated(op string) {
	switch op {
	case "insert":
		atomic.AddUint64(&c.replicatedInserts, 1)
	case "update":
		atomic.AddUint64(&c.replicatedUpdates, 1)
	case "delete":
		atomic.AddUint64(&c.replicatedDeletes, 1)
	}
}

// RecordResync records a full replica resync after a lost resume token.
func (c *Collector) RecordResync() {
	atomic.AddUint64(&c.replicatorResyncs, 1)
}

// RecordHealthProbe records one health probe and whether it failed.
func (c *Collector) RecordHealthProbe(success bool) {
	atomic.AddUint64(&c.healthProbes, 1)
	if !success {
		atomic.AddUint64(&c.healthFailures, 1)
	}
}

// Record adds a timing to the histogram
func (th *TimingHistogram) Record(duration time.Duration) {
	ms := duration.Milliseconds()
	if ms < 1 {
		atomic.AddUint64(&th.bucket0_1ms, 1)
	} else if ms < 10 {
		atomic.AddUint64(&th.bucket1_10ms, 1)
	} else if ms < 100 {
		atomic.AddUint64(&th.bucket10_100ms, 1)
	} else if ms < 1000 {
		atomic.AddUint64(&th.bucket100_1000ms, 1)
	} else {
		atomic.AddUint64(&th.bucket1000ms, 1)
	}

	th.mu.Lock()
	defer th.mu.Unlock()

	if len(th.recentTimings) >= th.maxRecentTimings {
		th.recentTimings = th.recentTimings[1:]
	}
	th.recentTimings = append(th.recentTimings, duration)
}

// GetBuckets returns the histogram bucket counts
func (th *TimingHistogram) GetBuckets() map[string]uint64 {
	return map[string]uint64{
		"0-1ms":      atomic.LoadUint64(&th.bucket0_1ms),
		"1-10ms":     atomic.LoadUint64(&th.bucket1_10ms),
		"10-100ms":   atomic.LoadUint64(&th.bucket10_100ms),
		"100-1000ms": atomic.LoadUint64(&th.bucket100_1000ms),
		">1000ms":    atomic.LoadUint64(&th.bucket1000ms),
	}
}

// GetPercentiles calculates P50, P95, P99 from recent timings
func (th *TimingHistogram) GetPercentiles() map[string]time.Duration {
	th.mu.Lock()
	defer th.mu.Unlock()

	if len(th.recentTimings) == 0 {
		return map[string]time.Duration{
			"p50": 0,
			"p95": 0,
			"p99": 0,
		}
	}

	sorted := make([]time.Duration, len(th.recentTimings))
	copy(sorted, th.recentTimings)

	// Simple insertion sort (fine for 1000 elements)
	for i := 1; i < len(sorted); i++ {
		key := sorted[i]
		j := i - 1
		for j >= 0 && sorted[j] > key {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = key
	}

	p50idx := len(sorted) * 50 / 100
	p95idx := len(sorted) * 95 / 100
	p99idx := len(sorted) * 99 / 100

	return map[string]time.Duration{
		"p50": sorted[p50idx],
		"p95": sorted[p95idx],
		"p99": sorted[p99idx],
	}
}

// GetMetrics returns a snapshot of all metrics
func (c *Collector) GetMetrics() map[string]interface{} {
	handoffsStarted := atomic.LoadUint64(&c.handoffsStarted)
	handoffsCommitted := atomic.LoadUint64(&c.handoffsCommitted)
	handoffsAborted := atomic.LoadUint64(&c.handoffsAborted)
	handoffsBuffered := atomic.LoadUint64(&c.handoffsBuffered)
	totalHandoffTime := atomic.LoadUint64(&c.totalHandoffTime)

	queriesExecuted := atomic.LoadUint64(&c.queriesExecuted)
	queriesFailed := atomic.LoadUint64(&c.queriesFailed)
	totalQueryTime := atomic.LoadUint64(&c.totalQueryTime)

	var avgHandoffTime, avgQueryTime float64
	if handoffsCommitted > 0 {
		avgHandoffTime = float64(totalHandoffTime) / float64(handoffsCommitted) / 1e6 // Convert to ms
	}
	if queriesExecuted > 0 {
		avgQueryTime = float64(totalQueryTime) / float64(queriesExecuted) / 1e6
	}

	return map[string]interface{}{
		"uptime_seconds": time.Since(c.startTime).Seconds(),

		"handoffs": map[string]interface{}{
			"started":            handoffsStarted,
			"committed":          handoffsCommitted,
			"aborted":            handoffsAborted,
			"buffered":           handoffsBuffered,
			"commit_rate":        calculateSuccessRate(handoffsStarted, handoffsAborted),
			"avg_duration_ms":    avgHandoffTime,
			"timing_histogram":   c.handoffTimings.GetBuckets(),
			"timing_percentiles": c.handoffTimings.GetPercentiles(),
		},

		"queries": map[string]interface{}{
			"total":              queriesExecuted,
			"failed":             queriesFailed,
			"success_rate":       calculateSuccessRate(queriesExecuted, queriesFailed),
			"avg_duration_ms":    avgQueryTime,
			"timing_histogram":   c.queryTimings.GetBuckets(),
			"timing_percentiles": c.queryTimings.GetPercentiles(),
		},

		"rides": map[string]interface{}{
			"inserted": atomic.LoadUint64(&c.ridesInserted),
			"updated":  atomic.LoadUint64(&c.ridesUpdated),
			"deleted":  atomic.LoadUint64(&c.ridesDeleted),
		},

		"recovery": map[string]interface{}{
			"commits": atomic.LoadUint64(&c.recoveryCommits),
			"aborts":  atomic.LoadUint64(&c.recoveryAborts),
		},

		"replication": map[string]interface{}{
			"inserts": atomic.LoadUint64(&c.replicatedInserts),
			"updates": atomic.LoadUint64(&c.replicatedUpdates),
			"deletes": atomic.LoadUint64(&c.replicatedDeletes),
			"resyncs": atomic.LoadUint64(&c.replicatorResyncs),
		},

		"health": map[string]interface{}{
			"probes":   atomic.LoadUint64(&c.healthProbes),
			"failures": atomic.LoadUint64(&c.healthFailures),
		},
	}
}

// Reset resets all metrics to zero
func (c *Collector) Reset() {
	atomic.StoreUint64(&c.handoffsStarted, 0)
	atomic.StoreUint64(&c.handoffsCommitted, 0)
	atomic.StoreUint64(&c.handoffsAborted, 0)
	atomic.StoreUint64(&c.handoffsBuffered, 0)
	atomic.StoreUint64(&c.totalHandoffTime, 0)

	atomic.StoreUint64(&c.queriesExecuted, 0)
	atomic.StoreUint64(&c.queriesFailed, 0)
	atomic.StoreUint64(&c.totalQueryTime, 0)

	atomic.StoreUint64(&c.ridesInserted, 0)
	atomic.StoreUint64(&c.ridesUpdated, 0)
	atomic.StoreUint64(&c.ridesDeleted, 0)

	atomic.StoreUint64(&c.recoveryCommits, 0)
	atomic.StoreUint64(&c.recoveryAborts, 0)

	atomic.StoreUint64(&c.replicatedInserts, 0)
	atomic.StoreUint64(&c.replicatedUpdates, 0)
	atomic.StoreUint64(&c.replicatedDeletes, 0)
	atomic.StoreUint64(&c.replicatorResyncs, 0)

	atomic.StoreUint64(&c.healthProbes, 0)
	atomic.StoreUint64(&c.healthFailures, 0)

	c.mu.Lock()
	c.handoffTimings = NewTimingHistogram(1000)
	c.queryTimings = NewTimingHistogram(1000)
	c.mu.Unlock()

	c.startTime = time.Now()
}

func calculateSuccessRate(total, failed uint64) float64 {
	if total == 0 {
		return 0
	}
	succeeded := total - failed
	return float64(succeeded) / float64(total) * 100
}
