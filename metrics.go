package sessions

import "sync/atomic"

// MetricID identifies one counter in the in-process metrics system.
type MetricID uint8

const (
	// MetricSessionsCreated counts sessions persisted for the first time.
	MetricSessionsCreated MetricID = iota
	// MetricSessionsDeleted counts explicit deletes of live sessions.
	MetricSessionsDeleted
	// MetricSessionsExpired counts sessions removed by expiration, lazy or
	// swept.
	MetricSessionsExpired
	// MetricSweepRuns counts proactive sweep executions.
	MetricSweepRuns
	// MetricSweepFailures counts sweep executions that returned an error.
	MetricSweepFailures
	// MetricStorageErrors counts backend faults surfaced to callers.
	MetricStorageErrors

	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricSessionsCreated: "sessions_created_total",
	MetricSessionsDeleted: "sessions_deleted_total",
	MetricSessionsExpired: "sessions_expired_total",
	MetricSweepRuns:       "sessions_sweep_runs_total",
	MetricSweepFailures:   "sessions_sweep_failures_total",
	MetricStorageErrors:   "sessions_storage_errors_total",
}

// MetricName returns the canonical exported name for a counter.
func MetricName(id MetricID) string {
	if int(id) >= len(metricNames) {
		return ""
	}
	return metricNames[id]
}

// MetricIDs returns every defined counter id, in declaration order.
func MetricIDs() []MetricID {
	out := make([]MetricID, 0, metricIDCount)
	for id := MetricID(0); id < metricIDCount; id++ {
		out = append(out, id)
	}
	return out
}

// Metrics holds lock-free counters maintained by repositories and the
// sweeper. All operations are no-ops on a nil receiver, so wiring metrics
// is always optional.
type Metrics struct {
	counters [metricIDCount]atomic.Uint64
}

// NewMetrics creates an empty counter set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Inc adds one to the counter.
func (m *Metrics) Inc(id MetricID) {
	m.Add(id, 1)
}

// Add adds n to the counter.
func (m *Metrics) Add(id MetricID, n uint64) {
	if m == nil || int(id) >= len(m.counters) {
		return
	}
	m.counters[id].Add(n)
}

// Get returns the current counter value.
func (m *Metrics) Get(id MetricID) uint64 {
	if m == nil || int(id) >= len(m.counters) {
		return 0
	}
	return m.counters[id].Load()
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot map[MetricID]uint64

// Snapshot copies all counters at once.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := make(MetricsSnapshot, metricIDCount)
	for id := MetricID(0); id < metricIDCount; id++ {
		snap[id] = m.Get(id)
	}
	return snap
}
