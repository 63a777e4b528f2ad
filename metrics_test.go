package sessions

import (
	"sync"
	"testing"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.Inc(MetricSessionsCreated)
	m.Add(MetricSessionsCreated, 2)
	m.Inc(MetricStorageErrors)

	if got := m.Get(MetricSessionsCreated); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := m.Get(MetricSweepRuns); got != 0 {
		t.Fatalf("expected untouched counter to be 0, got %d", got)
	}

	snap := m.Snapshot()
	if len(snap) != len(MetricIDs()) {
		t.Fatalf("snapshot missing counters: %d vs %d", len(snap), len(MetricIDs()))
	}
	if snap[MetricStorageErrors] != 1 {
		t.Fatalf("snapshot value mismatch: %d", snap[MetricStorageErrors])
	}
}

func TestMetricsNilReceiverSafe(t *testing.T) {
	var m *Metrics
	m.Inc(MetricSessionsCreated)
	m.Add(MetricSessionsDeleted, 5)
	if m.Get(MetricSessionsCreated) != 0 {
		t.Fatal("nil metrics returned nonzero")
	}
}

func TestMetricsConcurrentIncrements(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Inc(MetricSessionsCreated)
			}
		}()
	}
	wg.Wait()

	if got := m.Get(MetricSessionsCreated); got != 16000 {
		t.Fatalf("expected 16000, got %d", got)
	}
}

func TestMetricNames(t *testing.T) {
	for _, id := range MetricIDs() {
		if MetricName(id) == "" {
			t.Fatalf("metric %d has no name", id)
		}
	}
	if MetricName(MetricID(250)) != "" {
		t.Fatal("out-of-range id must yield empty name")
	}
}
