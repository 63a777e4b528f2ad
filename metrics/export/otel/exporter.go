package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/kiln-dev/sessions"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// MetricsSource yields point-in-time counter values. *sessions.Metrics
// satisfies it.
type MetricsSource interface {
	Snapshot() sessions.MetricsSnapshot
}

var counterHelp = map[sessions.MetricID]string{
	sessions.MetricSessionsCreated: "Sessions persisted for the first time.",
	sessions.MetricSessionsDeleted: "Explicit deletes of live sessions.",
	sessions.MetricSessionsExpired: "Sessions removed by expiration, lazy or swept.",
	sessions.MetricSweepRuns:       "Proactive sweep executions.",
	sessions.MetricSweepFailures:   "Sweep executions that returned an error.",
	sessions.MetricStorageErrors:   "Backend faults surfaced to callers.",
}

type observedCounter struct {
	id         sessions.MetricID
	instrument metric.Int64ObservableCounter
}

// Exporter bridges the in-process counters to an OpenTelemetry Meter as
// observable counters collected on demand.
type Exporter struct {
	source       MetricsSource
	registration metric.Registration
	counters     []observedCounter
}

// NewExporter registers one observable counter per metric id and a single
// collection callback reading the source snapshot.
func NewExporter(meter metric.Meter, source MetricsSource) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	ids := sessions.MetricIDs()
	exporter := &Exporter{
		source:   source,
		counters: make([]observedCounter, 0, len(ids)),
	}

	observables := make([]metric.Observable, 0, len(ids))
	for _, id := range ids {
		ins, err := meter.Int64ObservableCounter(
			sessions.MetricName(id),
			metric.WithDescription(counterHelp[id]),
		)
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", sessions.MetricName(id), err)
		}
		exporter.counters = append(exporter.counters, observedCounter{id: id, instrument: ins})
		observables = append(observables, ins)
	}

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := exporter.source.Snapshot()
		for _, c := range exporter.counters {
			observer.ObserveInt64(c.instrument, int64(snapshot[c.id]))
		}
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	exporter.registration = registration
	return exporter, nil
}

// Close unregisters the collection callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
