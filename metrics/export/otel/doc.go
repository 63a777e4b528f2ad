// Package otel provides OpenTelemetry metric exporter bindings for the
// session counters.
//
// [NewExporter] registers an Int64ObservableCounter per counter id. A
// single callback reads a [sessions.MetricsSnapshot] from the source on
// each collection cycle.
//
// Callers supply the Meter; this package never owns the MeterProvider.
package otel
