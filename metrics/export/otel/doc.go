// Package otel publishes eduauth session metrics through an OpenTelemetry
// Meter.
//
// Counters map to Int64ObservableCounter instruments. Each latency histogram
// becomes a _bucket counter with an le attribute plus _count and _sum, the
// same series the Prometheus exporter renders. A single callback reads the
// source snapshot on each collection. The caller owns the MeterProvider.
package otel
