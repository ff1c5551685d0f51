// Package prometheus renders eduauth session metrics in the Prometheus text
// exposition format.
//
// Counters are named edusync_*_total; the login and session fetch latencies
// are histograms in seconds. Nothing is registered globally: mount
// [Exporter.Handler] where the host serves its metrics.
package prometheus
