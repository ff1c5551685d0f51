// Package internaldefs holds the metric names, help strings and histogram
// bucket bounds shared by the exporters, so Prometheus and OTel always report
// the same series.
package internaldefs
