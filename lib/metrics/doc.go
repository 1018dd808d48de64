// Package metrics collects process wide counters and histograms
// (VictoriaMetrics) and per replication peer meters and timers (go-metrics),
// and renders both in the Prometheus text format.
package metrics
