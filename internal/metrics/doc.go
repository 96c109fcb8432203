// Package metrics aggregates samples recorded by concurrent socket sessions.
//
// Three kinds of metric are supported:
//   - distributions (timings in milliseconds) summarized with an HDR histogram
//     as count, sum, min, max, avg, med, p90, p95, p99 and any percentile
//   - counters that only grow
//   - rates of passes over total, used for named checks
//
// # Collector
//
//	collector := metrics.NewCollector()
//	collector.Start()
//
//	collector.ObserveDuration(metrics.ConnectTime, elapsed)
//	collector.Inc(metrics.MessagesSent, 1)
//	collector.Check("Connected successfully", status == 101)
//
//	snap := collector.Snapshot()
//
// A metric name is bound to the kind of its first sample. Later samples with
// a different kind are rejected with [ErrKindMismatch].
//
// # Final snapshot
//
// [Collector.Freeze] takes the snapshot used for threshold evaluation and
// reporting. Samples that arrive afterwards are counted as dropped and
// rejected with [ErrFrozen], so the final numbers never change.
//
// # Prometheus
//
// [PrometheusCollector] exposes live snapshots on a Prometheus registry.
package metrics
