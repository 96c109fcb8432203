package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const promNamespace = "chatswarm"

var promQuantiles = []float64{0.5, 0.9, 0.95, 0.99}

// Snapshotter is anything that can produce a metrics snapshot.
type Snapshotter interface {
	Snapshot() Snapshot
}

// PrometheusCollector exposes collector snapshots as Prometheus metrics.
// Metric names are only known at runtime, so it registers as an unchecked
// collector and builds const metrics on every scrape.
type PrometheusCollector struct {
	source Snapshotter
	checks *prometheus.Desc
}

// NewPrometheusCollector wraps source for registration on a Prometheus registry.
func NewPrometheusCollector(source Snapshotter) *PrometheusCollector {
	return &PrometheusCollector{
		source: source,
		checks: prometheus.NewDesc(
			prometheus.BuildFQName(promNamespace, "", "check_passes_ratio"),
			"Fraction of passing evaluations per named check.",
			[]string{"check"}, nil,
		),
	}
}

// Describe sends nothing, which makes this an unchecked collector.
func (p *PrometheusCollector) Describe(chan<- *prometheus.Desc) {}

// Collect emits one metric per series in the current snapshot.
func (p *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	snap := p.source.Snapshot()

	for name, stats := range snap.Counters {
		desc := prometheus.NewDesc(promName(name, "total"), "Counter "+name+".", nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, stats.Count)
	}

	for name, stats := range snap.Distributions {
		quantiles := make(map[float64]float64, len(promQuantiles))
		for _, q := range promQuantiles {
			quantiles[q] = stats.Percentile(q * 100)
		}
		desc := prometheus.NewDesc(promName(name, ""), "Distribution "+name+".", nil, nil)
		ch <- prometheus.MustNewConstSummary(desc, uint64(stats.Count), stats.Sum, quantiles)
	}

	for name, stats := range snap.Rates {
		desc := prometheus.NewDesc(promName(name, "ratio"), "Pass rate "+name+".", nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, stats.Rate)
	}

	for check, stats := range snap.Checks {
		ch <- prometheus.MustNewConstMetric(p.checks, prometheus.GaugeValue, stats.Rate, check)
	}
}

func promName(name, suffix string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return prometheus.BuildFQName(promNamespace, "", strings.Trim(b.String()+"_"+suffix, "_"))
}
