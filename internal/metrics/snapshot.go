package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Snapshot is a point-in-time copy of every metric. It shares no state with
// the Collector and is safe to read from any goroutine.
type Snapshot struct {
	Time           time.Time                    `json:"time"`
	Elapsed        time.Duration                `json:"-"`
	ElapsedMs      float64                      `json:"elapsed_ms"`
	Distributions  map[string]DistributionStats `json:"distributions"`
	Counters       map[string]CounterStats      `json:"counters"`
	Rates          map[string]RateStats         `json:"rates"`
	Checks         map[string]RateStats         `json:"checks,omitempty"`
	ErrorBreakdown map[string]map[string]int64  `json:"error_breakdown,omitempty"`
	Dropped        int64                        `json:"dropped_samples,omitempty"`
}

// DistributionStats summarizes a distribution metric. Values are in the unit
// the samples were recorded in (milliseconds for timings).
type DistributionStats struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Med   float64 `json:"med"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`

	hist *hdrhistogram.Histogram
}

// Percentile returns the value at percentile p (0-100). The result is
// clamped to [Min, Max] so that min <= p50 <= p95 <= max always holds.
func (d DistributionStats) Percentile(p float64) float64 {
	if d.Count == 0 || d.hist == nil {
		return 0
	}
	if p <= 0 {
		return d.Min
	}
	if p >= 100 {
		return d.Max
	}
	v := float64(d.hist.ValueAtQuantile(p)) / valueScale
	return math.Min(math.Max(v, d.Min), d.Max)
}

// CounterStats summarizes a counter metric.
type CounterStats struct {
	Count     float64 `json:"count"`
	Samples   int64   `json:"samples"`
	PerSecond float64 `json:"per_second"`
}

// RateStats summarizes a pass/fail metric.
type RateStats struct {
	Passes int64   `json:"passes"`
	Fails  int64   `json:"fails"`
	Total  int64   `json:"total"`
	Rate   float64 `json:"rate"`
}

// Lookup reports the kind of a metric present in the snapshot.
func (s Snapshot) Lookup(name string) (Kind, bool) {
	if _, ok := s.Distributions[name]; ok {
		return KindDistribution, true
	}
	if _, ok := s.Counters[name]; ok {
		return KindCounter, true
	}
	if _, ok := s.Rates[name]; ok {
		return KindRate, true
	}
	return 0, false
}

// Counter returns the running sum of a counter, or 0 if it was never incremented.
func (s Snapshot) Counter(name string) float64 {
	return s.Counters[name].Count
}

// Names returns every metric name in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Distributions)+len(s.Counters)+len(s.Rates))
	for name := range s.Distributions {
		names = append(names, name)
	}
	for name := range s.Counters {
		names = append(names, name)
	}
	for name := range s.Rates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
