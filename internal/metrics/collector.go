package metrics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Built-in metric names recorded by the session driver and the scheduler.
const (
	ConnectTime     = "ws_connect_time"
	SendMessageTime = "ws_send_message_time"
	SessionDuration = "ws_session_duration"
	Sessions        = "ws_sessions"
	MessagesSent    = "ws_msgs_sent"
	MessagesRecv    = "ws_msgs_received"
	DataSent        = "data_sent"
	DataReceived    = "data_received"
	Errors          = "errors"
	ConnectErrors   = "ws_connect_errors"
	ProtocolErrors  = "ws_protocol_errors"
	SchedulerErrors = "scheduler_errors"
	Checks          = "checks"
	VUs             = "vus"
)

// Distribution values are stored with microsecond precision when the unit is
// milliseconds. The upper bound is one hour.
const (
	valueScale   = 1000
	histLowest   = 1
	histHighest  = int64(time.Hour/time.Millisecond) * valueScale
	histSigFigs  = 3
	maxErrorKeys = 64
)

var (
	// ErrFrozen is returned when a sample arrives after the final snapshot was taken.
	ErrFrozen = errors.New("collector is frozen")
	// ErrKindMismatch is returned when a metric name is reused with a different kind.
	ErrKindMismatch = errors.New("metric kind mismatch")
	// ErrInvalidValue is returned for NaN, infinite or negative sample values.
	ErrInvalidValue = errors.New("invalid sample value")
)

// Kind identifies how samples of a metric are aggregated.
type Kind int

const (
	KindDistribution Kind = iota
	KindCounter
	KindRate
)

func (k Kind) String() string {
	switch k {
	case KindDistribution:
		return "distribution"
	case KindCounter:
		return "counter"
	case KindRate:
		return "rate"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sample is a single write-once observation.
// For KindRate, a non-zero Value is a pass and zero is a fail.
type Sample struct {
	Name  string
	Kind  Kind
	Value float64
	Time  time.Time
}

type series struct {
	mu   sync.Mutex
	kind Kind

	// distribution
	hist  *hdrhistogram.Histogram
	count int64
	sum   float64
	min   float64
	max   float64

	// rate
	passes int64
	total  int64

	last time.Time
}

func newSeries(kind Kind) *series {
	s := &series{kind: kind}
	if kind == KindDistribution {
		s.hist = hdrhistogram.New(histLowest, histHighest, histSigFigs)
	}
	return s
}

func (s *series) add(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.kind {
	case KindDistribution:
		scaled := int64(math.Round(sample.Value * valueScale))
		if scaled < s.hist.LowestTrackableValue() {
			scaled = s.hist.LowestTrackableValue()
		}
		if scaled > s.hist.HighestTrackableValue() {
			scaled = s.hist.HighestTrackableValue()
		}
		_ = s.hist.RecordValue(scaled)
		if s.count == 0 || sample.Value < s.min {
			s.min = sample.Value
		}
		if s.count == 0 || sample.Value > s.max {
			s.max = sample.Value
		}
		s.count++
		s.sum += sample.Value
	case KindCounter:
		s.count++
		s.sum += sample.Value
	case KindRate:
		s.total++
		if sample.Value != 0 {
			s.passes++
		}
	}
	if sample.Time.After(s.last) {
		s.last = sample.Time
	}
}

// Collector aggregates samples from any number of concurrent sessions.
// Each metric has its own lock, so accumulation into one metric never blocks
// another and readers never observe a partially applied sample.
type Collector struct {
	mu      sync.RWMutex
	series  map[string]*series
	checks  map[string]*series
	errMu   sync.Mutex
	errKeys map[string]map[string]int64
	frozen  atomic.Bool
	final   *Snapshot
	dropped atomic.Int64
	start   time.Time
	now     func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCollector creates an empty collector.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		series:  make(map[string]*series),
		checks:  make(map[string]*series),
		errKeys: make(map[string]map[string]int64),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.start = c.now()
	return c
}

// Start resets the run start used for per-second rates.
func (c *Collector) Start() {
	c.mu.Lock()
	c.start = c.now()
	c.mu.Unlock()
}

// Add records a sample. It fails if the collector is frozen, the value is
// invalid for the kind, or the name was registered with another kind.
func (c *Collector) Add(sample Sample) error {
	if c.frozen.Load() {
		c.dropped.Add(1)
		return ErrFrozen
	}
	if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) || sample.Value < 0 {
		c.dropped.Add(1)
		return fmt.Errorf("%w: %s=%v", ErrInvalidValue, sample.Name, sample.Value)
	}
	if sample.Time.IsZero() {
		sample.Time = c.now()
	}
	s, err := c.lookup(c.series, sample.Name, sample.Kind)
	if err != nil {
		c.dropped.Add(1)
		return err
	}
	s.add(sample)
	return nil
}

func (c *Collector) lookup(registry map[string]*series, name string, kind Kind) (*series, error) {
	c.mu.RLock()
	s, ok := registry[name]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		s, ok = registry[name]
		if !ok {
			s = newSeries(kind)
			registry[name] = s
		}
		c.mu.Unlock()
	}
	if s.kind != kind {
		return nil, fmt.Errorf("%w: %s is a %s, not a %s", ErrKindMismatch, name, s.kind, kind)
	}
	return s, nil
}

// Observe records a distribution sample.
func (c *Collector) Observe(name string, value float64) {
	_ = c.Add(Sample{Name: name, Kind: KindDistribution, Value: value})
}

// ObserveDuration records a duration as a distribution sample in milliseconds.
func (c *Collector) ObserveDuration(name string, d time.Duration) {
	c.Observe(name, float64(d)/float64(time.Millisecond))
}

// Inc adds delta to a counter. Negative deltas are rejected.
func (c *Collector) Inc(name string, delta float64) {
	_ = c.Add(Sample{Name: name, Kind: KindCounter, Value: delta})
}

// Check records a named pass/fail check into the overall checks rate and a
// per-check breakdown.
func (c *Collector) Check(name string, ok bool) {
	value := 0.0
	if ok {
		value = 1
	}
	sample := Sample{Name: Checks, Kind: KindRate, Value: value}
	if err := c.Add(sample); err != nil {
		return
	}
	s, err := c.lookup(c.checks, name, KindRate)
	if err != nil {
		return
	}
	sample.Time = c.now()
	s.add(sample)
}

// RecordError increments the error counter and files err under the stage in
// the error breakdown.
func (c *Collector) RecordError(stage string, err error) {
	if c.frozen.Load() {
		c.dropped.Add(1)
		return
	}
	c.Inc(Errors, 1)
	if err == nil {
		return
	}
	reason := ErrorReason(err)

	c.errMu.Lock()
	defer c.errMu.Unlock()
	byReason, ok := c.errKeys[stage]
	if !ok {
		if len(c.errKeys) >= maxErrorKeys {
			return
		}
		byReason = make(map[string]int64)
		c.errKeys[stage] = byReason
	}
	if _, ok := byReason[reason]; !ok && len(byReason) >= maxErrorKeys {
		reason = "other"
	}
	byReason[reason]++
}

// Dropped returns how many samples were rejected.
func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

// Snapshot returns a consistent, immutable view of every metric.
func (c *Collector) Snapshot() Snapshot {
	if c.frozen.Load() {
		c.mu.RLock()
		final := c.final
		c.mu.RUnlock()
		if final != nil {
			return *final
		}
	}
	return c.snapshot()
}

// Freeze takes the final snapshot and rejects any later samples.
func (c *Collector) Freeze() Snapshot {
	if !c.frozen.CompareAndSwap(false, true) {
		return c.Snapshot()
	}
	snap := c.snapshot()
	c.mu.Lock()
	c.final = &snap
	c.mu.Unlock()
	return snap
}

func (c *Collector) snapshot() Snapshot {
	now := c.now()

	c.mu.RLock()
	start := c.start
	names := make([]string, 0, len(c.series))
	for name := range c.series {
		names = append(names, name)
	}
	all := make(map[string]*series, len(c.series))
	for name, s := range c.series {
		all[name] = s
	}
	checks := make(map[string]*series, len(c.checks))
	for name, s := range c.checks {
		checks[name] = s
	}
	c.mu.RUnlock()

	elapsed := now.Sub(start)
	snap := Snapshot{
		Time:          now,
		Elapsed:       elapsed,
		ElapsedMs:     float64(elapsed) / float64(time.Millisecond),
		Distributions: map[string]DistributionStats{},
		Counters:      map[string]CounterStats{},
		Rates:         map[string]RateStats{},
		Dropped:       c.dropped.Load(),
	}

	sort.Strings(names)
	for _, name := range names {
		s := all[name]
		s.mu.Lock()
		switch s.kind {
		case KindDistribution:
			snap.Distributions[name] = distributionStats(s)
		case KindCounter:
			cs := CounterStats{Count: s.sum, Samples: s.count}
			if elapsed > 0 {
				cs.PerSecond = s.sum / elapsed.Seconds()
			}
			snap.Counters[name] = cs
		case KindRate:
			snap.Rates[name] = rateStats(s)
		}
		s.mu.Unlock()
	}

	if len(checks) > 0 {
		snap.Checks = make(map[string]RateStats, len(checks))
		for name, s := range checks {
			s.mu.Lock()
			snap.Checks[name] = rateStats(s)
			s.mu.Unlock()
		}
	}

	c.errMu.Lock()
	if len(c.errKeys) > 0 {
		snap.ErrorBreakdown = make(map[string]map[string]int64, len(c.errKeys))
		for stage, reasons := range c.errKeys {
			copied := make(map[string]int64, len(reasons))
			for k, v := range reasons {
				copied[k] = v
			}
			snap.ErrorBreakdown[stage] = copied
		}
	}
	c.errMu.Unlock()

	return snap
}

func distributionStats(s *series) DistributionStats {
	if s.count == 0 {
		return DistributionStats{}
	}
	ds := DistributionStats{
		Count: s.count,
		Sum:   s.sum,
		Min:   s.min,
		Max:   s.max,
		Avg:   s.sum / float64(s.count),
		hist:  hdrhistogram.Import(s.hist.Export()),
	}
	ds.Med = ds.Percentile(50)
	ds.P90 = ds.Percentile(90)
	ds.P95 = ds.Percentile(95)
	ds.P99 = ds.Percentile(99)
	return ds
}

func rateStats(s *series) RateStats {
	rs := RateStats{Passes: s.passes, Fails: s.total - s.passes, Total: s.total}
	if s.total > 0 {
		rs.Rate = float64(s.passes) / float64(s.total)
	}
	return rs
}
