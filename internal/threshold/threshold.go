// Package threshold parses pass/fail assertions over run metrics and
// evaluates them against a metrics snapshot.
package threshold

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/torosent/chatswarm/internal/metrics"
)

// Threshold represents a performance assertion that can pass or fail.
type Threshold struct {
	Metric    string  // e.g., "ws_connect_time", "errors", "checks"
	Aggregate string  // e.g., "p95", "avg", "count", "rate"; empty means the kind default
	Operator  string  // e.g., "<", "<=", ">", ">=", "==", "!="
	Value     float64 // The threshold value to compare against
	Raw       string  // Original threshold string for display
}

// Result represents the outcome of evaluating a threshold.
type Result struct {
	Threshold Threshold
	Actual    float64
	Pass      bool
	Missing   bool
	Message   string
}

// Verdict is the outcome of evaluating every threshold.
type Verdict struct {
	Pass    bool
	Results []Result
}

// Failed returns the results that did not pass.
func (v Verdict) Failed() []Result {
	var failed []Result
	for _, r := range v.Results {
		if !r.Pass {
			failed = append(failed, r)
		}
	}
	return failed
}

// MissingPolicy decides the verdict for a threshold whose metric recorded no samples.
type MissingPolicy int

const (
	// MissingPass treats an absent metric as a vacuous pass.
	MissingPass MissingPolicy = iota
	// MissingFail fails thresholds on absent metrics.
	MissingFail
)

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithMissingMetricPolicy sets how absent metrics are judged.
func WithMissingMetricPolicy(p MissingPolicy) Option {
	return func(e *Evaluator) {
		e.missing = p
	}
}

// Evaluator evaluates thresholds against collected metrics.
type Evaluator struct {
	thresholds []Threshold
	missing    MissingPolicy
}

// NewEvaluator creates a new threshold evaluator.
func NewEvaluator(thresholds []Threshold, opts ...Option) *Evaluator {
	e := &Evaluator{
		thresholds: thresholds,
		missing:    MissingPass,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate checks all thresholds against the snapshot. With no thresholds
// the verdict passes.
func (e *Evaluator) Evaluate(snap metrics.Snapshot) Verdict {
	verdict := Verdict{Pass: true}
	if len(e.thresholds) == 0 {
		return verdict
	}

	verdict.Results = make([]Result, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		result := e.evaluateOne(t, snap)
		if !result.Pass {
			verdict.Pass = false
		}
		verdict.Results = append(verdict.Results, result)
	}
	return verdict
}

func (e *Evaluator) evaluateOne(t Threshold, snap metrics.Snapshot) Result {
	kind, ok := snap.Lookup(t.Metric)
	if !ok {
		pass := e.missing == MissingPass
		status := "✓"
		if !pass {
			status = "✗"
		}
		return Result{
			Threshold: t,
			Pass:      pass,
			Missing:   true,
			Message:   fmt.Sprintf("%s %s: no samples recorded", status, t.Raw),
		}
	}

	actual, err := extractMetricValue(t, kind, snap)
	if err != nil {
		return Result{
			Threshold: t,
			Actual:    0,
			Pass:      false,
			Message:   fmt.Sprintf("error: %v", err),
		}
	}

	pass := compareValues(actual, t.Operator, t.Value)
	status := "✓"
	if !pass {
		status = "✗"
	}

	message := fmt.Sprintf("%s %s: %.2f %s %.2f", status, t.Raw, actual, t.Operator, t.Value)
	return Result{
		Threshold: t,
		Actual:    actual,
		Pass:      pass,
		Message:   message,
	}
}

var pattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*)(?::([a-z]+|p[0-9]+(?:\.[0-9]+)?|p\([0-9]+(?:\.[0-9]+)?\)))?\s*(<=|>=|==|!=|<|>)\s*(-?[0-9]+(?:\.[0-9]+)?)$`)

// Parse parses a threshold string into a Threshold struct.
// Supported formats:
// - "ws_connect_time:p95 < 500"        (percentile of a distribution, ms)
// - "ws_connect_time:p(99.9) < 1000"   (k6-style percentile)
// - "ws_send_message_time:avg < 50"    (also min, max, med, count, sum)
// - "errors < 10"                      (kind default: counter count)
// - "checks:rate > 0.99"               (pass ratio of a rate metric)
// - "ws_msgs_sent:rate > 100"          (counter per second)
func Parse(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Threshold{}, fmt.Errorf("empty threshold string")
	}

	matches := pattern.FindStringSubmatch(s)
	if matches == nil {
		return Threshold{}, fmt.Errorf("invalid threshold format: %q (expected format: metric[:aggregate] operator value, e.g., 'ws_connect_time:p95 < 500')", s)
	}

	metric := matches[1]
	aggregate := normalizeAggregate(matches[2])
	operator := matches[3]
	valueStr := matches[4]

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %v", valueStr, err)
	}

	if aggregate != "" && !isValidAggregate(aggregate) {
		return Threshold{}, fmt.Errorf("unsupported aggregate: %q (supported: pNN, avg, min, max, med, count, sum, rate)", matches[2])
	}

	return Threshold{
		Metric:    metric,
		Aggregate: aggregate,
		Operator:  operator,
		Value:     value,
		Raw:       s,
	}, nil
}

// ParseMultiple parses multiple threshold strings.
func ParseMultiple(thresholds []string) ([]Threshold, error) {
	if len(thresholds) == 0 {
		return nil, nil
	}

	result := make([]Threshold, 0, len(thresholds))
	var errors []string

	for i, s := range thresholds {
		t, err := Parse(s)
		if err != nil {
			errors = append(errors, fmt.Sprintf("threshold[%d]: %v", i, err))
			continue
		}
		result = append(result, t)
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("threshold parsing errors: %s", strings.Join(errors, "; "))
	}

	return result, nil
}

// normalizeAggregate rewrites p(95) as p95.
func normalizeAggregate(agg string) string {
	if strings.HasPrefix(agg, "p(") && strings.HasSuffix(agg, ")") {
		return "p" + agg[2:len(agg)-1]
	}
	return agg
}

func isValidAggregate(aggregate string) bool {
	if _, ok := percentileOf(aggregate); ok {
		return true
	}
	switch aggregate {
	case "avg", "min", "max", "med", "count", "sum", "rate":
		return true
	}
	return false
}

func percentileOf(aggregate string) (float64, bool) {
	if len(aggregate) < 2 || aggregate[0] != 'p' {
		return 0, false
	}
	p, err := strconv.ParseFloat(aggregate[1:], 64)
	if err != nil || p < 0 || p > 100 {
		return 0, false
	}
	return p, true
}

func defaultAggregate(kind metrics.Kind) string {
	switch kind {
	case metrics.KindCounter:
		return "count"
	case metrics.KindRate:
		return "rate"
	default:
		return "avg"
	}
}

func extractMetricValue(t Threshold, kind metrics.Kind, snap metrics.Snapshot) (float64, error) {
	aggregate := t.Aggregate
	if aggregate == "" {
		aggregate = defaultAggregate(kind)
	}
	switch kind {
	case metrics.KindDistribution:
		return extractDistribution(t.Metric, aggregate, snap.Distributions[t.Metric])
	case metrics.KindCounter:
		return extractCounter(t.Metric, aggregate, snap.Counters[t.Metric])
	case metrics.KindRate:
		return extractRate(t.Metric, aggregate, snap.Rates[t.Metric])
	default:
		return 0, fmt.Errorf("unknown metric kind for %s", t.Metric)
	}
}

func extractDistribution(name, aggregate string, d metrics.DistributionStats) (float64, error) {
	if p, ok := percentileOf(aggregate); ok {
		return d.Percentile(p), nil
	}
	switch aggregate {
	case "avg":
		return d.Avg, nil
	case "min":
		return d.Min, nil
	case "max":
		return d.Max, nil
	case "med":
		return d.Med, nil
	case "count":
		return float64(d.Count), nil
	case "sum":
		return d.Sum, nil
	default:
		return 0, fmt.Errorf("unsupported aggregate %q for distribution %s", aggregate, name)
	}
}

func extractCounter(name, aggregate string, c metrics.CounterStats) (float64, error) {
	switch aggregate {
	case "count", "sum":
		return c.Count, nil
	case "rate":
		return c.PerSecond, nil
	default:
		return 0, fmt.Errorf("unsupported aggregate %q for counter %s (use 'count' or 'rate')", aggregate, name)
	}
}

func extractRate(name, aggregate string, r metrics.RateStats) (float64, error) {
	switch aggregate {
	case "rate":
		return r.Rate, nil
	case "count":
		return float64(r.Total), nil
	default:
		return 0, fmt.Errorf("unsupported aggregate %q for rate %s (use 'rate' or 'count')", aggregate, name)
	}
}

func compareValues(actual float64, operator string, expected float64) bool {
	// Handle floating point comparison with small epsilon
	epsilon := 1e-9

	switch operator {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	case "!=":
		return math.Abs(actual-expected) >= epsilon
	default:
		return false
	}
}
