package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/torosent/chatswarm/internal/metrics"
	"github.com/torosent/chatswarm/internal/runner"
	"github.com/torosent/chatswarm/internal/threshold"
)

// Summary is everything a finished run reports.
type Summary struct {
	RunID     string            `json:"run_id"`
	Target    string            `json:"target"`
	StartedAt time.Time         `json:"started_at"`
	Tags      map[string]string `json:"tags,omitempty"`
	Scheduler SchedulerSummary  `json:"scheduler"`
	Metrics   metrics.Snapshot  `json:"metrics"`
	Verdict   VerdictSummary    `json:"verdict"`
	Fatal     string            `json:"fatal,omitempty"`
}

// SchedulerSummary mirrors runner.Result with JSON-friendly durations.
type SchedulerSummary struct {
	Spawned    int64   `json:"spawned"`
	Retired    int64   `json:"retired"`
	Completed  int64   `json:"completed"`
	Failed     int64   `json:"failed"`
	PeakActive int64   `json:"peak_active"`
	DurationMs float64 `json:"duration_ms"`
}

// VerdictSummary is the serializable form of threshold.Verdict.
type VerdictSummary struct {
	Pass       bool               `json:"pass"`
	Thresholds []ThresholdOutcome `json:"thresholds,omitempty"`
}

// ThresholdOutcome reports one evaluated threshold.
type ThresholdOutcome struct {
	Threshold string  `json:"threshold"`
	Metric    string  `json:"metric"`
	Aggregate string  `json:"aggregate"`
	Operator  string  `json:"operator"`
	Expected  float64 `json:"expected"`
	Actual    float64 `json:"actual"`
	Pass      bool    `json:"pass"`
	Missing   bool    `json:"missing,omitempty"`
	Message   string  `json:"message"`
}

// NewSummary assembles a Summary from the run's parts. runErr, when set, is
// reported as the fatal cause.
func NewSummary(runID, target string, started time.Time, res runner.Result, snap metrics.Snapshot, verdict threshold.Verdict, runErr error) Summary {
	s := Summary{
		RunID:     runID,
		Target:    target,
		StartedAt: started.UTC(),
		Scheduler: SchedulerSummary{
			Spawned:    res.Spawned,
			Retired:    res.Retired,
			Completed:  res.Completed,
			Failed:     res.Failed,
			PeakActive: res.PeakActive,
			DurationMs: float64(res.Duration) / float64(time.Millisecond),
		},
		Metrics: snap,
		Verdict: VerdictSummary{Pass: verdict.Pass},
	}
	for _, r := range verdict.Results {
		s.Verdict.Thresholds = append(s.Verdict.Thresholds, ThresholdOutcome{
			Threshold: r.Threshold.Raw,
			Metric:    r.Threshold.Metric,
			Aggregate: r.Threshold.Aggregate,
			Operator:  r.Threshold.Operator,
			Expected:  r.Threshold.Value,
			Actual:    r.Actual,
			Pass:      r.Pass,
			Missing:   r.Missing,
			Message:   r.Message,
		})
	}
	if runErr != nil {
		s.Fatal = runErr.Error()
	}
	return s
}

// PrintReport outputs a human-readable summary report.
func PrintReport(w io.Writer, s Summary) {
	fmt.Fprintln(w, "\n--- Load Test Results ---")
	fmt.Fprintf(w, "Run ID:            %s\n", s.RunID)
	fmt.Fprintf(w, "Target:            %s\n", s.Target)
	fmt.Fprintf(w, "Duration:          %s\n", time.Duration(s.Scheduler.DurationMs*float64(time.Millisecond)).Round(time.Millisecond))
	fmt.Fprintf(w, "VUs Spawned:       %d\n", s.Scheduler.Spawned)
	fmt.Fprintf(w, "VUs Peak:          %d\n", s.Scheduler.PeakActive)
	fmt.Fprintf(w, "Sessions Failed:   %d\n", s.Scheduler.Failed)

	snap := s.Metrics
	if len(snap.Distributions) > 0 {
		fmt.Fprintln(w, "\nDistributions:")
		for _, name := range sortedKeys(snap.Distributions) {
			d := snap.Distributions[name]
			fmt.Fprintf(w, "  %-22s avg=%.2f min=%.2f med=%.2f max=%.2f p(90)=%.2f p(95)=%.2f count=%d\n",
				name, d.Avg, d.Min, d.Med, d.Max, d.P90, d.P95, d.Count)
		}
	}
	if len(snap.Counters) > 0 {
		fmt.Fprintln(w, "\nCounters:")
		for _, name := range sortedKeys(snap.Counters) {
			c := snap.Counters[name]
			fmt.Fprintf(w, "  %-22s %.0f (%.2f/s)\n", name, c.Count, c.PerSecond)
		}
	}
	if len(snap.Checks) > 0 {
		fmt.Fprintln(w, "\nChecks:")
		for _, name := range sortedKeys(snap.Checks) {
			c := snap.Checks[name]
			fmt.Fprintf(w, "  %-22s %.2f%% (%d passed, %d failed)\n", name, c.Rate*100, c.Passes, c.Fails)
		}
	}
	if rows := metrics.FlattenErrorBreakdown(snap.ErrorBreakdown); len(rows) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, row := range rows {
			fmt.Fprintf(w, "  %s %s: %d\n", row.Stage, row.Reason, row.Count)
		}
	}
	if snap.Dropped > 0 {
		fmt.Fprintf(w, "\nDropped samples:   %d\n", snap.Dropped)
	}

	if len(s.Verdict.Thresholds) > 0 {
		fmt.Fprintln(w, "\nThresholds:")
		for _, t := range s.Verdict.Thresholds {
			fmt.Fprintf(w, "  %s\n", t.Message)
		}
	}

	switch {
	case s.Fatal != "":
		fmt.Fprintf(w, "\nResult: ERROR (%s)\n", s.Fatal)
	case s.Verdict.Pass:
		fmt.Fprintln(w, "\nResult: PASS")
	default:
		fmt.Fprintf(w, "\nResult: FAIL (%d of %d thresholds failed)\n", countFailed(s.Verdict.Thresholds), len(s.Verdict.Thresholds))
	}
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, s Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func countFailed(outcomes []ThresholdOutcome) int {
	n := 0
	for _, o := range outcomes {
		if !o.Pass {
			n++
		}
	}
	return n
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
