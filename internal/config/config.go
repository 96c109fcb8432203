package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/torosent/chatswarm/internal/threshold"
)

// Interpolation selects how concurrency moves between stage boundaries.
type Interpolation string

const (
	InterpolationLinear Interpolation = "linear"
	InterpolationStep   Interpolation = "step"
)

// MissingMetricPolicy decides the verdict of a threshold whose metric has no samples.
type MissingMetricPolicy string

const (
	MissingMetricPass MissingMetricPolicy = "pass"
	MissingMetricFail MissingMetricPolicy = "fail"
)

// highConcurrencyWarning is the peak stage target above which Warnings
// reminds the operator to get authorization.
const highConcurrencyWarning = 5000

type Config struct {
	TargetURL     string              `mapstructure:"target" yaml:"target"`
	Headers       map[string]string   `mapstructure:"headers" yaml:"headers,omitempty"`
	Topic         string              `mapstructure:"topic" yaml:"topic"`
	Stages        []Stage             `mapstructure:"stages" yaml:"stages"`
	Interpolation Interpolation       `mapstructure:"interpolation" yaml:"interpolation"`
	PollInterval  time.Duration       `mapstructure:"poll_interval" yaml:"poll_interval"`
	SpawnRate     float64             `mapstructure:"spawn_rate" yaml:"spawn_rate"`
	SpawnRetries  int                 `mapstructure:"spawn_retries" yaml:"spawn_retries"`
	Session       SessionConfig       `mapstructure:"session" yaml:"session"`
	Thresholds    []string            `mapstructure:"thresholds" yaml:"thresholds,omitempty"`
	MissingMetric MissingMetricPolicy `mapstructure:"missing_metric" yaml:"missing_metric"`
	JSONOutput    bool                `mapstructure:"json_output" yaml:"json_output"`
	HistoryFile   string              `mapstructure:"history_file" yaml:"history_file,omitempty"`
	MetricsAddr   string              `mapstructure:"metrics_addr" yaml:"metrics_addr,omitempty"`
	Log           LogConfig           `mapstructure:"log" yaml:"log"`
	Tracing       TracingConfig       `mapstructure:"tracing" yaml:"tracing"`
	Tags          map[string]string   `mapstructure:"tags" yaml:"tags,omitempty"`
	ConfigFile    string              `mapstructure:"-" yaml:"-"`
}

// Stage is one ramp stage: reach Target concurrent sessions by the end of Duration.
type Stage struct {
	Duration time.Duration `mapstructure:"duration" yaml:"duration"`
	Target   int           `mapstructure:"target" yaml:"target"`
}

// SessionConfig controls the lifecycle timing of every simulated client.
type SessionConfig struct {
	Messages         int           `mapstructure:"messages" yaml:"messages"`
	SubscribeDwell   time.Duration `mapstructure:"subscribe_dwell" yaml:"subscribe_dwell"`
	UnsubscribeDwell time.Duration `mapstructure:"unsubscribe_dwell" yaml:"unsubscribe_dwell"`
	PacingMin        time.Duration `mapstructure:"pacing_min" yaml:"pacing_min"`
	PacingMax        time.Duration `mapstructure:"pacing_max" yaml:"pacing_max"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	FromPrefix       string        `mapstructure:"from_prefix" yaml:"from_prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// TracingConfig configures OpenTelemetry export of session spans.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Protocol    string  `mapstructure:"protocol" yaml:"protocol,omitempty"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure,omitempty"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name,omitempty"`
	Propagate   *bool   `mapstructure:"propagate" yaml:"propagate,omitempty"`
}

// Enabled reports whether an OTLP endpoint is configured, directly or via
// OTEL_EXPORTER_OTLP_ENDPOINT.
func (t TracingConfig) Enabled() bool {
	if strings.TrimSpace(t.Endpoint) != "" {
		return true
	}
	return os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
}

// ShouldPropagate reports whether trace context is injected into handshakes.
// It follows Enabled unless set explicitly.
func (t TracingConfig) ShouldPropagate() bool {
	if t.Propagate != nil {
		return *t.Propagate
	}
	return t.Enabled()
}

// Default returns the configuration used before any file or flag is applied.
// The stages mirror the classic chat soak: 1m to 500, 3m to 1000, hold 2m, 1m down.
func Default() Config {
	return Config{
		Headers: map[string]string{},
		Topic:   "chat",
		Stages: []Stage{
			{Duration: time.Minute, Target: 500},
			{Duration: 3 * time.Minute, Target: 1000},
			{Duration: 2 * time.Minute, Target: 1000},
			{Duration: time.Minute, Target: 0},
		},
		Interpolation: InterpolationLinear,
		PollInterval:  time.Second,
		SpawnRetries:  3,
		Session: SessionConfig{
			Messages:         1,
			SubscribeDwell:   5 * time.Second,
			UnsubscribeDwell: 5 * time.Second,
			HandshakeTimeout: 30 * time.Second,
			WriteTimeout:     10 * time.Second,
			DrainTimeout:     5 * time.Second,
			FromPrefix:       "test_user_",
		},
		MissingMetric: MissingMetricPass,
		Log:           LogConfig{Level: "info", Format: "console"},
		Tracing:       TracingConfig{Protocol: "grpc", SampleRate: 1.0},
		Tags:          map[string]string{},
	}
}

// MaxTarget returns the largest stage target.
func (c Config) MaxTarget() int {
	peak := 0
	for _, st := range c.Stages {
		if st.Target > peak {
			peak = st.Target
		}
	}
	return peak
}

// TotalDuration returns the sum of all stage durations.
func (c Config) TotalDuration() time.Duration {
	var total time.Duration
	for _, st := range c.Stages {
		total += st.Duration
	}
	return total
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string

	issues = append(issues, validateTarget(c.TargetURL)...)

	topic := strings.TrimSpace(c.Topic)
	if topic == "" {
		issues = append(issues, "topic is required")
	} else if strings.Contains(topic, ":") {
		issues = append(issues, fmt.Sprintf("topic %q must not contain ':'", topic))
	}

	issues = append(issues, validateStages(c.Stages)...)

	switch c.Interpolation {
	case "", InterpolationLinear, InterpolationStep:
	default:
		issues = append(issues, fmt.Sprintf("interpolation %q is not supported (use linear or step)", c.Interpolation))
	}

	if c.PollInterval <= 0 {
		issues = append(issues, "poll_interval must be > 0")
	}
	if c.SpawnRate < 0 {
		issues = append(issues, "spawn_rate must be >= 0")
	}
	if c.SpawnRetries < 0 {
		issues = append(issues, "spawn_retries must be >= 0")
	}

	issues = append(issues, validateSession(c.Session)...)

	for idx, expr := range c.Thresholds {
		if _, err := threshold.Parse(expr); err != nil {
			issues = append(issues, fmt.Sprintf("thresholds[%d]: %v", idx, err))
		}
	}

	switch c.MissingMetric {
	case "", MissingMetricPass, MissingMetricFail:
	default:
		issues = append(issues, fmt.Sprintf("missing_metric must be 'pass' or 'fail', got %q", c.MissingMetric))
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		issues = append(issues, fmt.Sprintf("log.format must be 'json' or 'console', got %q", c.Log.Format))
	}

	switch strings.ToLower(c.Tracing.Protocol) {
	case "", "grpc", "http":
	default:
		issues = append(issues, fmt.Sprintf("tracing.protocol must be 'grpc' or 'http', got %q", c.Tracing.Protocol))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		issues = append(issues, "tracing.sample_rate must be between 0.0 and 1.0")
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}

	return nil
}

// Warnings returns advisory messages that do not block the run.
func (c Config) Warnings() []string {
	var warnings []string
	if peak := c.MaxTarget(); peak > highConcurrencyWarning {
		warnings = append(warnings, fmt.Sprintf("High concurrency configured (%d sessions). Ensure you have authorization to test the target system.", peak))
	}
	if c.Session.DrainTimeout > 0 && c.PollInterval > 0 && c.Session.DrainTimeout > 10*c.PollInterval {
		warnings = append(warnings, "drain_timeout is much larger than poll_interval; ramp-down may lag behind the schedule")
	}
	return warnings
}

func validateTarget(target string) []string {
	target = strings.TrimSpace(target)
	if target == "" {
		return []string{"target is required (use --help for usage information)"}
	}
	u, err := url.Parse(target)
	if err != nil {
		return []string{fmt.Sprintf("target: %v", err)}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return []string{fmt.Sprintf("target scheme must be ws or wss, got %q", u.Scheme)}
	}
	if u.Host == "" {
		return []string{"target must include a host"}
	}
	return nil
}

func validateStages(stages []Stage) []string {
	if len(stages) == 0 {
		return []string{"stages: at least one stage is required"}
	}
	var issues []string
	var total time.Duration
	for idx, st := range stages {
		if st.Duration < 0 {
			issues = append(issues, fmt.Sprintf("stages[%d]: duration must be >= 0", idx))
		}
		if st.Target < 0 {
			issues = append(issues, fmt.Sprintf("stages[%d]: target must be >= 0", idx))
		}
		total += st.Duration
	}
	if len(issues) == 0 && total == 0 {
		issues = append(issues, "stages: total duration must be > 0")
	}
	return issues
}

func validateSession(s SessionConfig) []string {
	var issues []string
	if s.Messages < 1 {
		issues = append(issues, "session.messages must be >= 1")
	}
	if s.SubscribeDwell < 0 {
		issues = append(issues, "session.subscribe_dwell must be >= 0")
	}
	if s.UnsubscribeDwell < 0 {
		issues = append(issues, "session.unsubscribe_dwell must be >= 0")
	}
	if s.PacingMin < 0 || s.PacingMax < 0 {
		issues = append(issues, "session.pacing_min and pacing_max must be >= 0")
	}
	if s.PacingMax > 0 && s.PacingMin > s.PacingMax {
		issues = append(issues, "session.pacing_min must be <= pacing_max")
	}
	if s.HandshakeTimeout < 0 {
		issues = append(issues, "session.handshake_timeout must be >= 0")
	}
	if s.WriteTimeout < 0 {
		issues = append(issues, "session.write_timeout must be >= 0")
	}
	if s.DrainTimeout <= 0 {
		issues = append(issues, "session.drain_timeout must be > 0")
	}
	return issues
}
