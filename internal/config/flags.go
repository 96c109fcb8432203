package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all run flags on a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chatswarm run",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	defaults := Default()

	// Target flags
	flags.String("target", "", "WebSocket endpoint to load test (ws:// or wss://)")
	flags.StringSlice("header", nil, "Additional handshake header in key=value form")
	flags.String("topic", defaults.Topic, "Chat topic every session subscribes to")

	// Schedule flags
	flags.StringArray("stage", nil, "Ramp stage in duration:target form (repeatable, e.g. 1m:500)")
	flags.String("interpolation", string(defaults.Interpolation), "Concurrency between stage boundaries: linear or step")
	flags.Duration("poll-interval", defaults.PollInterval, "How often the scheduler reconciles active sessions with the target")
	flags.Float64("spawn-rate", 0, "Maximum new sessions per second (0 means unlimited)")
	flags.Int("spawn-retries", defaults.SpawnRetries, "Attempts before a failing spawn aborts the run")

	// Session flags
	flags.Int("messages", defaults.Session.Messages, "Chat messages each session sends after subscribing")
	flags.Duration("subscribe-dwell", defaults.Session.SubscribeDwell, "Time subscribed before unsubscribing")
	flags.Duration("unsubscribe-dwell", defaults.Session.UnsubscribeDwell, "Time after unsubscribing before closing")
	flags.Duration("pacing-min", 0, "Minimum random pause between chat messages")
	flags.Duration("pacing-max", 0, "Maximum random pause between chat messages")
	flags.Duration("handshake-timeout", defaults.Session.HandshakeTimeout, "WebSocket handshake timeout")
	flags.Duration("write-timeout", defaults.Session.WriteTimeout, "Per-frame write timeout")
	flags.Duration("drain-timeout", defaults.Session.DrainTimeout, "Time allowed for a graceful close before the socket is dropped")
	flags.String("from-prefix", defaults.Session.FromPrefix, "Sender name prefix; the session id is appended")

	// Threshold flags
	flags.StringArray("threshold", nil, "Pass/fail threshold (repeatable, e.g. 'ws_connect_time:p95 < 500')")
	flags.String("missing-metric", string(defaults.MissingMetric), "Verdict for thresholds whose metric has no samples: pass or fail")

	// Output flags
	flags.Bool("json-output", false, "Emit JSON formatted output")
	flags.String("history-file", "", "Append a JSON line per run to this file")
	flags.String("metrics-addr", "", "Serve live Prometheus metrics on this address (e.g. :9090)")
	flags.String("log-level", defaults.Log.Level, "Log level: debug, info, warn or error")
	flags.String("log-format", defaults.Log.Format, "Log format: console or json")
	flags.String("config", "", "Path to configuration file (JSON or YAML)")

	// Tracing flags
	flags.String("tracing-endpoint", "", "OTLP collector endpoint for session spans")
	flags.String("tracing-protocol", defaults.Tracing.Protocol, "OTLP protocol: grpc or http")
	flags.Bool("tracing-insecure", false, "Disable TLS towards the OTLP collector")
	flags.Float64("tracing-sample-rate", defaults.Tracing.SampleRate, "Fraction of sessions to trace (0.0 - 1.0)")
	flags.String("tracing-service-name", "", "Service name reported with spans")

	flags.StringToString("tag", nil, "Run tag in key=value form (repeatable)")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	if fs.Changed("target") {
		val, err := fs.GetString("target")
		if err != nil {
			return err
		}
		cfg.TargetURL = strings.TrimSpace(val)
	}
	if fs.Changed("topic") {
		val, err := fs.GetString("topic")
		if err != nil {
			return err
		}
		cfg.Topic = strings.TrimSpace(val)
	}

	if fs.Changed("header") {
		vals, err := fs.GetStringSlice("header")
		if err != nil {
			return err
		}
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		for _, entry := range vals {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("header must be in key=value format: %s", entry)
			}
			key := http.CanonicalHeaderKey(strings.TrimSpace(parts[0]))
			if key == "" {
				return fmt.Errorf("header key cannot be empty")
			}
			cfg.Headers[key] = strings.TrimSpace(parts[1])
		}
	}

	if fs.Changed("stage") {
		values, err := fs.GetStringArray("stage")
		if err != nil {
			return err
		}
		stages := make([]Stage, 0, len(values))
		for _, v := range values {
			st, err := ParseStage(v)
			if err != nil {
				return err
			}
			stages = append(stages, st)
		}
		cfg.Stages = stages
	}
	if fs.Changed("interpolation") {
		val, err := fs.GetString("interpolation")
		if err != nil {
			return err
		}
		cfg.Interpolation = Interpolation(strings.ToLower(strings.TrimSpace(val)))
	}
	if err := overrideDuration(fs, "poll-interval", &cfg.PollInterval); err != nil {
		return err
	}
	if fs.Changed("spawn-rate") {
		val, err := fs.GetFloat64("spawn-rate")
		if err != nil {
			return err
		}
		cfg.SpawnRate = val
	}
	if fs.Changed("spawn-retries") {
		val, err := fs.GetInt("spawn-retries")
		if err != nil {
			return err
		}
		cfg.SpawnRetries = val
	}

	if fs.Changed("messages") {
		val, err := fs.GetInt("messages")
		if err != nil {
			return err
		}
		cfg.Session.Messages = val
	}
	for name, dst := range map[string]*time.Duration{
		"subscribe-dwell":   &cfg.Session.SubscribeDwell,
		"unsubscribe-dwell": &cfg.Session.UnsubscribeDwell,
		"pacing-min":        &cfg.Session.PacingMin,
		"pacing-max":        &cfg.Session.PacingMax,
		"handshake-timeout": &cfg.Session.HandshakeTimeout,
		"write-timeout":     &cfg.Session.WriteTimeout,
		"drain-timeout":     &cfg.Session.DrainTimeout,
	} {
		if err := overrideDuration(fs, name, dst); err != nil {
			return err
		}
	}
	if fs.Changed("from-prefix") {
		val, err := fs.GetString("from-prefix")
		if err != nil {
			return err
		}
		cfg.Session.FromPrefix = val
	}

	if fs.Changed("threshold") {
		val, err := fs.GetStringArray("threshold")
		if err != nil {
			return err
		}
		cfg.Thresholds = val
	}
	if fs.Changed("missing-metric") {
		val, err := fs.GetString("missing-metric")
		if err != nil {
			return err
		}
		cfg.MissingMetric = MissingMetricPolicy(strings.ToLower(strings.TrimSpace(val)))
	}

	if fs.Changed("json-output") {
		val, err := fs.GetBool("json-output")
		if err != nil {
			return err
		}
		cfg.JSONOutput = val
	}
	if fs.Changed("history-file") {
		val, err := fs.GetString("history-file")
		if err != nil {
			return err
		}
		cfg.HistoryFile = strings.TrimSpace(val)
	}
	if fs.Changed("metrics-addr") {
		val, err := fs.GetString("metrics-addr")
		if err != nil {
			return err
		}
		cfg.MetricsAddr = strings.TrimSpace(val)
	}
	if fs.Changed("log-level") {
		val, err := fs.GetString("log-level")
		if err != nil {
			return err
		}
		cfg.Log.Level = val
	}
	if fs.Changed("log-format") {
		val, err := fs.GetString("log-format")
		if err != nil {
			return err
		}
		cfg.Log.Format = val
	}

	if fs.Changed("tracing-endpoint") {
		val, err := fs.GetString("tracing-endpoint")
		if err != nil {
			return err
		}
		cfg.Tracing.Endpoint = strings.TrimSpace(val)
	}
	if fs.Changed("tracing-protocol") {
		val, err := fs.GetString("tracing-protocol")
		if err != nil {
			return err
		}
		cfg.Tracing.Protocol = strings.ToLower(strings.TrimSpace(val))
	}
	if fs.Changed("tracing-insecure") {
		val, err := fs.GetBool("tracing-insecure")
		if err != nil {
			return err
		}
		cfg.Tracing.Insecure = val
	}
	if fs.Changed("tracing-sample-rate") {
		val, err := fs.GetFloat64("tracing-sample-rate")
		if err != nil {
			return err
		}
		cfg.Tracing.SampleRate = val
	}
	if fs.Changed("tracing-service-name") {
		val, err := fs.GetString("tracing-service-name")
		if err != nil {
			return err
		}
		cfg.Tracing.ServiceName = strings.TrimSpace(val)
	}

	if fs.Changed("tag") {
		val, err := fs.GetStringToString("tag")
		if err != nil {
			return err
		}
		if cfg.Tags == nil {
			cfg.Tags = map[string]string{}
		}
		for k, v := range val {
			cfg.Tags[k] = v
		}
	}

	return nil
}

func overrideDuration(fs *pflag.FlagSet, name string, dst *time.Duration) error {
	if !fs.Changed(name) {
		return nil
	}
	val, err := fs.GetDuration(name)
	if err != nil {
		return err
	}
	*dst = val
	return nil
}
