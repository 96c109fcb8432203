package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line arguments on a fresh flag set and then loads the
// configuration they describe.
func (l Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	return l.LoadFlags(flagSet)
}

// LoadFlags builds a Config from defaults, the optional --config file and the
// already parsed flags in fs, in that order of precedence.
func (Loader) LoadFlags(fs *pflag.FlagSet) (*Config, error) {
	configPath := ""
	if f := fs.Lookup("config"); f != nil {
		configPath = strings.TrimSpace(f.Value.String())
	}

	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	settings := cfgViper.AllSettings()

	cfg := Default()
	cfg.ConfigFile = configPath

	if err := applyConfigSettings(&cfg, settings); err != nil {
		return nil, err
	}

	if err := applyFlagOverrides(&cfg, fs); err != nil {
		return nil, err
	}

	cfg.TargetURL = strings.TrimSpace(cfg.TargetURL)
	cfg.Topic = strings.TrimSpace(cfg.Topic)
	cfg.Interpolation = Interpolation(strings.ToLower(string(cfg.Interpolation)))
	cfg.MissingMetric = MissingMetricPolicy(strings.ToLower(string(cfg.MissingMetric)))

	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}
	if cfg.Tags == nil {
		cfg.Tags = map[string]string{}
	}

	return &cfg, nil
}

// Dump renders cfg as YAML in the same shape the loader reads.
func Dump(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// applyConfigSettings applies the settings read from a config file. Every
// malformed key is reported, not just the first.
func applyConfigSettings(cfg *Config, raw map[string]interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	s, err := sectionOf(raw)
	if err != nil {
		return err
	}

	errs := []error{
		s.text("target", &cfg.TargetURL),
		s.headers("headers", &cfg.Headers),
		s.text("topic", &cfg.Topic),
		s.stages("stages", &cfg.Stages),
		s.keyword("interpolation", (*string)(&cfg.Interpolation)),
		s.duration("poll_interval", &cfg.PollInterval),
		s.rate("spawn_rate", &cfg.SpawnRate),
		s.count("spawn_retries", &cfg.SpawnRetries),
		s.expressions("thresholds", &cfg.Thresholds),
		s.keyword("missing_metric", (*string)(&cfg.MissingMetric)),
		s.flag("json_output", &cfg.JSONOutput),
		s.text("history_file", &cfg.HistoryFile),
		s.text("metrics_addr", &cfg.MetricsAddr),
		s.tags("tags", &cfg.Tags),
	}

	if sec, ok, err := s.section("session"); err != nil {
		errs = append(errs, err)
	} else if ok {
		errs = append(errs, prefixed("session", applySessionSettings(&cfg.Session, sec)))
	}
	if sec, ok, err := s.section("log"); err != nil {
		errs = append(errs, err)
	} else if ok {
		errs = append(errs,
			prefixed("log", sec.text("level", &cfg.Log.Level)),
			prefixed("log", sec.text("format", &cfg.Log.Format)))
	}
	if sec, ok, err := s.section("tracing"); err != nil {
		errs = append(errs, err)
	} else if ok {
		errs = append(errs, prefixed("tracing", applyTracingSettings(&cfg.Tracing, sec)))
	}

	return errors.Join(errs...)
}

func prefixed(section string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%w", section, err)
}

func applySessionSettings(sc *SessionConfig, s fileSettings) error {
	return errors.Join(
		s.count("messages", &sc.Messages),
		s.duration("subscribe_dwell", &sc.SubscribeDwell),
		s.duration("unsubscribe_dwell", &sc.UnsubscribeDwell),
		s.duration("pacing_min", &sc.PacingMin),
		s.duration("pacing_max", &sc.PacingMax),
		s.duration("handshake_timeout", &sc.HandshakeTimeout),
		s.duration("write_timeout", &sc.WriteTimeout),
		s.duration("drain_timeout", &sc.DrainTimeout),
		s.text("from_prefix", &sc.FromPrefix),
	)
}

func applyTracingSettings(tc *TracingConfig, s fileSettings) error {
	return errors.Join(
		s.text("endpoint", &tc.Endpoint),
		s.keyword("protocol", &tc.Protocol),
		s.flag("insecure", &tc.Insecure),
		s.rate("sample_rate", &tc.SampleRate),
		s.text("service_name", &tc.ServiceName),
		s.optionalFlag("propagate", &tc.Propagate),
	)
}
