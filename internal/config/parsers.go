// Package config loads run configuration for chatswarm from defaults, an
// optional YAML or JSON file and command-line flags.
package config

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// fileSettings is one mapping level of a config file. Keys are folded so
// that "poll_interval", "poll-interval" and "PollInterval" name one setting.
//
// Every getter leaves dst untouched when the key is absent and reports
// conversion failures prefixed with the key.
type fileSettings map[string]any

var keyFolder = strings.NewReplacer("_", "", "-", "")

func foldKey(key string) string {
	return keyFolder.Replace(strings.ToLower(strings.TrimSpace(key)))
}

// sectionOf folds a decoded mapping. YAML yields map[string]any at the top
// level and may yield map[any]any for nested blocks.
func sectionOf(value any) (fileSettings, error) {
	out := fileSettings{}
	switch v := value.(type) {
	case nil:
	case map[string]any:
		for k, val := range v {
			out[foldKey(k)] = val
		}
	case map[any]any:
		for k, val := range v {
			out[foldKey(fmt.Sprint(k))] = val
		}
	default:
		return nil, fmt.Errorf("expected a mapping, got %T", value)
	}
	return out, nil
}

func (s fileSettings) lookup(key string) (any, bool) {
	v, ok := s[foldKey(key)]
	return v, ok
}

func (s fileSettings) section(key string) (fileSettings, bool, error) {
	raw, ok := s.lookup(key)
	if !ok {
		return nil, false, nil
	}
	sec, err := sectionOf(raw)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", key, err)
	}
	return sec, true, nil
}

func (s fileSettings) text(key string, dst *string) error {
	raw, ok := s.lookup(key)
	if !ok {
		return nil
	}
	v, err := scalarText(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = strings.TrimSpace(v)
	return nil
}

// keyword reads an enum-like setting such as interpolation; case is ignored.
func (s fileSettings) keyword(key string, dst *string) error {
	if err := s.text(key, dst); err != nil {
		return err
	}
	*dst = strings.ToLower(*dst)
	return nil
}

func (s fileSettings) count(key string, dst *int) error {
	raw, ok := s.lookup(key)
	if !ok {
		return nil
	}
	v, err := parseCount(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func (s fileSettings) rate(key string, dst *float64) error {
	raw, ok := s.lookup(key)
	if !ok {
		return nil
	}
	v, err := parseRate(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func (s fileSettings) flag(key string, dst *bool) error {
	raw, ok := s.lookup(key)
	if !ok {
		return nil
	}
	v, err := parseFlag(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

// optionalFlag distinguishes an explicit false from an absent key.
func (s fileSettings) optionalFlag(key string, dst **bool) error {
	if _, ok := s.lookup(key); !ok {
		return nil
	}
	var v bool
	if err := s.flag(key, &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

func (s fileSettings) duration(key string, dst *time.Duration) error {
	raw, ok := s.lookup(key)
	if !ok {
		return nil
	}
	v, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

// headers merges a mapping of handshake headers into dst under canonical keys.
func (s fileSettings) headers(key string, dst *map[string]string) error {
	pairs, err := s.pairs(key)
	if err != nil || pairs == nil {
		return err
	}
	if *dst == nil {
		*dst = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		(*dst)[http.CanonicalHeaderKey(k)] = v
	}
	return nil
}

// tags replaces dst with a mapping of run labels. Label keys keep their case.
func (s fileSettings) tags(key string, dst *map[string]string) error {
	pairs, err := s.pairs(key)
	if err != nil || pairs == nil {
		return err
	}
	*dst = pairs
	return nil
}

func (s fileSettings) pairs(key string) (map[string]string, error) {
	raw, ok := s.lookup(key)
	if !ok || raw == nil {
		return nil, nil
	}
	out := map[string]string{}
	add := func(k any, v any) error {
		name := strings.TrimSpace(fmt.Sprint(k))
		if name == "" {
			return fmt.Errorf("%s: empty key", key)
		}
		val, err := scalarText(v)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", key, name, err)
		}
		out[name] = val
		return nil
	}
	switch m := raw.(type) {
	case map[string]any:
		for k, v := range m {
			if err := add(k, v); err != nil {
				return nil, err
			}
		}
	case map[any]any:
		for k, v := range m {
			if err := add(k, v); err != nil {
				return nil, err
			}
		}
	case map[string]string:
		for k, v := range m {
			if err := add(k, v); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%s: expected a mapping, got %T", key, raw)
	}
	return out, nil
}

// expressions reads threshold expressions: a list, or a single string.
func (s fileSettings) expressions(key string, dst *[]string) error {
	raw, ok := s.lookup(key)
	if !ok || raw == nil {
		return nil
	}
	if one, isText := raw.(string); isText {
		if strings.TrimSpace(one) != "" {
			*dst = []string{strings.TrimSpace(one)}
		}
		return nil
	}
	items, err := listOf(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		expr, err := scalarText(item)
		if err != nil {
			return fmt.Errorf("%s[%d]: %w", key, i, err)
		}
		out = append(out, strings.TrimSpace(expr))
	}
	*dst = out
	return nil
}

// stages reads a ramp schedule. Each entry is either the compact
// "duration:target" string or a {duration, target} mapping.
func (s fileSettings) stages(key string, dst *[]Stage) error {
	raw, ok := s.lookup(key)
	if !ok || raw == nil {
		return nil
	}
	items, err := listOf(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	out := make([]Stage, 0, len(items))
	for i, item := range items {
		st, err := stageOf(item)
		if err != nil {
			return fmt.Errorf("%s[%d]: %w", key, i, err)
		}
		out = append(out, st)
	}
	*dst = out
	return nil
}

func stageOf(item any) (Stage, error) {
	if compact, ok := item.(string); ok {
		return ParseStage(compact)
	}
	entry, err := sectionOf(item)
	if err != nil {
		return Stage{}, err
	}
	var st Stage
	if _, ok := entry.lookup("duration"); !ok {
		return Stage{}, fmt.Errorf("stage needs a duration")
	}
	if _, ok := entry.lookup("target"); !ok {
		return Stage{}, fmt.Errorf("stage needs a target")
	}
	if err := entry.duration("duration", &st.Duration); err != nil {
		return Stage{}, err
	}
	if err := entry.count("target", &st.Target); err != nil {
		return Stage{}, err
	}
	return st, nil
}

// ParseStage parses the compact "duration:target" form, e.g. "1m:500". A
// bare number of seconds is accepted for the duration.
func ParseStage(text string) (Stage, error) {
	durText, targetText, ok := strings.Cut(strings.TrimSpace(text), ":")
	if !ok {
		return Stage{}, fmt.Errorf("stage %q must be in duration:target form", text)
	}
	dur, err := parseDuration(durText)
	if err != nil {
		return Stage{}, fmt.Errorf("stage %q: duration: %w", text, err)
	}
	target, err := parseCount(targetText)
	if err != nil {
		return Stage{}, fmt.Errorf("stage %q: target: %w", text, err)
	}
	return Stage{Duration: dur, Target: target}, nil
}

func listOf(raw any) ([]any, error) {
	switch v := raw.(type) {
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", raw)
	}
}

// scalarText renders a YAML or JSON scalar. Numbers and booleans are allowed
// so that a topic such as 2024 need not be quoted.
func scalarText(raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool, int, int64, uint64, float64:
		return fmt.Sprint(v), nil
	default:
		return "", fmt.Errorf("expected a scalar, got %T", raw)
	}
}

// parseCount reads a non-fractional number: VU targets, message counts and
// retry budgets.
func parseCount(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%v is not a whole number", v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%q is not a whole number", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", raw)
	}
}

func parseRate(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", raw)
	}
}

func parseFlag(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("%q is not a boolean", v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("expected a boolean, got %T", raw)
	}
}

// parseDuration accepts Go duration strings ("1m30s") and plain numbers of
// seconds, either as text or as a YAML number.
func parseDuration(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case time.Duration:
		return v, nil
	case string:
		text := strings.TrimSpace(v)
		if secs, err := strconv.ParseFloat(text, 64); err == nil {
			return secondsOf(secs), nil
		}
		d, err := time.ParseDuration(text)
		if err != nil {
			return 0, fmt.Errorf("%q is not a duration", v)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case uint64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return secondsOf(v), nil
	default:
		return 0, fmt.Errorf("expected a duration, got %T", raw)
	}
}

func secondsOf(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
