package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"

	"github.com/torosent/chatswarm/internal/metrics"
)

// NewRunID returns a lexically sortable run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

// HistoryEntry is one line of the run history file.
type HistoryEntry struct {
	RunID      string             `json:"run_id"`
	Target     string             `json:"target"`
	StartedAt  time.Time          `json:"started_at"`
	DurationMs float64            `json:"duration_ms"`
	Pass       bool               `json:"pass"`
	Fatal      string             `json:"fatal,omitempty"`
	Spawned    int64              `json:"spawned"`
	PeakVUs    int64              `json:"peak_vus"`
	Errors     float64            `json:"errors"`
	Headline   map[string]float64 `json:"headline,omitempty"`
	Tags       map[string]string  `json:"tags,omitempty"`
}

// NewHistoryEntry condenses a Summary for the history file.
func NewHistoryEntry(s Summary) HistoryEntry {
	entry := HistoryEntry{
		RunID:      s.RunID,
		Target:     s.Target,
		StartedAt:  s.StartedAt,
		DurationMs: s.Scheduler.DurationMs,
		Pass:       s.Verdict.Pass && s.Fatal == "",
		Fatal:      s.Fatal,
		Spawned:    s.Scheduler.Spawned,
		PeakVUs:    s.Scheduler.PeakActive,
		Errors:     s.Metrics.Counter(metrics.Errors),
		Tags:       s.Tags,
	}
	for name, d := range s.Metrics.Distributions {
		if entry.Headline == nil {
			entry.Headline = make(map[string]float64)
		}
		entry.Headline[name+"_p95"] = d.P95
	}
	return entry
}

// AppendHistory appends entry as one JSON line to path. Concurrent runs
// sharing the file are serialized by an exclusive lock on path+".lock".
func AppendHistory(path string, entry HistoryEntry) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock history file: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("write history file: %w", err)
	}
	return f.Close()
}

// ReadHistory returns every entry recorded in path, oldest first.
func ReadHistory(path string) ([]HistoryEntry, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock history file: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	var entries []HistoryEntry
	dec := json.NewDecoder(f)
	for dec.More() {
		var e HistoryEntry
		if err := dec.Decode(&e); err != nil {
			return entries, fmt.Errorf("decode history entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
