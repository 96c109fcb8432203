package runner_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/torosent/chatswarm/internal/metrics"
	"github.com/torosent/chatswarm/internal/runner"
)

// fakeSession runs until retired, cancelled, or its lifetime elapses.
type fakeSession struct {
	id       int64
	lifetime time.Duration
	err      error
	retired  chan struct{}
	once     sync.Once
	onRetire func(id int64)
}

func (f *fakeSession) Run(ctx context.Context) error {
	var timeout <-chan time.Time
	if f.lifetime > 0 {
		timer := time.NewTimer(f.lifetime)
		defer timer.Stop()
		timeout = timer.C
	}
	if f.err != nil {
		return f.err
	}
	select {
	case <-f.retired:
	case <-ctx.Done():
	case <-timeout:
	}
	return nil
}

func (f *fakeSession) Retire() {
	f.once.Do(func() {
		if f.onRetire != nil {
			f.onRetire(f.id)
		}
		close(f.retired)
	})
}

// fakeFactory builds fakeSessions and counts calls.
type fakeFactory struct {
	calls    atomic.Int64
	lifetime time.Duration
	runErr   error
	failures int64 // the first failures calls return an error

	mu      sync.Mutex
	retired []int64
}

func (f *fakeFactory) create(_ context.Context, id int64) (runner.Session, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, errors.New("out of file descriptors")
	}
	return &fakeSession{
		id:       id,
		lifetime: f.lifetime,
		err:      f.runErr,
		retired:  make(chan struct{}),
		onRetire: f.recordRetire,
	}, nil
}

func (f *fakeFactory) recordRetire(id int64) {
	f.mu.Lock()
	f.retired = append(f.retired, id)
	f.mu.Unlock()
}

func (f *fakeFactory) retiredIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.retired...)
}

// polls records every reconcile pass.
type polls struct {
	mu  sync.Mutex
	all []runner.Poll
}

func (p *polls) record(poll runner.Poll) {
	p.mu.Lock()
	p.all = append(p.all, poll)
	p.mu.Unlock()
}

func (p *polls) list() []runner.Poll {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]runner.Poll(nil), p.all...)
}

func fastRetry() runner.RetryPolicy {
	return runner.RetryPolicy{DelayFunc: func(int, error) time.Duration { return time.Millisecond }}
}

// TestSchedulerTracksTarget ensures active sessions follow C(t) on every poll.
func TestSchedulerTracksTarget(t *testing.T) {
	factory := &fakeFactory{}
	collector := metrics.NewCollector()
	seen := &polls{}
	s := runner.New(runner.Options{
		Stages: []runner.Stage{
			{Duration: 200 * time.Millisecond, Target: 10},
			{Duration: 200 * time.Millisecond, Target: 10},
			{Duration: 200 * time.Millisecond, Target: 0},
		},
		PollInterval: 20 * time.Millisecond,
		Factory:      factory.create,
		Recorder:     collector,
		Logger:       zaptest.NewLogger(t),
		OnPoll:       seen.record,
	})

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	all := seen.list()
	if len(all) < 10 {
		t.Fatalf("expected regular polls, got %d", len(all))
	}
	for _, p := range all {
		if p.Active < 0 || p.Active > 10 {
			t.Fatalf("active %d outside [0, 10] at %s", p.Active, p.Elapsed)
		}
		if p.Active != p.Target {
			t.Fatalf("active %d != target %d at %s", p.Active, p.Target, p.Elapsed)
		}
	}

	if s.Active() != 0 {
		t.Fatalf("Active() after run = %d, want 0", s.Active())
	}
	if res.Spawned != 10 {
		t.Fatalf("Spawned = %d, want 10", res.Spawned)
	}
	if res.PeakActive != 10 {
		t.Fatalf("PeakActive = %d, want 10", res.PeakActive)
	}
	if res.Retired != res.Spawned || res.Completed != res.Spawned || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	snap := collector.Snapshot()
	vus, ok := snap.Distributions[metrics.VUs]
	if !ok {
		t.Fatal("vus not recorded")
	}
	if vus.Max != 10 || int(vus.Count) != len(all) {
		t.Fatalf("vus stats = %+v, want max 10 over %d polls", vus, len(all))
	}
}

// TestSchedulerRetiresOldestFirst ensures ramp-down picks the longest-running sessions.
func TestSchedulerRetiresOldestFirst(t *testing.T) {
	factory := &fakeFactory{}
	s := runner.New(runner.Options{
		Stages: []runner.Stage{
			{Duration: 100 * time.Millisecond, Target: 5},
			{Duration: 100 * time.Millisecond, Target: 2},
		},
		Interpolation: runner.InterpolationStep,
		PollInterval:  10 * time.Millisecond,
		Factory:       factory.create,
	})

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := factory.retiredIDs()
	if len(got) != 5 {
		t.Fatalf("retired %v, want 5 sessions", got)
	}
	for i, want := range []int64{1, 2, 3, 4, 5} {
		if got[i] != want {
			t.Fatalf("retire order = %v, want oldest first", got)
		}
	}
}

// TestSchedulerReplacesCompletedSessions ensures finished sessions free a slot.
func TestSchedulerReplacesCompletedSessions(t *testing.T) {
	factory := &fakeFactory{lifetime: 15 * time.Millisecond}
	s := runner.New(runner.Options{
		Stages:        []runner.Stage{{Duration: 200 * time.Millisecond, Target: 2}},
		Interpolation: runner.InterpolationStep,
		PollInterval:  10 * time.Millisecond,
		Factory:       factory.create,
	})

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Spawned <= 2 {
		t.Fatalf("Spawned = %d, want completed sessions to be replaced", res.Spawned)
	}
	if res.Completed != res.Spawned {
		t.Fatalf("Completed = %d, Spawned = %d", res.Completed, res.Spawned)
	}
}

// TestSchedulerContainsSessionFailures ensures failed sessions never abort the run.
func TestSchedulerContainsSessionFailures(t *testing.T) {
	factory := &fakeFactory{runErr: errors.New("connection reset")}
	s := runner.New(runner.Options{
		Stages:        []runner.Stage{{Duration: 60 * time.Millisecond, Target: 3}},
		Interpolation: runner.InterpolationStep,
		PollInterval:  10 * time.Millisecond,
		Factory:       factory.create,
	})

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Spawned < 3 || res.Failed != res.Spawned {
		t.Fatalf("unexpected result %+v", res)
	}
}

// TestSchedulerSpawnExhausted ensures persistent spawn failures are fatal.
func TestSchedulerSpawnExhausted(t *testing.T) {
	factory := &fakeFactory{failures: 1 << 30}
	collector := metrics.NewCollector()
	s := runner.New(runner.Options{
		Stages:       []runner.Stage{{Duration: time.Minute, Target: 5}},
		SpawnRetries: 2,
		Retry:        fastRetry(),
		Factory:      factory.create,
		Recorder:     collector,
		Logger:       zaptest.NewLogger(t),
	})

	start := time.Now()
	res, err := s.Run(context.Background())
	if !errors.Is(err, runner.ErrSpawnExhausted) {
		t.Fatalf("Run() error = %v, want ErrSpawnExhausted", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("run did not abort promptly")
	}
	if got := factory.calls.Load(); got != 3 {
		t.Fatalf("factory calls = %d, want 3", got)
	}
	if got := collector.Snapshot().Counter(metrics.SchedulerErrors); got != 3 {
		t.Fatalf("scheduler_errors = %v, want 3", got)
	}
	if res.Spawned != 0 {
		t.Fatalf("Spawned = %d, want 0", res.Spawned)
	}
}

// TestSchedulerSpawnRecovers ensures transient spawn failures are retried.
func TestSchedulerSpawnRecovers(t *testing.T) {
	factory := &fakeFactory{failures: 2}
	collector := metrics.NewCollector()
	s := runner.New(runner.Options{
		Stages:        []runner.Stage{{Duration: 50 * time.Millisecond, Target: 1}},
		Interpolation: runner.InterpolationStep,
		PollInterval:  10 * time.Millisecond,
		SpawnRetries:  3,
		Retry:         fastRetry(),
		Factory:       factory.create,
		Recorder:      collector,
	})

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Spawned != 1 {
		t.Fatalf("Spawned = %d, want 1", res.Spawned)
	}
	if got := collector.Snapshot().Counter(metrics.SchedulerErrors); got != 2 {
		t.Fatalf("scheduler_errors = %v, want 2", got)
	}
}

// TestSchedulerSpawnRateLimit ensures the spawn limiter caps new sessions.
func TestSchedulerSpawnRateLimit(t *testing.T) {
	factory := &fakeFactory{}
	seen := &polls{}
	s := runner.New(runner.Options{
		Stages:        []runner.Stage{{Duration: 100 * time.Millisecond, Target: 10}},
		Interpolation: runner.InterpolationStep,
		PollInterval:  10 * time.Millisecond,
		SpawnRate:     1,
		LimiterFactory: func(float64) *rate.Limiter {
			return rate.NewLimiter(rate.Every(time.Hour), 3)
		},
		Factory: factory.create,
		OnPoll:  seen.record,
	})

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Spawned != 3 {
		t.Fatalf("Spawned = %d, want 3", res.Spawned)
	}
	for _, p := range seen.list() {
		if p.Active > 3 {
			t.Fatalf("active %d exceeded the spawn budget", p.Active)
		}
	}
}

// TestSchedulerCancel ensures an interrupted run retires everything.
func TestSchedulerCancel(t *testing.T) {
	factory := &fakeFactory{}
	s := runner.New(runner.Options{
		Stages:        []runner.Stage{{Duration: time.Hour, Target: 4}},
		Interpolation: runner.InterpolationStep,
		PollInterval:  10 * time.Millisecond,
		Factory:       factory.create,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := s.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want context.DeadlineExceeded", err)
	}
	if s.Active() != 0 {
		t.Fatalf("Active() = %d, want 0", s.Active())
	}
	if res.Spawned != 4 || res.Completed != 4 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSchedulerConfigurationErrors(t *testing.T) {
	factory := &fakeFactory{}
	if _, err := runner.New(runner.Options{Factory: factory.create}).Run(context.Background()); !errors.Is(err, runner.ErrEmptySchedule) {
		t.Fatalf("empty schedule error = %v, want ErrEmptySchedule", err)
	}
	stages := []runner.Stage{{Duration: time.Second, Target: 1}}
	if _, err := runner.New(runner.Options{Stages: stages}).Run(context.Background()); err == nil {
		t.Fatal("expected error without a factory")
	}
	if factory.calls.Load() != 0 {
		t.Fatal("factory must not be called on configuration errors")
	}
}
