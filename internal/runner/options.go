package runner

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultPollInterval = time.Second
	defaultSpawnRetries = 3
	defaultRetryBase    = 100 * time.Millisecond
	defaultRetryMax     = 5 * time.Second
)

// Session is one running virtual user as seen by the scheduler.
type Session interface {
	// Run drives the session to completion. A non-nil error marks the
	// session as failed; it never aborts the run.
	Run(ctx context.Context) error
	// Retire asks the session to wind down early. It must not block.
	Retire()
}

// Factory creates the session for a new VU id. A factory error is a spawn
// failure and is retried.
type Factory func(ctx context.Context, id int64) (Session, error)

// Recorder receives scheduler samples. *metrics.Collector satisfies it.
type Recorder interface {
	Observe(name string, value float64)
	Inc(name string, delta float64)
}

// Poll describes one reconcile pass, after spawning and retiring.
type Poll struct {
	Elapsed time.Duration
	Target  int
	Active  int
}

// Options configure the Scheduler.
type Options struct {
	Stages        []Stage
	Interpolation Interpolation
	PollInterval  time.Duration // how often active sessions are reconciled with the target
	SpawnRate     float64       // new sessions per second (0 means unlimited)
	SpawnRetries  int           // retries after a failed spawn before the run aborts
	Retry         RetryPolicy   // optional override of the spawn retry policy
	Factory       Factory       // session constructor (required)
	Recorder      Recorder
	Logger        *zap.Logger
	// OnPoll observes every reconcile pass.
	OnPoll         func(Poll)
	LimiterFactory func(perSecond float64) *rate.Limiter // optional injection for tests
}

func (o *Options) normalize() {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.SpawnRate < 0 {
		o.SpawnRate = 0
	}
	if o.SpawnRetries < 0 {
		o.SpawnRetries = defaultSpawnRetries
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = o.SpawnRetries + 1
	}
	if o.Retry.DelayFunc == nil && o.Retry.Delay == 0 {
		o.Retry.DelayFunc = ExponentialBackoff(defaultRetryBase, defaultRetryMax)
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

type nopRecorder struct{}

func (nopRecorder) Observe(string, float64) {}
func (nopRecorder) Inc(string, float64)     {}
