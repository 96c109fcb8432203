package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/chatswarm/internal/metrics"
)

// ErrSpawnExhausted is returned when a session could not be created within
// the retry budget. It aborts the run.
var ErrSpawnExhausted = errors.New("spawn retries exhausted")

// Result captures execution summary.
type Result struct {
	Spawned    int64
	Retired    int64
	Completed  int64
	Failed     int64
	PeakActive int64
	Duration   time.Duration
}

type liveSession struct {
	id      int64
	session Session
}

// Scheduler keeps the number of live sessions aligned with a stage plan.
type Scheduler struct {
	opt      Options
	throttle *spawnThrottle

	nextID atomic.Int64
	target atomic.Int64
	wg     sync.WaitGroup

	mu   sync.Mutex
	live []*liveSession // oldest first; retired sessions are removed

	spawned   atomic.Int64
	retired   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	peak      atomic.Int64
}

// New creates a Scheduler.
func New(opt Options) *Scheduler {
	opt.normalize()
	return &Scheduler{
		opt:      opt,
		throttle: newSpawnThrottle(opt.SpawnRate, opt.LimiterFactory),
	}
}

// Active returns the number of running sessions that have not been retired.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Target returns the concurrency requested by the most recent poll.
func (s *Scheduler) Target() int {
	return int(s.target.Load())
}

// Run executes the schedule. Once the last stage ends, or ctx is cancelled,
// every remaining session is retired and Run waits for all of them to finish.
// It returns ErrEmptySchedule for a schedule without running time,
// ErrSpawnExhausted when spawning keeps failing, and ctx.Err() when the run
// was interrupted.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	if s.opt.Factory == nil {
		return Result{}, errors.New("runner: no session factory")
	}
	plan, err := CompileStages(s.opt.Stages, s.opt.Interpolation)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	logger := s.opt.Logger
	logger.Info("schedule started",
		zap.Int("stages", len(s.opt.Stages)),
		zap.Duration("duration", plan.Duration()),
		zap.Int("peak", plan.Peak()))

	runErr := s.loop(ctx, plan, start)

	s.retireAll()
	s.wg.Wait()

	res := Result{
		Spawned:    s.spawned.Load(),
		Retired:    s.retired.Load(),
		Completed:  s.completed.Load(),
		Failed:     s.failed.Load(),
		PeakActive: s.peak.Load(),
		Duration:   time.Since(start),
	}
	if runErr != nil {
		logger.Warn("schedule aborted", zap.Error(runErr))
	} else {
		logger.Info("schedule finished",
			zap.Int64("spawned", res.Spawned),
			zap.Int64("failed", res.Failed),
			zap.Duration("elapsed", res.Duration))
	}
	return res, runErr
}

func (s *Scheduler) loop(ctx context.Context, plan *StagePlan, start time.Time) error {
	ticker := time.NewTicker(s.opt.PollInterval)
	defer ticker.Stop()

	elapsed := time.Duration(0)
	for {
		target, ok := plan.TargetAt(elapsed)
		if !ok {
			return nil
		}
		if err := s.reconcile(ctx, elapsed, target); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			elapsed = time.Since(start)
		}
	}
}

// reconcile spawns or retires sessions so that Active matches target.
func (s *Scheduler) reconcile(ctx context.Context, elapsed time.Duration, target int) error {
	s.target.Store(int64(target))
	active := s.Active()

	switch {
	case active < target:
		for i := active; i < target; i++ {
			if !s.throttle.allow() {
				break
			}
			if err := s.spawn(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}
	case active > target:
		s.retireOldest(active - target)
	}

	active = s.Active()
	s.opt.Recorder.Observe(metrics.VUs, float64(active))
	if s.opt.OnPoll != nil {
		s.opt.OnPoll(Poll{Elapsed: elapsed, Target: target, Active: active})
	}
	return nil
}

func (s *Scheduler) spawn(ctx context.Context) error {
	id := s.nextID.Add(1)
	var sess Session
	err := retry(ctx, s.opt.Retry, func(int) error {
		var err error
		sess, err = s.opt.Factory(ctx, id)
		return err
	}, func(attempt int, err error) {
		s.opt.Recorder.Inc(metrics.SchedulerErrors, 1)
		s.opt.Logger.Warn("spawn failed", zap.Int64("vu", id), zap.Int("attempt", attempt), zap.Error(err))
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: VU-%d: %w", ErrSpawnExhausted, id, err)
	}

	entry := &liveSession{id: id, session: sess}
	s.mu.Lock()
	s.live = append(s.live, entry)
	active := int64(len(s.live))
	s.mu.Unlock()

	s.spawned.Add(1)
	for {
		peak := s.peak.Load()
		if active <= peak || s.peak.CompareAndSwap(peak, active) {
			break
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := sess.Run(ctx)
		s.remove(entry)
		if err != nil {
			s.failed.Add(1)
			return
		}
		s.completed.Add(1)
	}()
	return nil
}

// remove drops a finished session from the live list if it is still there.
func (s *Scheduler) remove(entry *liveSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.live {
		if e == entry {
			s.live = append(s.live[:i], s.live[i+1:]...)
			return
		}
	}
}

// retireOldest signals the n longest-running sessions to wind down.
func (s *Scheduler) retireOldest(n int) {
	s.mu.Lock()
	if n > len(s.live) {
		n = len(s.live)
	}
	victims := make([]*liveSession, n)
	copy(victims, s.live[:n])
	s.live = append([]*liveSession(nil), s.live[n:]...)
	s.mu.Unlock()

	for _, v := range victims {
		v.session.Retire()
		s.retired.Add(1)
	}
}

func (s *Scheduler) retireAll() {
	s.retireOldest(s.Active())
}
