// Package runner provides the virtual-user scheduler for chatswarm.
//
// A [Scheduler] turns an ordered list of [Stage] values into a time-varying
// number of live sessions. On every poll it computes the desired concurrency
// C(t) from the compiled [StagePlan] and then:
//   - spawns new sessions while the active count is below C(t)
//   - retires the oldest sessions while the active count is above C(t)
//
// # Basic Usage
//
//	s := runner.New(runner.Options{
//		Stages: []runner.Stage{
//			{Duration: time.Minute, Target: 500},
//			{Duration: time.Minute, Target: 0},
//		},
//		Factory:  newSession,
//		Recorder: collector,
//	})
//	res, err := s.Run(ctx)
//
// # Sessions
//
// The [Session] interface is what the scheduler drives:
//
//	type Session interface {
//		Run(ctx context.Context) error
//		Retire()
//	}
//
// A session error is contained to that session. Only a [Factory] that keeps
// failing past the retry budget aborts the run, with [ErrSpawnExhausted].
//
// # Interpolation
//
// Inside a stage the target either ramps linearly from the previous stage's
// target ([InterpolationLinear], the default) or jumps to the stage target at
// stage start ([InterpolationStep]).
//
// # Spawn pacing
//
// Options.SpawnRate caps how many sessions start per second. The cap never
// blocks the poll loop: whatever is left of the gap is spawned on later polls.
package runner
