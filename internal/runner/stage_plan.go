package runner

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrEmptySchedule is returned when the stages describe no running time.
	ErrEmptySchedule = errors.New("schedule has no stages")
	// ErrInvalidStage is returned for negative durations or targets.
	ErrInvalidStage = errors.New("invalid stage")
)

// Stage asks for Target concurrent sessions by the end of Duration.
type Stage struct {
	Duration time.Duration
	Target   int
}

// Interpolation selects how the target moves inside a stage.
type Interpolation string

const (
	// InterpolationLinear ramps from the previous stage's target (0 before
	// the first stage) to this stage's target across the stage.
	InterpolationLinear Interpolation = "linear"
	// InterpolationStep jumps to the stage's target when the stage starts.
	InterpolationStep Interpolation = "step"
)

// StagePlan is a compiled schedule answering "how many sessions now?".
type StagePlan struct {
	segments []stageSegment
	duration time.Duration
	peak     int
	interp   Interpolation
}

type stageSegment struct {
	start    time.Duration
	duration time.Duration
	from     int
	to       int
}

// CompileStages validates stages and builds the plan. Zero-length stages are
// kept only as a jump in the starting value of the next stage.
func CompileStages(stages []Stage, interp Interpolation) (*StagePlan, error) {
	if len(stages) == 0 {
		return nil, ErrEmptySchedule
	}
	switch interp {
	case "":
		interp = InterpolationLinear
	case InterpolationLinear, InterpolationStep:
	default:
		return nil, fmt.Errorf("unknown interpolation %q", interp)
	}

	plan := &StagePlan{interp: interp}
	var offset time.Duration
	prev := 0
	for idx, st := range stages {
		if st.Duration < 0 || st.Target < 0 {
			return nil, fmt.Errorf("%w: stages[%d] duration=%s target=%d", ErrInvalidStage, idx, st.Duration, st.Target)
		}
		if st.Target > plan.peak {
			plan.peak = st.Target
		}
		if st.Duration == 0 {
			prev = st.Target
			continue
		}
		plan.segments = append(plan.segments, stageSegment{
			start:    offset,
			duration: st.Duration,
			from:     prev,
			to:       st.Target,
		})
		offset += st.Duration
		prev = st.Target
	}

	if len(plan.segments) == 0 {
		return nil, ErrEmptySchedule
	}
	plan.duration = offset
	return plan, nil
}

// TargetAt returns C(elapsed). ok is false once the schedule has ended.
func (p *StagePlan) TargetAt(elapsed time.Duration) (int, bool) {
	if p == nil || len(p.segments) == 0 {
		return 0, false
	}
	if elapsed < 0 {
		elapsed = 0
	}
	for _, seg := range p.segments {
		end := seg.start + seg.duration
		if elapsed >= end {
			continue
		}
		if p.interp == InterpolationStep || seg.from == seg.to {
			return seg.to, true
		}
		progress := float64(elapsed-seg.start) / float64(seg.duration)
		if progress < 0 {
			progress = 0
		} else if progress > 1 {
			progress = 1
		}
		return int(math.Round(float64(seg.from) + float64(seg.to-seg.from)*progress)), true
	}
	return 0, false
}

// Duration returns the total schedule length.
func (p *StagePlan) Duration() time.Duration {
	if p == nil {
		return 0
	}
	return p.duration
}

// Peak returns the largest target of any stage.
func (p *StagePlan) Peak() int {
	if p == nil {
		return 0
	}
	return p.peak
}
