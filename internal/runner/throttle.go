package runner

import (
	"math"

	"golang.org/x/time/rate"
)

// spawnThrottle paces new sessions with a token bucket. It never blocks: a
// reconcile pass spawns what the bucket allows and leaves the rest of the gap
// to the next poll.
type spawnThrottle struct {
	limiter *rate.Limiter
}

func newSpawnThrottle(perSecond float64, factory func(float64) *rate.Limiter) *spawnThrottle {
	if factory == nil {
		factory = defaultLimiter
	}
	return &spawnThrottle{limiter: factory(perSecond)}
}

func defaultLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(math.Ceil(perSecond))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (t *spawnThrottle) allow() bool {
	if t == nil || t.limiter == nil {
		return true
	}
	return t.limiter.Allow()
}
